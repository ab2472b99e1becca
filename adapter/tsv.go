package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Normalized JSON form of a tab-separated resource: the ordered column names
// from the header row, then each data row keyed by column.
type TSVDocument struct {
	Columns []string            `json:"columns"`
	Rows    []map[string]string `json:"rows"`
}

var ErrEmptyTSV = errors.New("tsv: no header row")

// TSVAdapter converts row-oriented tab-separated resources, such as
// translation notes and checking questions, to and from the normalized JSON
// form. Cells round-trip exactly; TSV carries no escaping, so cells cannot
// contain tabs or newlines.
type TSVAdapter struct{}

// NewTSVAdapter returns the TSV adapter.
func NewTSVAdapter() *TSVAdapter {
	return &TSVAdapter{}
}

func (a *TSVAdapter) ID() string              { return "tsv" }
func (a *TSVAdapter) Formats() []string       { return []string{FormatTSV} }
func (a *TSVAdapter) ResourceTypes() []string { return []string{"notes", "questions", "words"} }
func (a *TSVAdapter) Priority() int           { return 10 }

func (a *TSVAdapter) Supports(ctx ConversionContext) bool {
	return supportsContext(a, ctx)
}

// ToJSON parses TSV text into the normalized JSON form.
func (a *TSVAdapter) ToJSON(content string) (string, error) {
	doc, err := parseTSV(content)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling tsv document: %w", err)
	}
	return string(data), nil
}

// FromJSON regenerates TSV text from the normalized JSON form. Cells are
// emitted in header-column order.
func (a *TSVAdapter) FromJSON(jsonContent string) (string, error) {
	var doc TSVDocument
	if err := json.Unmarshal([]byte(jsonContent), &doc); err != nil {
		return "", fmt.Errorf("unmarshaling tsv document: %w", err)
	}
	if len(doc.Columns) == 0 {
		return "", ErrEmptyTSV
	}

	var b strings.Builder
	b.WriteString(strings.Join(doc.Columns, "\t"))
	b.WriteString("\n")
	for _, row := range doc.Rows {
		cells := make([]string, len(doc.Columns))
		for i, col := range doc.Columns {
			cells[i] = row[col]
		}
		b.WriteString(strings.Join(cells, "\t"))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Validate checks that a header row exists and every data row has the header
// column count.
func (a *TSVAdapter) Validate(content string) error {
	_, err := parseTSV(content)
	return err
}

func parseTSV(content string) (*TSVDocument, error) {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, ErrEmptyTSV
	}

	columns := strings.Split(strings.TrimSuffix(lines[0], "\r"), "\t")
	doc := &TSVDocument{Columns: columns, Rows: []map[string]string{}}

	for i, raw := range lines[1:] {
		line := strings.TrimSuffix(raw, "\r")
		if line == "" {
			continue
		}
		cells := strings.Split(line, "\t")
		if len(cells) != len(columns) {
			return nil, fmt.Errorf("tsv: row %d has %d cells, header has %d", i+2, len(cells), len(columns))
		}
		row := make(map[string]string, len(columns))
		for j, col := range columns {
			row[col] = cells[j]
		}
		doc.Rows = append(doc.Rows, row)
	}
	return doc, nil
}
