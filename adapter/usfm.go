package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Normalized JSON form of a USFM book. Chapters and verses keep document
// order; opaque markers are preserved verbatim in the order they appeared.
type USFMDocument struct {
	Book     string                 `json:"book"`
	Name     string                 `json:"name,omitempty"`
	Chapters []USFMChapter          `json:"chapters"`
	Headers  USFMHeaders            `json:"headers"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// USFMHeaders carries the book-level header lines.
type USFMHeaders struct {
	Title        string `json:"title,omitempty"`
	LongTitle    string `json:"longTitle,omitempty"`
	ShortTitle   string `json:"shortTitle,omitempty"`
	Abbreviation string `json:"abbreviation,omitempty"`
}

type USFMChapter struct {
	Chapter int         `json:"chapter"`
	Verses  []USFMVerse `json:"verses"`
	Markers []string    `json:"markers,omitempty"`
}

type USFMVerse struct {
	Verse   int      `json:"verse"`
	Content string   `json:"content"`
	Markers []string `json:"markers,omitempty"`
}

var (
	ErrMissingBookID  = errors.New("usfm: missing \\id marker")
	ErrMissingContent = errors.New("usfm: no \\c or \\v markers")
)

// USFMAdapter converts verse-aligned scripture text to and from the
// normalized JSON form. Parsing is line oriented: a verse marker opens a
// verse and accumulates following plain lines; unrecognized backslash
// markers are kept verbatim on the open verse, or on the open chapter when
// no verse is open.
type USFMAdapter struct{}

// NewUSFMAdapter returns the USFM adapter.
func NewUSFMAdapter() *USFMAdapter {
	return &USFMAdapter{}
}

func (a *USFMAdapter) ID() string              { return "usfm" }
func (a *USFMAdapter) Formats() []string       { return []string{FormatUSFM} }
func (a *USFMAdapter) ResourceTypes() []string { return []string{"bible"} }
func (a *USFMAdapter) Priority() int           { return 10 }

func (a *USFMAdapter) Supports(ctx ConversionContext) bool {
	return supportsContext(a, ctx)
}

// ToJSON parses USFM text into the normalized JSON form.
func (a *USFMAdapter) ToJSON(content string) (string, error) {
	doc, err := ParseUSFM(content)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling usfm document: %w", err)
	}
	return string(data), nil
}

// FromJSON regenerates USFM text from the normalized JSON form.
func (a *USFMAdapter) FromJSON(jsonContent string) (string, error) {
	var doc USFMDocument
	if err := json.Unmarshal([]byte(jsonContent), &doc); err != nil {
		return "", fmt.Errorf("unmarshaling usfm document: %w", err)
	}
	return GenerateUSFM(&doc), nil
}

// Validate checks for the structural markers a trustworthy book needs: an
// \id line and at least one chapter or verse marker.
func (a *USFMAdapter) Validate(content string) error {
	hasID := false
	hasBody := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, `\id `), trimmed == `\id`:
			hasID = true
		case strings.HasPrefix(trimmed, `\c `), strings.HasPrefix(trimmed, `\v `):
			hasBody = true
		}
	}
	if !hasID {
		return ErrMissingBookID
	}
	if !hasBody {
		return ErrMissingContent
	}
	return nil
}

// ParseUSFM parses USFM text line by line into a document.
func ParseUSFM(content string) (*USFMDocument, error) {
	doc := &USFMDocument{Chapters: []USFMChapter{}}

	var chapter *USFMChapter
	var verse *USFMVerse

	flushVerse := func() {
		if verse != nil && chapter != nil {
			chapter.Verses = append(chapter.Verses, *verse)
		}
		verse = nil
	}
	flushChapter := func() {
		flushVerse()
		if chapter != nil {
			doc.Chapters = append(doc.Chapters, *chapter)
		}
		chapter = nil
	}

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, `\`) {
			// Plain line: continuation of the open verse's content.
			if verse != nil {
				if verse.Content == "" {
					verse.Content = line
				} else {
					verse.Content += " " + line
				}
			}
			continue
		}

		marker, rest := splitMarker(line)
		switch marker {
		case "id":
			fields := strings.Fields(rest)
			if len(fields) > 0 {
				doc.Book = fields[0]
			}
			if len(fields) > 1 {
				doc.Name = strings.Join(fields[1:], " ")
			}
		case "h":
			doc.Headers.Title = rest
		case "toc1":
			doc.Headers.LongTitle = rest
		case "toc2":
			doc.Headers.ShortTitle = rest
		case "toc3":
			doc.Headers.Abbreviation = rest
		case "c":
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				return nil, fmt.Errorf("usfm: bad chapter marker %q", line)
			}
			num, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, fmt.Errorf("usfm: bad chapter marker %q", line)
			}
			flushChapter()
			chapter = &USFMChapter{Chapter: num, Verses: []USFMVerse{}}
		case "v":
			numStr, text, _ := strings.Cut(rest, " ")
			num, err := strconv.Atoi(numStr)
			if err != nil {
				return nil, fmt.Errorf("usfm: bad verse marker %q", line)
			}
			if chapter == nil {
				// Single-chapter books may omit \c; open chapter 1.
				chapter = &USFMChapter{Chapter: 1, Verses: []USFMVerse{}}
			}
			flushVerse()
			verse = &USFMVerse{Verse: num, Content: strings.TrimSpace(text)}
		default:
			// Opaque marker, replayed verbatim on generation.
			if verse != nil {
				verse.Markers = append(verse.Markers, line)
			} else if chapter != nil {
				chapter.Markers = append(chapter.Markers, line)
			}
			// Markers before any chapter are header territory; unknown ones
			// there have no anchor and are dropped.
		}
	}
	flushChapter()

	if doc.Book == "" {
		return nil, ErrMissingBookID
	}
	return doc, nil
}

// GenerateUSFM emits USFM text from a document: the id line, header lines, a
// blank line, then each chapter with its markers and verses, chapters
// separated by blank lines.
func GenerateUSFM(doc *USFMDocument) string {
	var b strings.Builder

	b.WriteString(`\id ` + doc.Book)
	if doc.Name != "" {
		b.WriteString(" " + doc.Name)
	}
	b.WriteString("\n")

	if doc.Headers.Title != "" {
		b.WriteString(`\h ` + doc.Headers.Title + "\n")
	}
	if doc.Headers.LongTitle != "" {
		b.WriteString(`\toc1 ` + doc.Headers.LongTitle + "\n")
	}
	if doc.Headers.ShortTitle != "" {
		b.WriteString(`\toc2 ` + doc.Headers.ShortTitle + "\n")
	}
	if doc.Headers.Abbreviation != "" {
		b.WriteString(`\toc3 ` + doc.Headers.Abbreviation + "\n")
	}
	b.WriteString("\n")

	for i, ch := range doc.Chapters {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(`\c ` + strconv.Itoa(ch.Chapter) + "\n")
		for _, m := range ch.Markers {
			b.WriteString(m + "\n")
		}
		for _, v := range ch.Verses {
			b.WriteString(`\v ` + strconv.Itoa(v.Verse))
			if v.Content != "" {
				b.WriteString(" " + v.Content)
			}
			b.WriteString("\n")
			for _, m := range v.Markers {
				b.WriteString(m + "\n")
			}
		}
	}

	return b.String()
}

// splitMarker splits a backslash line into its marker tag and remainder.
func splitMarker(line string) (marker, rest string) {
	body := strings.TrimPrefix(line, `\`)
	marker, rest, _ = strings.Cut(body, " ")
	return marker, strings.TrimSpace(rest)
}
