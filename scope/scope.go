// Package scope decides which resources participate in synchronization via
// include/exclude glob rules.
package scope

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Rules holds the serialized gate configuration.
type Rules struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Gate filters resource identifiers. An empty include list allows everything;
// exclude patterns win over include patterns.
type Gate struct {
	include []string
	exclude []string
}

// NewGate builds a gate, validating every pattern up front.
func NewGate(include, exclude []string) (*Gate, error) {
	for _, pattern := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid scope pattern %q", pattern)
		}
	}
	return &Gate{
		include: append([]string(nil), include...),
		exclude: append([]string(nil), exclude...),
	}, nil
}

// LoadRules loads gate rules from a YAML file.
func LoadRules(path string) (*Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scope file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing scope file: %w", err)
	}
	return NewGate(rules.Include, rules.Exclude)
}

// LoadRulesOrEmpty loads rules from a file, or returns an allow-all gate when
// the file does not exist.
func LoadRulesOrEmpty(path string) (*Gate, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Gate{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading scope file: %w", err)
	}
	return LoadRules(path)
}

// Allows reports whether a resource id passes the gate.
func (g *Gate) Allows(resourceID string) bool {
	for _, pattern := range g.exclude {
		if match, _ := doublestar.Match(pattern, resourceID); match {
			return false
		}
	}
	if len(g.include) == 0 {
		return true
	}
	for _, pattern := range g.include {
		if match, _ := doublestar.Match(pattern, resourceID); match {
			return true
		}
	}
	return false
}

// Filter returns the ids that pass the gate, preserving order.
func (g *Gate) Filter(resourceIDs []string) []string {
	var allowed []string
	for _, id := range resourceIDs {
		if g.Allows(id) {
			allowed = append(allowed, id)
		}
	}
	return allowed
}
