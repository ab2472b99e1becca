package adapter

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"resync/cas"
)

// YAMLAdapter converts YAML resources, typically manifests and metadata
// records, to and from the normalized JSON form. It declares no resource-type
// restriction. Round-tripping is structural: key order and comments are not
// preserved.
type YAMLAdapter struct{}

// NewYAMLAdapter returns the YAML adapter.
func NewYAMLAdapter() *YAMLAdapter {
	return &YAMLAdapter{}
}

func (a *YAMLAdapter) ID() string              { return "yaml" }
func (a *YAMLAdapter) Formats() []string       { return []string{FormatYAML} }
func (a *YAMLAdapter) ResourceTypes() []string { return nil }
func (a *YAMLAdapter) Priority() int           { return 5 }

func (a *YAMLAdapter) Supports(ctx ConversionContext) bool {
	return supportsContext(a, ctx)
}

// ToJSON parses YAML and emits canonical JSON with sorted keys, so the same
// document always hashes identically.
func (a *YAMLAdapter) ToJSON(content string) (string, error) {
	var value interface{}
	if err := yaml.Unmarshal([]byte(content), &value); err != nil {
		return "", fmt.Errorf("parsing yaml: %w", err)
	}

	data, err := cas.CanonicalJSON(value)
	if err != nil {
		return "", fmt.Errorf("canonicalizing yaml value: %w", err)
	}
	return string(data), nil
}

// FromJSON emits YAML for a normalized JSON value.
func (a *YAMLAdapter) FromJSON(jsonContent string) (string, error) {
	var value interface{}
	if err := json.Unmarshal([]byte(jsonContent), &value); err != nil {
		return "", fmt.Errorf("parsing json: %w", err)
	}

	data, err := yaml.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("generating yaml: %w", err)
	}
	return string(data), nil
}

// Validate checks that the content is well-formed YAML.
func (a *YAMLAdapter) Validate(content string) error {
	var value interface{}
	if err := yaml.Unmarshal([]byte(content), &value); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}
	return nil
}
