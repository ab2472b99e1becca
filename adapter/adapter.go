// Package adapter converts between native textual resource formats and the
// normalized JSON form the rest of the subsystem hashes, diffs, and stores.
// Adapters register against format tags; lookup is priority ordered with
// resource-type specificity breaking ties.
package adapter

import (
	"time"
)

// Well-known format tags.
const (
	FormatUSFM = "usfm"
	FormatTSV  = "tsv"
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// ConversionContext describes a requested conversion. Exactly one side of a
// conversion is the normalized JSON form; the other is a native format.
type ConversionContext struct {
	SourceFormat string
	TargetFormat string
	ResourceType string
}

// NativeFormat returns the non-JSON side of the conversion, which is the
// format an adapter is selected by.
func (c ConversionContext) NativeFormat() string {
	if c.SourceFormat != "" && c.SourceFormat != FormatJSON {
		return c.SourceFormat
	}
	return c.TargetFormat
}

// ConversionResult reports a completed conversion with its processing
// metadata.
type ConversionResult struct {
	Output      string
	AdapterID   string
	Elapsed     time.Duration
	InputBytes  int
	OutputBytes int
}

// FormatAdapter converts one family of native formats to and from the
// normalized JSON form.
type FormatAdapter interface {
	// ID uniquely names the adapter within a registry. Registering a second
	// adapter under the same ID replaces the first.
	ID() string
	// Formats lists the native format tags the adapter serves.
	Formats() []string
	// ResourceTypes restricts the adapter to specific resource types. Empty
	// means the adapter is generic and serves any resource type.
	ResourceTypes() []string
	// Priority orders adapters serving the same format, higher first.
	Priority() int
	// Supports reports whether the adapter can serve the requested
	// conversion.
	Supports(ctx ConversionContext) bool
	// ToJSON converts native text to the normalized JSON form.
	ToJSON(content string) (string, error)
	// FromJSON converts the normalized JSON form back to native text.
	FromJSON(jsonContent string) (string, error)
	// Validate checks native text for the format's required structure.
	Validate(content string) error
}

// NotFoundError reports that no registered adapter serves a conversion.
// Callers treat this as recoverable: the resource simply cannot be
// normalized yet.
type NotFoundError struct {
	Format       string
	ResourceType string
}

func (e *NotFoundError) Error() string {
	if e.ResourceType != "" {
		return "no adapter for format " + e.Format + " and resource type " + e.ResourceType
	}
	return "no adapter for format " + e.Format
}

// supportsContext is the shared format/resource-type admission rule: the
// adapter must declare the requested native format, and either carry no
// resource-type restriction or explicitly list the requested type. An empty
// requested type matches any restriction.
func supportsContext(a FormatAdapter, ctx ConversionContext) bool {
	format := ctx.NativeFormat()
	declared := false
	for _, f := range a.Formats() {
		if f == format {
			declared = true
			break
		}
	}
	if !declared {
		return false
	}

	types := a.ResourceTypes()
	if len(types) == 0 || ctx.ResourceType == "" {
		return true
	}
	for _, t := range types {
		if t == ctx.ResourceType {
			return true
		}
	}
	return false
}

// listsResourceType reports whether the adapter explicitly declares the
// requested resource type. Used to prefer specific adapters over generic
// ones at equal priority.
func listsResourceType(a FormatAdapter, resourceType string) bool {
	if resourceType == "" {
		return false
	}
	for _, t := range a.ResourceTypes() {
		if t == resourceType {
			return true
		}
	}
	return false
}
