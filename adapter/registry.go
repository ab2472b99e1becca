package adapter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry provides thread-safe registration and lookup of format adapters.
// The registry holds no concrete format logic of its own.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]FormatAdapter
	byFormat map[string][]FormatAdapter
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]FormatAdapter),
		byFormat: make(map[string][]FormatAdapter),
		logger:   logger,
	}
}

// Register adds an adapter under its declared format tags. Registering an
// adapter whose ID is already present replaces the prior registration.
// Multiple adapters may serve the same format; priority breaks ties.
func (r *Registry) Register(a FormatAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.ID()]; exists {
		r.removeFromIndexLocked(a.ID())
		r.logger.Debug().Str("adapter", a.ID()).Msg("replacing adapter registration")
	}

	r.adapters[a.ID()] = a
	for _, format := range a.Formats() {
		r.byFormat[format] = append(r.byFormat[format], a)
	}

	r.logger.Debug().
		Str("adapter", a.ID()).
		Strs("formats", a.Formats()).
		Int("priority", a.Priority()).
		Msg("registered adapter")
}

func (r *Registry) removeFromIndexLocked(id string) {
	for format, list := range r.byFormat {
		kept := list[:0]
		for _, a := range list {
			if a.ID() != id {
				kept = append(kept, a)
			}
		}
		r.byFormat[format] = kept
	}
}

// Get retrieves an adapter by ID.
func (r *Registry) Get(id string) (FormatAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// List returns all registered adapters.
func (r *Registry) List() []FormatAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]FormatAdapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		result = append(result, a)
	}
	return result
}

// Find returns the best adapter for the requested conversion: highest
// priority among adapters declaring the native format and admitting the
// resource type, with adapters that explicitly list the resource type
// preferred over generic ones at equal priority. A miss returns
// *NotFoundError.
func (r *Registry) Find(ctx ConversionContext) (FormatAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	format := ctx.NativeFormat()
	var matches []FormatAdapter
	for _, a := range r.byFormat[format] {
		if a.Supports(ctx) {
			matches = append(matches, a)
		}
	}

	if len(matches) == 0 {
		r.logger.Debug().
			Str("format", format).
			Str("resourceType", ctx.ResourceType).
			Msg("no adapter found")
		return nil, &NotFoundError{Format: format, ResourceType: ctx.ResourceType}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority() != matches[j].Priority() {
			return matches[i].Priority() > matches[j].Priority()
		}
		si := listsResourceType(matches[i], ctx.ResourceType)
		sj := listsResourceType(matches[j], ctx.ResourceType)
		if si != sj {
			return si
		}
		return matches[i].ID() < matches[j].ID()
	})

	return matches[0], nil
}

// ToJSON converts native text to the normalized JSON form using the best
// matching adapter.
func (r *Registry) ToJSON(content, sourceFormat, resourceType string) (*ConversionResult, error) {
	ctx := ConversionContext{
		SourceFormat: sourceFormat,
		TargetFormat: FormatJSON,
		ResourceType: resourceType,
	}
	a, err := r.Find(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	output, err := a.ToJSON(content)
	if err != nil {
		return nil, fmt.Errorf("converting %s to json: %w", sourceFormat, err)
	}

	return &ConversionResult{
		Output:      output,
		AdapterID:   a.ID(),
		Elapsed:     time.Since(start),
		InputBytes:  len(content),
		OutputBytes: len(output),
	}, nil
}

// FromJSON converts the normalized JSON form back to native text using the
// best matching adapter.
func (r *Registry) FromJSON(jsonContent, targetFormat, resourceType string) (*ConversionResult, error) {
	ctx := ConversionContext{
		SourceFormat: FormatJSON,
		TargetFormat: targetFormat,
		ResourceType: resourceType,
	}
	a, err := r.Find(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	output, err := a.FromJSON(jsonContent)
	if err != nil {
		return nil, fmt.Errorf("converting json to %s: %w", targetFormat, err)
	}

	return &ConversionResult{
		Output:      output,
		AdapterID:   a.ID(),
		Elapsed:     time.Since(start),
		InputBytes:  len(jsonContent),
		OutputBytes: len(output),
	}, nil
}

// Validate runs the format-specific sanity check for content before a
// conversion is trusted.
func (r *Registry) Validate(content, format string) error {
	a, err := r.Find(ConversionContext{SourceFormat: format})
	if err != nil {
		return err
	}
	return a.Validate(content)
}
