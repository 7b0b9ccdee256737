// Package layers describes the renderer sources and the layers drawn from them.
package layers

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mapmark/annotator/internal/store"
)

//go:embed default.yaml
var defaultSpec []byte

// ErrInvalid is returned when a layer specification is inconsistent.
var ErrInvalid = errors.New("invalid layer specification")

// Source binds a named renderer source to an annotation collection.
type Source struct {
	Name       string `yaml:"name" json:"name"`
	Collection string `yaml:"collection" json:"collection"`
}

// Layer is a renderer layer definition, sent to the client as-is.
type Layer struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"type" json:"type"`
	Source string         `yaml:"source" json:"source"`
	Layout map[string]any `yaml:"layout,omitempty" json:"layout,omitempty"`
	Paint  map[string]any `yaml:"paint,omitempty" json:"paint,omitempty"`
}

// Set is a validated group of sources and layers.
type Set struct {
	Sources []Source `yaml:"sources" json:"sources"`
	Layers  []Layer  `yaml:"layers" json:"layers"`
}

// Default returns the built-in specification.
func Default() (*Set, error) {
	return Parse(defaultSpec)
}

// Load reads a YAML specification from path.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a YAML specification.
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding layers: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every source binds a distinct known collection, layer
// ids are unique, and every layer draws from a declared source.
func (s *Set) Validate() error {
	names := make(map[string]bool, len(s.Sources))
	bound := make(map[store.Collection]string, len(s.Sources))
	for _, src := range s.Sources {
		if src.Name == "" {
			return fmt.Errorf("%w: source without name", ErrInvalid)
		}
		if names[src.Name] {
			return fmt.Errorf("%w: duplicate source %q", ErrInvalid, src.Name)
		}
		names[src.Name] = true

		c, err := store.ParseCollection(src.Collection)
		if err != nil {
			return fmt.Errorf("%w: source %q: %v", ErrInvalid, src.Name, err)
		}
		if other, ok := bound[c]; ok {
			return fmt.Errorf("%w: %s bound by both %q and %q", ErrInvalid, c, other, src.Name)
		}
		bound[c] = src.Name
	}

	ids := make(map[string]bool, len(s.Layers))
	for _, l := range s.Layers {
		if l.ID == "" {
			return fmt.Errorf("%w: layer without id", ErrInvalid)
		}
		if ids[l.ID] {
			return fmt.Errorf("%w: duplicate layer id %q", ErrInvalid, l.ID)
		}
		ids[l.ID] = true
		if !names[l.Source] {
			return fmt.Errorf("%w: layer %q references unknown source %q", ErrInvalid, l.ID, l.Source)
		}
	}
	return nil
}

// SourceFor returns the source bound to collection c.
func (s *Set) SourceFor(c store.Collection) (Source, bool) {
	for _, src := range s.Sources {
		if src.Collection == c.String() {
			return src, true
		}
	}
	return Source{}, false
}

// LayersFor returns the layers drawn from the named source, in declaration order.
func (s *Set) LayersFor(source string) []Layer {
	var out []Layer
	for _, l := range s.Layers {
		if l.Source == source {
			out = append(out, l)
		}
	}
	return out
}
