// pkg/core/feature.go
package core

import (
	"sync"
	"time"
)

// Property keys used by the renderer layers.
const (
	PropMessage        = "message"
	PropMessagePolygon = "messagePoligon"
)

// Feature is a labeled point annotation.
// ID is the creation timestamp in milliseconds.
type Feature struct {
	ID         int64             `json:"id"`
	Geometry   Coordinate        `json:"geometry"`
	Properties map[string]string `json:"properties"`
}

// NewFeature builds a feature with a single label property.
func NewFeature(id int64, at Coordinate, key, label string) Feature {
	return Feature{
		ID:         id,
		Geometry:   at,
		Properties: map[string]string{key: label},
	}
}

// Message returns the point-marker label.
func (f Feature) Message() string {
	return f.Properties[PropMessage]
}

// WithProperty returns a copy of f with key set to value.
// The property map is copied so snapshots already handed out stay unchanged.
func (f Feature) WithProperty(key, value string) Feature {
	props := make(map[string]string, len(f.Properties)+1)
	for k, v := range f.Properties {
		props[k] = v
	}
	props[key] = value
	f.Properties = props
	return f
}

// FeatureCollection is an ordered list of features. Duplicate ids are allowed.
type FeatureCollection []Feature

// Append returns a new collection with f at the end.
func (fc FeatureCollection) Append(f Feature) FeatureCollection {
	next := make(FeatureCollection, len(fc), len(fc)+1)
	copy(next, fc)
	return append(next, f)
}

// Without returns a new collection excluding every feature whose id equals id,
// and the number of features removed.
func (fc FeatureCollection) Without(id int64) (FeatureCollection, int) {
	next := make(FeatureCollection, 0, len(fc))
	for _, f := range fc {
		if f.ID == id {
			continue
		}
		next = append(next, f)
	}
	return next, len(fc) - len(next)
}

// Find returns the first feature with the given id.
func (fc FeatureCollection) Find(id int64) (Feature, bool) {
	for _, f := range fc {
		if f.ID == id {
			return f, true
		}
	}
	return Feature{}, false
}

// Clock returns the current time.
type Clock func() time.Time

// IDSource hands out feature ids derived from a millisecond clock.
// Ids never decrease, and two ids taken within the same millisecond still differ.
type IDSource struct {
	mu    sync.Mutex
	clock Clock
	last  int64
}

// NewIDSource creates an IDSource. A nil clock means time.Now.
func NewIDSource(clock Clock) *IDSource {
	if clock == nil {
		clock = time.Now
	}
	return &IDSource{clock: clock}
}

// Next returns the next feature id.
func (s *IDSource) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.clock().UnixMilli()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	return id
}
