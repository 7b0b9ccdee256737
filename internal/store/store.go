// Package store owns the annotation collections of one map session.
// Every write produces a new collection value (copy-on-write) and broadcasts it whole.
package store

import (
	"errors"
	"fmt"

	"github.com/mapmark/annotator/pkg/core"
)

// Collection names one of the three annotation collections.
type Collection uint8

const (
	Markers Collection = iota
	PolygonVertices
	PolygonMarkers
)

func (c Collection) String() string {
	switch c {
	case Markers:
		return "markers"
	case PolygonVertices:
		return "polygon_vertices"
	case PolygonMarkers:
		return "polygon_markers"
	default:
		return fmt.Sprintf("collection(%d)", uint8(c))
	}
}

// ParseCollection resolves a collection by its String name.
func ParseCollection(name string) (Collection, error) {
	for _, c := range []Collection{Markers, PolygonVertices, PolygonMarkers} {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown collection %q", name)
}

// ErrNotFeatureCollection is returned when a feature operation targets the vertex ring.
var ErrNotFeatureCollection = errors.New("collection does not hold features")

// Outcome reports what a marker edit or removal did.
type Outcome uint8

const (
	// Applied means the collection changed.
	Applied Outcome = iota
	// NotFound means no feature had the requested id.
	NotFound
	// Ignored means the request carried nothing to apply.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NotFound:
		return "not_found"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// State is a point-in-time copy of all three collections.
type State struct {
	Markers         core.FeatureCollection
	PolygonVertices core.Ring
	PolygonMarkers  core.FeatureCollection
}

// Store holds the markers, polygon vertices and polygon markers of one session.
// All collections start empty.
type Store struct {
	markers        *Subject[core.FeatureCollection]
	vertices       *Subject[core.Ring]
	polygonMarkers *Subject[core.FeatureCollection]
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		markers:        NewSubject(core.FeatureCollection{}),
		vertices:       NewSubject(core.Ring{}),
		polygonMarkers: NewSubject(core.FeatureCollection{}),
	}
}

// Features returns the subject behind a feature collection.
func (s *Store) Features(c Collection) (*Subject[core.FeatureCollection], error) {
	switch c {
	case Markers:
		return s.markers, nil
	case PolygonMarkers:
		return s.polygonMarkers, nil
	default:
		return nil, fmt.Errorf("%s: %w", c, ErrNotFeatureCollection)
	}
}

// Vertices returns the subject behind the polygon vertex ring.
func (s *Store) Vertices() *Subject[core.Ring] {
	return s.vertices
}

// Append adds f to the end of a feature collection and broadcasts the result.
func (s *Store) Append(c Collection, f core.Feature) error {
	sub, err := s.Features(c)
	if err != nil {
		return err
	}
	sub.Next(sub.Value().Append(f))
	return nil
}

// AppendVertex adds v to the polygon ring. Vertices are never removed.
func (s *Store) AppendVertex(v core.Coordinate) {
	s.vertices.Next(s.vertices.Value().Append(v))
}

// Replace broadcasts fn applied to the current value of a feature collection.
// fn must return a new slice rather than modify its argument.
func (s *Store) Replace(c Collection, fn func(core.FeatureCollection) core.FeatureCollection) error {
	sub, err := s.Features(c)
	if err != nil {
		return err
	}
	sub.Next(fn(sub.Value()))
	return nil
}

// RemoveMarker drops every marker with the given id. The markers collection is
// re-broadcast even when nothing matched.
func (s *Store) RemoveMarker(id int64) Outcome {
	removed := 0
	_ = s.Replace(Markers, func(fc core.FeatureCollection) core.FeatureCollection {
		var next core.FeatureCollection
		next, removed = fc.Without(id)
		return next
	})
	if removed == 0 {
		return NotFound
	}
	return Applied
}

// EditMarker sets the label of every marker with the given id.
// Geometry and id are kept. Empty text or an unknown id leaves the collection
// untouched and broadcasts nothing.
func (s *Store) EditMarker(id int64, text string) Outcome {
	if text == "" {
		return Ignored
	}
	current := s.markers.Value()
	if _, ok := current.Find(id); !ok {
		return NotFound
	}
	next := make(core.FeatureCollection, len(current))
	for i, f := range current {
		if f.ID == id {
			f = f.WithProperty(core.PropMessage, text)
		}
		next[i] = f
	}
	s.markers.Next(next)
	return Applied
}

// Snapshot returns the current value of every collection.
func (s *Store) Snapshot() State {
	return State{
		Markers:         s.markers.Value(),
		PolygonVertices: s.vertices.Value(),
		PolygonMarkers:  s.polygonMarkers.Value(),
	}
}

// Close ends all subscriptions. Later writes are discarded.
func (s *Store) Close() {
	s.markers.Close()
	s.vertices.Close()
	s.polygonMarkers.Close()
}
