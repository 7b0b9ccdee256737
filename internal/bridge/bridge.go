// Package bridge keeps renderer sources in sync with the annotation store.
//
// Every store broadcast replaces the bound source's whole document. Until the
// renderer reports ready, only the latest document per source is kept and
// applied once the sources exist.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mapmark/annotator/internal/geo"
	"github.com/mapmark/annotator/internal/layers"
	"github.com/mapmark/annotator/internal/store"
	"github.com/mapmark/annotator/pkg/core"
)

var (
	// ErrClosed is returned once the bridge has been closed.
	ErrClosed = errors.New("bridge closed")
	// ErrUnknownSource is returned for a source name the renderer does not have.
	ErrUnknownSource = errors.New("unknown source")
)

// Source is the only capability a bridge needs from a renderer source.
type Source interface {
	SetData(doc geo.Document) error
}

// Renderer is the map capability set the bridge drives.
type Renderer interface {
	AddSource(name string, doc geo.Document) error
	GetSource(name string) (Source, error)
	AddLayer(layer layers.Layer) error
	FlyTo(center core.Coordinate) error
}

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Outcome reports what happened to a push or camera move.
type Outcome uint8

const (
	Delivered Outcome = iota
	Deferred
	Dropped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Bridge pushes store collections into renderer sources.
type Bridge struct {
	renderer Renderer
	spec     *layers.Set
	logger   Logger

	mu      sync.Mutex
	ready   bool
	closed  bool
	sources map[string]Source
	created map[string]bool // sources added to the renderer
	layered map[string]bool // layers added to the renderer
	pending map[string]geo.Document
	center  *core.Coordinate
	subs    []*store.Subscription

	pushes metric.Int64Counter
}

// New creates a Bridge for renderer r laid out according to spec.
func New(r Renderer, spec *layers.Set, logger Logger) (*Bridge, error) {
	b := &Bridge{
		renderer: r,
		spec:     spec,
		logger:   logger,
		sources:  make(map[string]Source),
		created:  make(map[string]bool),
		layered:  make(map[string]bool),
		pending:  make(map[string]geo.Document),
	}

	var err error
	b.pushes, err = meter().Int64Counter(
		"bridge.pushes",
		metric.WithDescription("Source document replacements by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating push counter: %w", err)
	}
	return b, nil
}

// Attach subscribes to every collection that has a bound source.
// The current snapshots are pushed (or kept pending) immediately.
func (b *Bridge) Attach(s *store.Store) {
	for _, c := range []store.Collection{store.Markers, store.PolygonMarkers} {
		src, ok := b.spec.SourceFor(c)
		if !ok {
			continue
		}
		sub, _ := s.Features(c)
		name := src.Name
		b.track(sub.Subscribe(func(fc core.FeatureCollection) {
			b.Push(name, geo.ToFeatureCollection(fc))
		}))
	}

	if src, ok := b.spec.SourceFor(store.PolygonVertices); ok {
		name := src.Name
		b.track(s.Vertices().Subscribe(func(r core.Ring) {
			b.Push(name, geo.ToPolygonDocument(r))
		}))
	}
}

func (b *Bridge) track(sub *store.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Push replaces the named source's document. Before Ready the document
// replaces any earlier one pending for the same source.
func (b *Bridge) Push(source string, doc geo.Document) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	var outcome Outcome
	switch {
	case b.closed:
		outcome = Dropped
	case !b.ready:
		b.pending[source] = doc
		outcome = Deferred
	default:
		if err := b.setData(source, doc); err != nil {
			b.logError("set data failed", "source", source, "error", err)
			outcome = Failed
		} else {
			outcome = Delivered
		}
	}

	b.pushes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome.String()),
	))
	b.logDebug("source push", "source", source, "outcome", outcome.String())
	return outcome
}

// setData requires b.mu.
func (b *Bridge) setData(source string, doc geo.Document) error {
	src, ok := b.sources[source]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return src.SetData(doc)
}

// Ready creates every source with an empty document, adds the layers, then
// applies pending documents and any pending camera move. If it fails partway,
// a later call resumes after the sources and layers already added. Once it has
// succeeded, calling it again is a no-op.
func (b *Bridge) Ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.ready {
		return nil
	}

	for _, src := range b.spec.Sources {
		if _, ok := b.sources[src.Name]; ok {
			continue
		}
		c, err := store.ParseCollection(src.Collection)
		if err != nil {
			return err
		}
		if !b.created[src.Name] {
			if err := b.renderer.AddSource(src.Name, emptyDocument(c)); err != nil {
				return fmt.Errorf("adding source %s: %w", src.Name, err)
			}
			b.created[src.Name] = true
		}
		handle, err := b.renderer.GetSource(src.Name)
		if err != nil {
			return fmt.Errorf("getting source %s: %w", src.Name, err)
		}
		b.sources[src.Name] = handle
	}

	for _, l := range b.spec.Layers {
		if b.layered[l.ID] {
			continue
		}
		if err := b.renderer.AddLayer(l); err != nil {
			return fmt.Errorf("adding layer %s: %w", l.ID, err)
		}
		b.layered[l.ID] = true
	}

	b.ready = true

	flushed := 0
	for _, src := range b.spec.Sources {
		doc, ok := b.pending[src.Name]
		if !ok {
			continue
		}
		flushed++
		if err := b.setData(src.Name, doc); err != nil {
			b.logError("flushing pending document failed", "source", src.Name, "error", err)
		}
	}
	b.pending = make(map[string]geo.Document)

	if b.center != nil {
		if err := b.renderer.FlyTo(*b.center); err != nil {
			b.logError("deferred fly to failed", "error", err)
		}
		b.center = nil
	}

	b.logDebug("renderer ready", "sources", len(b.sources), "layers", len(b.spec.Layers), "flushed", flushed)
	return nil
}

// IsReady reports whether Ready has completed.
func (b *Bridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// FlyTo recenters the camera. Before Ready the latest center is kept and applied
// on Ready. It never touches annotation state.
func (b *Bridge) FlyTo(center core.Coordinate) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed:
		return Dropped
	case !b.ready:
		b.center = &center
		return Deferred
	}
	if err := b.renderer.FlyTo(center); err != nil {
		b.logError("fly to failed", "error", err)
		return Failed
	}
	return Delivered
}

// Close unsubscribes from the store and drops every later push.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.pending = make(map[string]geo.Document)
	b.center = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func emptyDocument(c store.Collection) geo.Document {
	if c == store.PolygonVertices {
		return geo.ToPolygonDocument(nil)
	}
	return geo.ToFeatureCollection(nil)
}

func (b *Bridge) logDebug(msg string, kv ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, kv...)
	}
}

func (b *Bridge) logError(msg string, kv ...any) {
	if b.logger != nil {
		b.logger.Error(msg, kv...)
	}
}
