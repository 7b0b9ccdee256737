// Package click turns a map click plus the pending label buffers into annotations.
package click

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mapmark/annotator/internal/store"
	"github.com/mapmark/annotator/pkg/core"
)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
}

// Outcome describes what one click created.
type Outcome struct {
	At            core.Coordinate
	Intent        core.Intent
	Marker        *core.Feature
	PolygonMarker *core.Feature
	VertexAdded   bool
}

// Created returns the number of new collection entries.
func (o Outcome) Created() int {
	n := 0
	if o.Marker != nil {
		n++
	}
	if o.PolygonMarker != nil {
		n++
	}
	if o.VertexAdded {
		n++
	}
	return n
}

// Dispatcher applies clicks to a Store.
type Dispatcher struct {
	store  *store.Store
	ids    *core.IDSource
	logger Logger

	clicks metric.Int64Counter
}

// New creates a Dispatcher writing to s. Feature ids come from ids.
func New(s *store.Store, ids *core.IDSource, logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		store:  s,
		ids:    ids,
		logger: logger,
	}

	var err error
	d.clicks, err = meter().Int64Counter(
		"click.dispatched",
		metric.WithDescription("Map clicks by resulting intent"),
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Dispatch handles a click at c. The polygon branch runs first: it appends a
// polygon marker and then the vertex. The marker branch runs independently.
// Both label buffers are cleared whether or not anything was created.
func (d *Dispatcher) Dispatch(c core.Coordinate, labels *core.Labels) Outcome {
	intent := labels.Intent()
	out := Outcome{At: c, Intent: intent}

	if intent.CreatesPolygonVertex() {
		f := core.NewFeature(d.ids.Next(), c, core.PropMessagePolygon, labels.MessagePolygon)
		_ = d.store.Append(store.PolygonMarkers, f)
		d.store.AppendVertex(c)
		out.PolygonMarker = &f
		out.VertexAdded = true
	}

	if intent.CreatesMarker() {
		f := core.NewFeature(d.ids.Next(), c, core.PropMessage, labels.Message)
		_ = d.store.Append(store.Markers, f)
		out.Marker = &f
	}

	labels.Clear()

	d.clicks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("intent", intent.String())))
	if d.logger != nil {
		d.logger.Debug("click dispatched", "lng", c.Lng, "lat", c.Lat, "intent", intent.String(), "created", out.Created())
	}
	return out
}
