// Package controller is the UI-facing façade of a map session.
package controller

import (
	"github.com/mapmark/annotator/internal/bridge"
	"github.com/mapmark/annotator/internal/click"
	"github.com/mapmark/annotator/internal/store"
	"github.com/mapmark/annotator/pkg/core"
)

// Camera moves the map view.
type Camera interface {
	FlyTo(center core.Coordinate) bridge.Outcome
}

// Controller holds the pending label buffers and forwards user actions.
// It is not safe for concurrent use; a session drives it from one goroutine.
type Controller struct {
	labels core.Labels
	store  *store.Store
	clicks *click.Dispatcher
	camera Camera
}

// New creates a Controller.
func New(s *store.Store, clicks *click.Dispatcher, camera Camera) *Controller {
	return &Controller{store: s, clicks: clicks, camera: camera}
}

// SetMarkerLabel sets the pending point-marker label.
func (c *Controller) SetMarkerLabel(text string) { c.labels.Message = text }

// SetPolygonLabel sets the pending polygon-vertex label.
func (c *Controller) SetPolygonLabel(text string) { c.labels.MessagePolygon = text }

// Labels returns the pending label buffers.
func (c *Controller) Labels() core.Labels { return c.labels }

// Click applies a map click against the current label buffers, which are then cleared.
func (c *Controller) Click(at core.Coordinate) click.Outcome {
	return c.clicks.Dispatch(at, &c.labels)
}

// Marker looks up a point marker by id.
func (c *Controller) Marker(id int64) (core.Feature, bool) {
	return c.store.Snapshot().Markers.Find(id)
}

// RemoveMarker removes the marker(s) with id and clears the marker label buffer.
func (c *Controller) RemoveMarker(id int64) store.Outcome {
	outcome := c.store.RemoveMarker(id)
	c.labels.Message = ""
	return outcome
}

// EditMarker replaces f's label with text. Empty text leaves the marker as is.
// The marker label buffer is cleared either way.
func (c *Controller) EditMarker(f core.Feature, text string) store.Outcome {
	outcome := c.store.EditMarker(f.ID, text)
	c.labels.Message = ""
	return outcome
}

// FlyTo centers the camera on f.
func (c *Controller) FlyTo(f core.Feature) bridge.Outcome {
	return c.camera.FlyTo(f.Geometry)
}
