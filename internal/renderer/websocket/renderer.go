package websocket

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mapmark/annotator/internal/bridge"
	"github.com/mapmark/annotator/internal/geo"
	"github.com/mapmark/annotator/internal/layers"
	"github.com/mapmark/annotator/pkg/core"
	"github.com/mapmark/annotator/pkg/streaming"
)

// Sender delivers encoded envelopes to the client.
type Sender interface {
	Send(data []byte) error
}

// Renderer implements bridge.Renderer by sending map commands to the client.
// Source handles are only handed out for sources added through AddSource.
type Renderer struct {
	out Sender

	mu      sync.Mutex
	sources map[string]*source
	layers  map[string]struct{}
}

// NewRenderer creates a Renderer writing to out.
func NewRenderer(out Sender) *Renderer {
	return &Renderer{
		out:     out,
		sources: make(map[string]*source),
		layers:  make(map[string]struct{}),
	}
}

// AddSource creates a GeoJSON source on the client.
func (r *Renderer) AddSource(name string, doc geo.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; ok {
		return fmt.Errorf("source %s already exists", name)
	}
	if err := r.sendDocument(streaming.TypeAddSource, name, doc); err != nil {
		return err
	}
	r.sources[name] = &source{name: name, r: r}
	return nil
}

// GetSource returns the handle of an added source.
func (r *Renderer) GetSource(name string) (bridge.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bridge.ErrUnknownSource, name)
	}
	return s, nil
}

// AddLayer draws a layer from an added source.
func (r *Renderer) AddLayer(layer layers.Layer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[layer.Source]; !ok {
		return fmt.Errorf("layer %s: %w: %s", layer.ID, bridge.ErrUnknownSource, layer.Source)
	}
	if _, ok := r.layers[layer.ID]; ok {
		return fmt.Errorf("layer %s already exists", layer.ID)
	}

	raw, err := json.Marshal(layer)
	if err != nil {
		return fmt.Errorf("encoding layer %s: %w", layer.ID, err)
	}
	if err := r.send(streaming.TypeAddLayer, streaming.LayerPayload{Layer: raw}); err != nil {
		return err
	}
	r.layers[layer.ID] = struct{}{}
	return nil
}

// FlyTo animates the camera to center.
func (r *Renderer) FlyTo(center core.Coordinate) error {
	return r.send(streaming.TypeFlyTo, streaming.FlyToPayload{Center: center.Position()})
}

// Error tells the client one of its messages was rejected.
func (r *Renderer) Error(message string) error {
	return r.send(streaming.TypeError, streaming.ErrorPayload{Message: message})
}

func (r *Renderer) sendDocument(msgType, name string, doc geo.Document) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding %s document: %w", name, err)
	}
	return r.send(msgType, streaming.SourcePayload{Name: name, Data: data})
}

func (r *Renderer) send(msgType string, payload any) error {
	data, err := streaming.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	return r.out.Send(data)
}

type source struct {
	name string
	r    *Renderer
}

// SetData replaces the source's whole document.
func (s *source) SetData(doc geo.Document) error {
	return s.r.sendDocument(streaming.TypeSetData, s.name, doc)
}
