package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapmark/annotator/internal/bridge"
	"github.com/mapmark/annotator/internal/geo"
	"github.com/mapmark/annotator/internal/layers"
	"github.com/mapmark/annotator/pkg/core"
	"github.com/mapmark/annotator/pkg/streaming"
)

// Compile-time interface check.
var _ bridge.Renderer = (*Renderer)(nil)

type recordingSender struct {
	mu   sync.Mutex
	sent []streaming.Envelope
	err  error
}

func (s *recordingSender) Send(data []byte) error {
	if s.err != nil {
		return s.err
	}
	var env streaming.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) all() []streaming.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]streaming.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

func TestRenderer_SourceLifecycle(t *testing.T) {
	out := &recordingSender{}
	r := NewRenderer(out)

	_, err := r.GetSource("markers")
	assert.ErrorIs(t, err, bridge.ErrUnknownSource)

	require.NoError(t, r.AddSource("markers", geo.ToFeatureCollection(nil)))
	assert.Error(t, r.AddSource("markers", geo.ToFeatureCollection(nil)))

	src, err := r.GetSource("markers")
	require.NoError(t, err)

	fc := core.FeatureCollection{core.NewFeature(7, core.Coordinate{Lng: 1, Lat: 2}, core.PropMessage, "A")}
	require.NoError(t, src.SetData(geo.ToFeatureCollection(fc)))

	sent := out.all()
	require.Len(t, sent, 2)
	assert.Equal(t, streaming.TypeAddSource, sent[0].Type)
	assert.Equal(t, streaming.TypeSetData, sent[1].Type)

	var payload streaming.SourcePayload
	require.NoError(t, json.Unmarshal(sent[1].Payload, &payload))
	assert.Equal(t, "markers", payload.Name)
	assert.Contains(t, string(payload.Data), `"message":"A"`)
}

func TestRenderer_AddLayer(t *testing.T) {
	out := &recordingSender{}
	r := NewRenderer(out)

	layer := layers.Layer{
		ID:     "markers-circle",
		Type:   "circle",
		Source: "markers",
		Paint:  map[string]any{"circle-radius": 5},
	}
	assert.ErrorIs(t, r.AddLayer(layer), bridge.ErrUnknownSource)

	require.NoError(t, r.AddSource("markers", geo.ToFeatureCollection(nil)))
	require.NoError(t, r.AddLayer(layer))
	assert.Error(t, r.AddLayer(layer), "duplicate layer ids are rejected")

	sent := out.all()
	require.Len(t, sent, 2)
	assert.Equal(t, streaming.TypeAddLayer, sent[1].Type)

	var payload streaming.LayerPayload
	require.NoError(t, json.Unmarshal(sent[1].Payload, &payload))
	assert.JSONEq(t,
		`{"id":"markers-circle","type":"circle","source":"markers","paint":{"circle-radius":5}}`,
		string(payload.Layer))
}

func TestRenderer_FlyToAndError(t *testing.T) {
	out := &recordingSender{}
	r := NewRenderer(out)

	require.NoError(t, r.FlyTo(core.Coordinate{Lng: 37.6, Lat: 55.7}))
	require.NoError(t, r.Error("unknown message type: dance"))

	sent := out.all()
	require.Len(t, sent, 2)
	assert.JSONEq(t, `{"center":[37.6,55.7]}`, string(sent[0].Payload))
	assert.JSONEq(t, `{"message":"unknown message type: dance"}`, string(sent[1].Payload))
}

func TestRenderer_SendFailure(t *testing.T) {
	out := &recordingSender{err: errors.New("gone")}
	r := NewRenderer(out)

	assert.EqualError(t, r.AddSource("markers", geo.ToFeatureCollection(nil)), "gone")
	_, err := r.GetSource("markers")
	assert.ErrorIs(t, err, bridge.ErrUnknownSource, "failed adds are not registered")
}
