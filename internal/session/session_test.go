package session

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapmark/annotator/internal/journal"
	"github.com/mapmark/annotator/internal/layers"
	"github.com/mapmark/annotator/internal/locate"
	"github.com/mapmark/annotator/internal/renderer/websocket"
	"github.com/mapmark/annotator/pkg/core"
	"github.com/mapmark/annotator/pkg/streaming"
)

// wire records every envelope the renderer sends.
type wire struct {
	mu   sync.Mutex
	sent []streaming.Envelope
}

func (w *wire) Send(data []byte) error {
	var env streaming.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, env)
	return nil
}

func (w *wire) types() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.sent))
	for i, e := range w.sent {
		out[i] = e.Type
	}
	return out
}

func (w *wire) last(msgType string) (streaming.Envelope, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.sent) - 1; i >= 0; i-- {
		if w.sent[i].Type == msgType {
			return w.sent[i], true
		}
	}
	return streaming.Envelope{}, false
}

func (w *wire) lastSetData(t *testing.T, source string) map[string]any {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.sent) - 1; i >= 0; i-- {
		if w.sent[i].Type != streaming.TypeSetData && w.sent[i].Type != streaming.TypeAddSource {
			continue
		}
		var p streaming.SourcePayload
		require.NoError(t, json.Unmarshal(w.sent[i].Payload, &p))
		if p.Name != source {
			continue
		}
		var doc map[string]any
		require.NoError(t, json.Unmarshal(p.Data, &doc))
		return doc
	}
	t.Fatalf("no document sent for %s", source)
	return nil
}

var testClock core.Clock = func() time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

func newSession(t *testing.T, opts Options) (*Session, *wire) {
	t.Helper()
	set, err := layers.Default()
	require.NoError(t, err)
	opts.Layers = set
	if opts.Clock == nil {
		opts.Clock = testClock
	}
	w := &wire{}
	s, err := New(websocket.NewRenderer(w), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, w
}

func send(t *testing.T, s *Session, msgType string, payload any) {
	t.Helper()
	data, err := streaming.Marshal(msgType, payload)
	require.NoError(t, err)
	var env streaming.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	s.Handle(env)
}

func TestNew_RequiresLayers(t *testing.T) {
	_, err := New(websocket.NewRenderer(&wire{}), Options{})
	assert.Error(t, err)
}

func TestSession_GeneratesID(t *testing.T) {
	a, _ := newSession(t, Options{})
	b, _ := newSession(t, Options{})
	assert.Len(t, a.ID(), 36)
	assert.NotEqual(t, a.ID(), b.ID())

	c, _ := newSession(t, Options{ID: "fixed"})
	assert.Equal(t, "fixed", c.ID())
}

func TestSession_NothingSentBeforeLoad(t *testing.T) {
	s, w := newSession(t, Options{})

	send(t, s, streaming.TypeLabels, streaming.LabelsPayload{Message: "A"})
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 30, Lat: 50}})

	assert.Empty(t, w.types())
	assert.Len(t, s.Store().Snapshot().Markers, 1)
}

func TestSession_LoadCreatesSourcesLayersAndFlushes(t *testing.T) {
	s, w := newSession(t, Options{})

	send(t, s, streaming.TypeLabels, streaming.LabelsPayload{Message: "A"})
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 30, Lat: 50}})
	send(t, s, streaming.TypeLoad, nil)

	assert.Equal(t, []string{
		"add_source", "add_source", "add_source",
		"add_layer", "add_layer", "add_layer", "add_layer",
		"set_data", "set_data", "set_data",
	}, w.types())

	doc := w.lastSetData(t, "markers")
	features := doc["features"].([]any)
	require.Len(t, features, 1)
	props := features[0].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "A", props["message"])
}

func TestSession_MarkerOnly(t *testing.T) {
	s, w := newSession(t, Options{})
	send(t, s, streaming.TypeLoad, nil)

	send(t, s, streaming.TypeLabels, streaming.LabelsPayload{Message: "A"})
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 30, Lat: 50}})

	snap := s.Store().Snapshot()
	require.Len(t, snap.Markers, 1)
	assert.Equal(t, core.Coordinate{Lng: 30, Lat: 50}, snap.Markers[0].Geometry)
	assert.Equal(t, "A", snap.Markers[0].Message())
	assert.Empty(t, snap.PolygonVertices)
	assert.Empty(t, snap.PolygonMarkers)

	geometry := w.lastSetData(t, "markers")["features"].([]any)[0].(map[string]any)["geometry"].(map[string]any)
	assert.Equal(t, []any{30.0, 50.0}, geometry["coordinates"])

	// Labels were cleared: a second click creates nothing.
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 1, Lat: 1}})
	assert.Len(t, s.Store().Snapshot().Markers, 1)
}

func TestSession_PolygonVertex(t *testing.T) {
	s, w := newSession(t, Options{})
	send(t, s, streaming.TypeLoad, nil)

	send(t, s, streaming.TypeLabels, streaming.LabelsPayload{MessagePolygon: "Zone1"})
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 10, Lat: 20}})

	snap := s.Store().Snapshot()
	assert.Empty(t, snap.Markers)
	assert.Equal(t, core.Ring{{Lng: 10, Lat: 20}}, snap.PolygonVertices)
	require.Len(t, snap.PolygonMarkers, 1)
	assert.Equal(t, "Zone1", snap.PolygonMarkers[0].Properties[core.PropMessagePolygon])

	polygon := w.lastSetData(t, "polygon")
	assert.Equal(t, "Polygon", polygon["geometry"].(map[string]any)["type"])
}

func TestSession_BothDistinctIDs(t *testing.T) {
	s, _ := newSession(t, Options{})

	send(t, s, streaming.TypeLabels, streaming.LabelsPayload{Message: "A", MessagePolygon: "Zone1"})
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 5, Lat: 6}})

	snap := s.Store().Snapshot()
	require.Len(t, snap.Markers, 1)
	require.Len(t, snap.PolygonMarkers, 1)
	require.Len(t, snap.PolygonVertices, 1)
	assert.NotEqual(t, snap.Markers[0].ID, snap.PolygonMarkers[0].ID)
	assert.Equal(t, snap.Markers[0].Geometry, snap.PolygonMarkers[0].Geometry)
}

func TestSession_RemoveUnknownReemits(t *testing.T) {
	s, w := newSession(t, Options{})
	send(t, s, streaming.TypeLoad, nil)
	for _, label := range []string{"A", "B"} {
		send(t, s, streaming.TypeLabels, streaming.LabelsPayload{Message: label})
		send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 1, Lat: 2}})
	}
	before := len(w.types())

	send(t, s, streaming.TypeRemoveMarker, streaming.MarkerPayload{ID: 999})

	assert.Len(t, s.Store().Snapshot().Markers, 2)
	assert.Equal(t, before+1, len(w.types()))
	assert.Len(t, w.lastSetData(t, "markers")["features"], 2)
}

func TestSession_EditAndRemoveMarker(t *testing.T) {
	s, _ := newSession(t, Options{})
	send(t, s, streaming.TypeLabels, streaming.LabelsPayload{Message: "A"})
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 1, Lat: 2}})
	id := s.Store().Snapshot().Markers[0].ID

	send(t, s, streaming.TypeEditMarker, streaming.MarkerPayload{ID: id, Message: "renamed"})
	m := s.Store().Snapshot().Markers[0]
	assert.Equal(t, "renamed", m.Message())
	assert.Equal(t, id, m.ID)
	assert.Equal(t, core.Coordinate{Lng: 1, Lat: 2}, m.Geometry)

	before := s.Store().Snapshot()
	send(t, s, streaming.TypeEditMarker, streaming.MarkerPayload{ID: id})
	assert.Equal(t, before, s.Store().Snapshot(), "empty text is a no-op")

	send(t, s, streaming.TypeEditMarker, streaming.MarkerPayload{ID: id + 1, Message: "x"})
	assert.Equal(t, "renamed", s.Store().Snapshot().Markers[0].Message())

	send(t, s, streaming.TypeRemoveMarker, streaming.MarkerPayload{ID: id})
	assert.Empty(t, s.Store().Snapshot().Markers)
}

func TestSession_FlyToMarker(t *testing.T) {
	s, w := newSession(t, Options{})
	send(t, s, streaming.TypeLoad, nil)
	send(t, s, streaming.TypeLabels, streaming.LabelsPayload{Message: "A"})
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 7, Lat: 8}})
	id := s.Store().Snapshot().Markers[0].ID

	send(t, s, streaming.TypeFlyToMarker, streaming.MarkerPayload{ID: id})
	env, ok := w.last(streaming.TypeFlyTo)
	require.True(t, ok)
	assert.JSONEq(t, `{"center":[7,8]}`, string(env.Payload))

	before := len(w.types())
	send(t, s, streaming.TypeFlyToMarker, streaming.MarkerPayload{ID: id + 100})
	assert.Equal(t, before, len(w.types()), "unknown markers are ignored silently")
}

func TestSession_BrowserGeolocation(t *testing.T) {
	s, w := newSession(t, Options{})

	// Before load the center is deferred and applied on ready.
	send(t, s, streaming.TypeGeolocation, streaming.GeolocationPayload{Latitude: 55.7, Longitude: 37.6})
	assert.Empty(t, w.types())

	send(t, s, streaming.TypeLoad, nil)
	env, ok := w.last(streaming.TypeFlyTo)
	require.True(t, ok)
	assert.JSONEq(t, `{"center":[37.6,55.7]}`, string(env.Payload))

	before := len(w.types())
	send(t, s, streaming.TypeGeolocation, streaming.GeolocationPayload{Error: "denied"})
	assert.Equal(t, before, len(w.types()))
}

func TestSession_UnknownAndMalformedMessages(t *testing.T) {
	s, w := newSession(t, Options{})

	s.Handle(streaming.Envelope{Type: "dance"})
	env, ok := w.last(streaming.TypeError)
	require.True(t, ok)
	assert.JSONEq(t, `{"message":"unknown message type: dance"}`, string(env.Payload))

	s.Handle(streaming.Envelope{Type: streaming.TypeClick, Payload: json.RawMessage(`{"lngLat":"x"}`)})
	env, ok = w.last(streaming.TypeError)
	require.True(t, ok)
	assert.Contains(t, string(env.Payload), "decoding click payload")
	assert.Empty(t, s.Store().Snapshot().Markers)
}

func TestSession_ServerSideLocate(t *testing.T) {
	located := make(chan net.IP, 1)
	s, w := newSession(t, Options{
		ClientIP: net.ParseIP("198.51.100.1"),
		Locator: locate.Func(func(_ context.Context, ip net.IP) (core.Coordinate, error) {
			located <- ip
			return core.Coordinate{Lng: 2.35, Lat: 48.85}, nil
		}),
	})
	s.Start()
	assert.Equal(t, net.ParseIP("198.51.100.1"), <-located)

	send(t, s, streaming.TypeLoad, nil)
	assert.Eventually(t, func() bool {
		env, ok := w.last(streaming.TypeFlyTo)
		return ok && string(env.Payload) == `{"center":[2.35,48.85]}`
	}, time.Second, 5*time.Millisecond)
}

func TestSession_LocateAfterCloseIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s, w := newSession(t, Options{
		ClientIP: net.ParseIP("198.51.100.1"),
		Locator: locate.Func(func(ctx context.Context, _ net.IP) (core.Coordinate, error) {
			close(started)
			<-release
			return core.Coordinate{Lng: 1, Lat: 1}, nil
		}),
	})
	send(t, s, streaming.TypeLoad, nil)
	s.Start()
	<-started

	done := make(chan error)
	go func() { done <- s.Close() }()
	// Resolve only after Close has cancelled the lookup.
	require.Eventually(t, func() bool { return s.ctx.Err() != nil }, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	_, ok := w.last(streaming.TypeFlyTo)
	assert.False(t, ok)
}

func TestSession_LocateFailureKeepsCenter(t *testing.T) {
	s, w := newSession(t, Options{
		ClientIP: net.ParseIP("198.51.100.1"),
		Locator:  locate.Nop{},
	})
	s.Start()
	send(t, s, streaming.TypeLoad, nil)
	require.NoError(t, s.Close())

	_, ok := w.last(streaming.TypeFlyTo)
	assert.False(t, ok)
}

func TestSession_CloseDropsLaterChangesAndFlushesJournal(t *testing.T) {
	backend := journal.NewMemory(0)
	s, w := newSession(t, Options{ID: "s-1", Journal: backend})
	send(t, s, streaming.TypeLoad, nil)
	send(t, s, streaming.TypeLabels, streaming.LabelsPayload{Message: "A"})
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 1, Lat: 2}})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	before := len(w.types())

	send(t, s, streaming.TypeLabels, streaming.LabelsPayload{Message: "B"})
	send(t, s, streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 3, Lat: 4}})
	assert.Equal(t, before, len(w.types()))

	revs, err := backend.Revisions("s-1")
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "markers", revs[0].Collection)
	assert.Equal(t, testClock(), revs[0].RecordedAt)
}
