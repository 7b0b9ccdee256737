package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapmark/annotator/internal/config"
	"github.com/mapmark/annotator/internal/journal"
	"github.com/mapmark/annotator/internal/layers"
	"github.com/mapmark/annotator/internal/locate"
	"github.com/mapmark/annotator/pkg/core"
	"github.com/mapmark/annotator/pkg/streaming"
)

func newTestServer(t *testing.T, backend journal.Backend) (*Server, *httptest.Server) {
	t.Helper()
	set, err := layers.Default()
	require.NoError(t, err)

	srv, err := New(Options{
		Map: config.MapConfig{
			Style:       "mapbox://styles/mapbox/streets-v11",
			Zoom:        13,
			Center:      core.Coordinate{Lng: 37.618423, Lat: 55.751244},
			AccessToken: "pk.test",
		},
		Layers:  set,
		Journal: backend,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return srv, ts
}

func TestBuildIndex(t *testing.T) {
	page, err := BuildIndex()
	require.NoError(t, err)

	html := string(page)
	assert.Contains(t, html, "mapbox-gl.js")
	assert.Contains(t, html, "/api/config")
	assert.NotContains(t, html, "{{")
	assert.Less(t, len(page), len(indexTemplate)+len(styleCSS)+len(clientJS))
}

func TestHandleIndex(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, srv.indexHTML, body)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	req.Header.Set("If-None-Match", resp.Header.Get("ETag"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/missing.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleConfig(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{
		"style": "mapbox://styles/mapbox/streets-v11",
		"zoom": 13,
		"center": [37.618423, 55.751244],
		"accessToken": "pk.test"
	}`, string(body))
}

func TestHandleHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthcheck")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	h := RequestLogger(zerolog.New(&buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/brew", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/brew", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, "Request processed", entry["message"])
}

type client struct {
	t    *testing.T
	conn *ws.Conn
}

func dialSession(t *testing.T, ts *httptest.Server) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(msgType string, payload any) {
	c.t.Helper()
	data, err := streaming.Marshal(msgType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(ws.TextMessage, data))
}

func (c *client) read() streaming.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env streaming.Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

func TestWebSocketSession_EndToEnd(t *testing.T) {
	backend := journal.NewMemory(0)
	srv, ts := newTestServer(t, backend)
	c := dialSession(t, ts)

	c.send(streaming.TypeLoad, nil)
	var types []string
	for i := 0; i < 10; i++ {
		types = append(types, c.read().Type)
	}
	assert.Equal(t, []string{
		"add_source", "add_source", "add_source",
		"add_layer", "add_layer", "add_layer", "add_layer",
		"set_data", "set_data", "set_data",
	}, types)
	assert.Equal(t, 1, srv.Sessions())

	c.send(streaming.TypeLabels, streaming.LabelsPayload{Message: "A"})
	c.send(streaming.TypeClick, streaming.ClickPayload{LngLat: streaming.LngLat{Lng: 30, Lat: 50}})

	env := c.read()
	require.Equal(t, streaming.TypeSetData, env.Type)
	var p streaming.SourcePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "markers", p.Name)
	assert.Contains(t, string(p.Data), `"message":"A"`)

	c.send("dance", nil)
	env = c.read()
	assert.Equal(t, streaming.TypeError, env.Type)

	require.NoError(t, c.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, backend.Sessions(), "journal flushed on session close")
}

func TestShutdown_ClosesSessions(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	c := dialSession(t, ts)

	c.send(streaming.TypeLoad, nil)
	c.read()
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Equal(t, 0, srv.Sessions())

	// Drain until the server's close frame arrives.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			assert.True(t, ws.IsCloseError(err, ws.CloseNormalClosure), "expected normal close, got %v", err)
			break
		}
	}
}

func TestWebSocketSession_ForwardedForNeedsTrustedProxy(t *testing.T) {
	set, err := layers.Default()
	require.NoError(t, err)

	for _, tt := range []struct {
		name    string
		trusted []string
		want    string
	}{
		{name: "untrusted peer", want: "127.0.0.1"},
		{name: "trusted peer", trusted: []string{"127.0.0.1"}, want: "198.51.100.1"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			proxies, err := locate.NewProxies(tt.trusted)
			require.NoError(t, err)

			located := make(chan net.IP, 1)
			srv, err := New(Options{
				Layers: set,
				Locator: locate.Func(func(_ context.Context, ip net.IP) (core.Coordinate, error) {
					located <- ip
					return core.Coordinate{}, locate.ErrUnavailable
				}),
				Proxies: proxies,
				Logger:  zerolog.Nop(),
			})
			require.NoError(t, err)
			ts := httptest.NewServer(srv.Handler())
			t.Cleanup(func() {
				_ = srv.Shutdown(context.Background())
				ts.Close()
			})

			header := http.Header{}
			header.Set("X-Forwarded-For", "198.51.100.1")
			conn, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
			require.NoError(t, err)
			t.Cleanup(func() { _ = conn.Close() })

			select {
			case ip := <-located:
				assert.Equal(t, net.ParseIP(tt.want).String(), ip.String())
			case <-time.After(2 * time.Second):
				t.Fatal("locator not called")
			}
		})
	}
}
