// Package server serves the map page, its configuration and the session socket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mapmark/annotator/internal/config"
	"github.com/mapmark/annotator/internal/journal"
	"github.com/mapmark/annotator/internal/layers"
	"github.com/mapmark/annotator/internal/locate"
	"github.com/mapmark/annotator/internal/logging"
	"github.com/mapmark/annotator/internal/renderer/websocket"
	"github.com/mapmark/annotator/internal/session"
)

// Options holds the server dependencies.
type Options struct {
	Map      config.MapConfig
	Layers   *layers.Set
	Journal  journal.Backend
	Recorder journal.RecorderOptions
	Locator  locate.Locator // nil disables server-side lookups
	Proxies  *locate.Proxies
	Logger   zerolog.Logger

	LocateTimeout time.Duration
}

// Server handles HTTP requests and owns the live sessions.
type Server struct {
	opts      Options
	indexHTML []byte
	etag      string
	upgrader  ws.Upgrader
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*websocket.Conn
	closing  bool
	wg       sync.WaitGroup
}

// New builds the index page and returns a Server.
func New(opts Options) (*Server, error) {
	page, err := BuildIndex()
	if err != nil {
		return nil, err
	}
	if opts.Journal == nil {
		opts.Journal = journal.NopBackend{}
	}
	return &Server{
		opts:      opts,
		indexHTML: page,
		etag:      fmt.Sprintf(`"%x"`, len(page)),
		upgrader:  ws.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		logger:    opts.Logger,
		sessions:  make(map[string]*websocket.Conn),
	}, nil
}

// Handler returns the routed, request-logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/config", s.HandleConfig)
	mux.HandleFunc("/healthcheck", s.HandleHealth)
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/", s.HandleIndex)
	return RequestLogger(s.logger, mux)
}

// HandleIndex serves the map page.
func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if match := r.Header.Get("If-None-Match"); match == s.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("ETag", s.etag)
	w.Header().Set("Cache-Control", "public, no-cache")
	_, _ = w.Write(s.indexHTML)
}

type mapConfigResponse struct {
	Style       string     `json:"style"`
	Zoom        float64    `json:"zoom"`
	Center      [2]float64 `json:"center"`
	AccessToken string     `json:"accessToken"`
}

// HandleConfig serves the initial map view.
func (s *Server) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	// Ignoring error as we cannot handle client disconnects
	_ = json.NewEncoder(w).Encode(mapConfigResponse{
		Style:       s.opts.Map.Style,
		Zoom:        s.opts.Map.Zoom,
		Center:      s.opts.Map.Center.Position(),
		AccessToken: s.opts.Map.AccessToken,
	})
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleWebSocket upgrades the request and runs a session until the client leaves.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	adapter := logging.NewAdapter(s.logger)
	conn := websocket.NewConn(raw, adapter)
	sess, err := session.New(websocket.NewRenderer(conn), session.Options{
		Layers:        s.opts.Layers,
		Journal:       s.opts.Journal,
		Recorder:      s.opts.Recorder,
		Locator:       s.opts.Locator,
		ClientIP:      s.opts.Proxies.ClientIP(r),
		LocateTimeout: s.opts.LocateTimeout,
		Logger:        adapter,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create session")
		_ = conn.Close()
		return
	}

	if !s.track(sess.ID(), conn) {
		_ = sess.Close()
		_ = conn.Close()
		return
	}
	defer s.untrack(sess.ID())

	s.logger.Info().Str("session", sess.ID()).Str("ip", r.RemoteAddr).Msg("Session started")
	sess.Start()

	if err := conn.Serve(sess.Handle); err != nil {
		s.logger.Debug().Err(err).Str("session", sess.ID()).Msg("WebSocket read ended")
	}
	if err := sess.Close(); err != nil {
		s.logger.Error().Err(err).Str("session", sess.ID()).Msg("Session close failed")
	}
	_ = conn.Close()
}

func (s *Server) track(id string, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[id] = conn
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.wg.Done()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every session socket and waits for the sessions to finish
// or ctx to expire. New sockets are refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.sessions))
	for _, c := range s.sessions {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
