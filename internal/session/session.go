// Package session wires one map client to its own annotation store.
//
// A Session owns a Store, the Bridge that mirrors it into the client's map,
// the Controller that applies user actions, and an inbound message router.
// Inbound messages must be handled from a single goroutine; the only other
// goroutines a session starts are the journal flush loop and a one-shot
// position lookup, neither of which touches annotation state.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mapmark/annotator/internal/bridge"
	"github.com/mapmark/annotator/internal/click"
	"github.com/mapmark/annotator/internal/controller"
	"github.com/mapmark/annotator/internal/dispatcher"
	"github.com/mapmark/annotator/internal/journal"
	"github.com/mapmark/annotator/internal/layers"
	"github.com/mapmark/annotator/internal/locate"
	"github.com/mapmark/annotator/internal/store"
	"github.com/mapmark/annotator/pkg/core"
	"github.com/mapmark/annotator/pkg/streaming"
)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Renderer is the client map plus a channel for rejected-message notices.
type Renderer interface {
	bridge.Renderer
	Error(message string) error
}

// Options configures a Session. Zero values are usable except Layers.
type Options struct {
	ID       string
	Layers   *layers.Set
	Journal  journal.Backend
	Recorder journal.RecorderOptions

	// Locator, when set, is asked once for ClientIP's position.
	Locator       locate.Locator
	ClientIP      net.IP
	LocateTimeout time.Duration

	Clock  core.Clock
	Logger Logger
}

// Session is one connected map client.
type Session struct {
	id     string
	logger Logger

	store      *store.Store
	bridge     *bridge.Bridge
	controller *controller.Controller
	router     *dispatcher.Dispatcher
	recorder   *journal.Recorder
	renderer   Renderer

	locator       locate.Locator
	clientIP      net.IP
	locateTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New builds a session for renderer r. Nothing is sent to the client until
// it reports load.
func New(r Renderer, opts Options) (*Session, error) {
	if opts.Layers == nil {
		return nil, errors.New("session: layers required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Journal == nil {
		opts.Journal = journal.NopBackend{}
	}
	if opts.Recorder.Clock == nil {
		opts.Recorder.Clock = opts.Clock
	}
	if opts.LocateTimeout <= 0 {
		opts.LocateTimeout = 2 * time.Second
	}

	s := &Session{
		id:            opts.ID,
		logger:        opts.Logger,
		store:         store.New(),
		renderer:      r,
		locator:       opts.Locator,
		clientIP:      opts.ClientIP,
		locateTimeout: opts.LocateTimeout,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	if s.bridge, err = bridge.New(r, opts.Layers, opts.Logger); err != nil {
		return nil, err
	}
	clicks, err := click.New(s.store, core.NewIDSource(opts.Clock), opts.Logger)
	if err != nil {
		return nil, err
	}
	s.controller = controller.New(s.store, clicks, s.bridge)

	if s.router, err = dispatcher.New(opts.Logger); err != nil {
		return nil, err
	}
	s.registerHandlers()

	if s.recorder, err = journal.NewRecorder(s.id, opts.Journal, opts.Recorder, opts.Logger); err != nil {
		return nil, err
	}

	s.bridge.Attach(s.store)
	s.recorder.Attach(s.store)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Store exposes the session's annotations.
func (s *Session) Store() *store.Store { return s.store }

// Controller exposes the session's controller.
func (s *Session) Controller() *controller.Controller { return s.controller }

// Start begins the journal flush loop and the optional position lookup.
func (s *Session) Start() {
	s.recorder.Start()

	if s.locator == nil || s.clientIP == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.locate()
	}()
}

func (s *Session) locate() {
	ctx, cancel := context.WithTimeout(s.ctx, s.locateTimeout)
	defer cancel()

	center, err := s.locator.Locate(ctx, s.clientIP)
	if err != nil {
		s.logger.Debug("position lookup failed", "session", s.id, "error", err)
		return
	}
	s.recenter(center)
}

// recenter moves the camera unless the session has been closed. A lookup
// resolving after Close is discarded.
func (s *Session) recenter(center core.Coordinate) bridge.Outcome {
	if s.ctx.Err() != nil {
		s.logger.Debug("discarding position after close", "session", s.id)
		return bridge.Dropped
	}
	outcome := s.bridge.FlyTo(center)
	s.logger.Debug("recentered", "session", s.id, "lng", center.Lng, "lat", center.Lat, "outcome", outcome.String())
	return outcome
}

// Handle applies one inbound message. Rejected messages are answered with an
// error envelope; the session stays usable.
func (s *Session) Handle(env streaming.Envelope) {
	_, err := s.router.Dispatch(dispatcher.Event{
		Type:      env.Type,
		Payload:   env.Payload,
		Timestamp: time.Now(),
	})
	if err == nil {
		return
	}
	s.logger.Debug("message rejected", "session", s.id, "type", env.Type, "error", err)
	if sendErr := s.renderer.Error(err.Error()); sendErr != nil {
		s.logger.Debug("error reply failed", "session", s.id, "error", sendErr)
	}
}

// Close stops the position lookup, detaches the bridge so later pushes are
// dropped, ends every store subscription and flushes the journal.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.bridge.Close()
		s.store.Close()
		if err := s.recorder.Close(); err != nil {
			s.closeErr = fmt.Errorf("flushing journal: %w", err)
		}
		s.logger.Info("session closed", "session", s.id)
	})
	return s.closeErr
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
