package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"gorm.io/datatypes"

	"github.com/mapmark/annotator/internal/geo"
	"github.com/mapmark/annotator/internal/queue"
	"github.com/mapmark/annotator/internal/store"
	"github.com/mapmark/annotator/pkg/core"
)

// RecorderOptions tunes a Recorder.
type RecorderOptions struct {
	// FlushInterval of zero disables the background flush; revisions are then
	// written on Flush and Close only.
	FlushInterval time.Duration
	// BufferLimit caps buffered revisions; the oldest are dropped past it.
	// Zero means unbounded.
	BufferLimit int
	Clock       core.Clock
}

// Recorder turns store broadcasts of one session into revisions.
type Recorder struct {
	sessionID string
	backend   Backend
	logger    Logger
	opts      RecorderOptions

	mu   sync.Mutex
	buf  *queue.Queue[Revision]
	subs []*store.Subscription

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	written metric.Int64Counter
	dropped metric.Int64Counter
}

// NewRecorder creates a Recorder for sessionID writing to backend.
func NewRecorder(sessionID string, backend Backend, opts RecorderOptions, logger Logger) (*Recorder, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	buf := queue.New[Revision]()
	if opts.BufferLimit > 0 {
		buf = queue.NewBounded[Revision](opts.BufferLimit)
	}

	r := &Recorder{
		sessionID: sessionID,
		backend:   backend,
		logger:    logger,
		opts:      opts,
		buf:       buf,
		stop:      make(chan struct{}),
	}

	var err error
	r.written, err = meter().Int64Counter(
		"journal.revisions.written",
		metric.WithDescription("Revisions written to the journal backend"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating written counter: %w", err)
	}
	r.dropped, err = meter().Int64Counter(
		"journal.revisions.dropped",
		metric.WithDescription("Revisions dropped from a full buffer or a failed write"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}
	return r, nil
}

// Attach subscribes to every collection of s. The initial empty values are not recorded.
func (r *Recorder) Attach(s *store.Store) {
	for _, c := range []store.Collection{store.Markers, store.PolygonMarkers} {
		subject, _ := s.Features(c)
		name := c.String()
		r.track(subject.Subscribe(func(fc core.FeatureCollection) {
			v := subject.Version()
			if v == 0 {
				return
			}
			r.record(name, v, len(fc), geo.ToFeatureCollection(fc), func() ([]byte, error) {
				return geo.FeaturesWKB(fc)
			})
		}))
	}

	vertices := s.Vertices()
	r.track(vertices.Subscribe(func(ring core.Ring) {
		v := vertices.Version()
		if v == 0 {
			return
		}
		r.record(store.PolygonVertices.String(), v, len(ring), geo.ToPolygonDocument(ring), func() ([]byte, error) {
			return geo.RingWKB(ring)
		})
	}))
}

func (r *Recorder) track(sub *store.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
}

func (r *Recorder) record(collection string, version uint64, count int, doc json.Marshaler, geometry func() ([]byte, error)) {
	raw, err := doc.MarshalJSON()
	if err != nil {
		r.logger.Error("encoding revision failed", "collection", collection, "error", err)
		return
	}
	wkb, err := geometry()
	if err != nil {
		r.logger.Error("encoding revision geometry failed", "collection", collection, "error", err)
		return
	}

	rev := Revision{
		SessionID:  r.sessionID,
		Collection: collection,
		Version:    version,
		Count:      count,
		Document:   datatypes.JSON(raw),
		Geometry:   wkb,
		RecordedAt: r.opts.Clock(),
	}

	r.mu.Lock()
	dropped := r.buf.Push(rev)
	r.mu.Unlock()

	if dropped > 0 {
		r.dropped.Add(context.Background(), int64(dropped))
		r.logger.Debug("journal buffer full", "session", r.sessionID, "dropped", dropped)
	}
}

// Pending returns the number of buffered revisions.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Len()
}

// Start runs the background flush loop if a FlushInterval is set.
func (r *Recorder) Start() {
	if r.opts.FlushInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.Flush(); err != nil {
					r.logger.Error("journal flush failed", "session", r.sessionID, "error", err)
				}
			}
		}
	}()
}

// Flush writes every buffered revision. Revisions of a failed write are dropped.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	revs := r.buf.Drain()
	r.mu.Unlock()

	if len(revs) == 0 {
		return nil
	}
	if err := r.backend.Write(revs); err != nil {
		r.dropped.Add(context.Background(), int64(len(revs)))
		return err
	}
	r.written.Add(context.Background(), int64(len(revs)))
	r.logger.Debug("journal flushed", "session", r.sessionID, "revisions", len(revs))
	return nil
}

// Close unsubscribes from the store, stops the flush loop and writes what is left.
func (r *Recorder) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}

	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
	return r.Flush()
}
