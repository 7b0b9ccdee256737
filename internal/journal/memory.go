package journal

import (
	"sync"

	"github.com/mapmark/annotator/internal/queue"
)

// DefaultMemoryLimit caps a MemoryBackend created with a non-positive limit.
const DefaultMemoryLimit = 10000

// MemoryBackend keeps at most limit revisions in process memory across all
// sessions. Past the limit the oldest revisions are evicted first.
type MemoryBackend struct {
	mu        sync.RWMutex
	nextID    uint
	limit     int
	total     int
	order     *queue.Queue[string]
	bySession map[string][]Revision
}

// NewMemory creates an empty MemoryBackend holding at most limit revisions.
func NewMemory(limit int) *MemoryBackend {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryBackend{
		limit:     limit,
		order:     queue.New[string](),
		bySession: make(map[string][]Revision),
	}
}

func (b *MemoryBackend) Init() error { return nil }

func (b *MemoryBackend) Close() error { return nil }

// Write assigns ids and appends revs, evicting the oldest past the limit.
func (b *MemoryBackend) Write(revs []Revision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range revs {
		b.nextID++
		r.ID = b.nextID
		b.bySession[r.SessionID] = append(b.bySession[r.SessionID], r)
		b.order.Push(r.SessionID)
		b.total++
	}
	for b.total > b.limit {
		b.evictOldest()
	}
	return nil
}

func (b *MemoryBackend) evictOldest() {
	sessionID, ok := b.order.Pop()
	if !ok {
		return
	}
	b.total--
	stored := b.bySession[sessionID]
	if len(stored) <= 1 {
		delete(b.bySession, sessionID)
		return
	}
	stored[0] = Revision{}
	b.bySession[sessionID] = stored[1:]
}

// Revisions returns a copy of the session's revisions.
func (b *MemoryBackend) Revisions(sessionID string) ([]Revision, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stored := b.bySession[sessionID]
	out := make([]Revision, len(stored))
	copy(out, stored)
	return out, nil
}

// Sessions returns the number of sessions with at least one revision.
func (b *MemoryBackend) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bySession)
}

// Len returns the number of revisions held.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// NopBackend discards everything.
type NopBackend struct{}

func (NopBackend) Init() error { return nil }

func (NopBackend) Close() error { return nil }

func (NopBackend) Write([]Revision) error { return nil }

func (NopBackend) Revisions(string) ([]Revision, error) { return nil, nil }
