package store

import "sync"

// Observer receives a complete collection value.
// Values are shared between observers and must be treated as read-only.
type Observer[T any] func(T)

// Subject holds the latest value of a collection and multicasts every new value
// to its observers in subscription order.
//
// Next is expected to be called from a single goroutine; Value, Version and
// Subscribe are safe from any goroutine.
type Subject[T any] struct {
	mu        sync.Mutex
	value     T
	version   uint64
	observers []*entry[T]
	nextID    uint64
	closed    bool
}

type entry[T any] struct {
	id  uint64
	obs Observer[T]
}

// NewSubject creates a Subject holding initial.
func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{value: initial}
}

// Value returns the last broadcast value.
func (s *Subject[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Version counts broadcasts since construction.
func (s *Subject[T]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Next replaces the value and delivers it to every current observer.
// It returns false once the subject is closed; the value is then left unchanged.
func (s *Subject[T]) Next(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.value = v
	s.version++
	observers := make([]*entry[T], len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, e := range observers {
		e.obs(v)
	}
	return true
}

// Subscribe delivers the current value to obs immediately, then every later broadcast.
// Subscribing to a closed subject delivers nothing.
func (s *Subject[T]) Subscribe(obs Observer[T]) *Subscription {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Subscription{}
	}
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, &entry[T]{id: id, obs: obs})
	current := s.value
	s.mu.Unlock()

	obs(current)

	return &Subscription{cancel: func() { s.remove(id) }}
}

// Observers returns the number of active subscriptions.
func (s *Subject[T]) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// Close drops every observer and rejects further broadcasts.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.observers = nil
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.observers {
		if e.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

// Subscription ends an observer's deliveries.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops deliveries. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}
