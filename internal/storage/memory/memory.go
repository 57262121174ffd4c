// Package memory implements storage shared by execution contexts living
// in the same process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/brizzai/marketweb/internal/models"
	"github.com/brizzai/marketweb/internal/storage"
)

type entry struct {
	value string
	opts  storage.SetOptions
}

// Backend holds the shared state. Each execution context obtains its own
// Store handle with Store(origin).
type Backend struct {
	mu      sync.Mutex
	entries map[string]entry
	bus     *storage.Broadcaster
	now     func() time.Time
}

func NewBackend() *Backend {
	return &Backend{
		entries: make(map[string]entry),
		bus:     storage.NewBroadcaster(),
		now:     time.Now,
	}
}

// SetClock overrides the clock used for expiry
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Options returns the attributes key was written with
func (b *Backend) Options(key string) (storage.SetOptions, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e.opts, ok
}

// Store returns a handle tagged with origin
func (b *Backend) Store(origin string) *Store {
	return &Store{backend: b, origin: origin}
}

// lookup returns the live value of key, expiring it if stale. Caller holds mu.
func (b *Backend) lookup(key string) (string, bool) {
	e, ok := b.entries[key]
	if !ok {
		return "", false
	}
	if e.opts.Expired(b.now()) {
		delete(b.entries, key)
		return "", false
	}
	return e.value, true
}

// Store is an execution context's view of a Backend
type Store struct {
	backend *Backend
	origin  string
}

var _ storage.Store = (*Store)(nil)

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.lookup(key)
	return v, ok, nil
}

func (s *Store) SetMany(_ context.Context, values map[string]string, opts storage.SetOptions) error {
	b := s.backend
	b.mu.Lock()
	var mutations []models.Mutation
	for k, v := range values {
		old, _ := b.lookup(k)
		b.entries[k] = entry{value: v, opts: opts}
		if old != v {
			mutations = append(mutations, models.Mutation{Key: k, OldValue: old, NewValue: v, Origin: s.origin})
		}
	}
	b.mu.Unlock()

	b.bus.Publish(mutations...)
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	b := s.backend
	b.mu.Lock()
	var mutations []models.Mutation
	for _, k := range keys {
		old, ok := b.lookup(k)
		if !ok {
			continue
		}
		delete(b.entries, k)
		mutations = append(mutations, models.Mutation{Key: k, OldValue: old, Origin: s.origin})
	}
	b.mu.Unlock()

	b.bus.Publish(mutations...)
	return nil
}

func (s *Store) Subscribe(_ context.Context) (<-chan models.Mutation, func(), error) {
	ch, cancel := s.backend.bus.Subscribe()
	return ch, cancel, nil
}

func (s *Store) Origin() string { return s.origin }

// Close is a no-op: the backend outlives any single handle
func (s *Store) Close() error { return nil }
