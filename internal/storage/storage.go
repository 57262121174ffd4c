// Package storage defines the key/value store shared by every execution
// context of the client runtime, together with its mutation channel.
package storage

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/models"
	"go.uber.org/zap"
)

// subscriberBuffer bounds the number of undelivered mutations per subscriber
const subscriberBuffer = 64

// SetOptions carries the persistence attributes of a write
type SetOptions struct {
	Expires  time.Time // zero => no expiry
	Secure   bool
	SameSite http.SameSite
	Path     string
}

// Expired reports whether a value written with these options is stale at now
func (o SetOptions) Expired(now time.Time) bool {
	return !o.Expires.IsZero() && !now.Before(o.Expires)
}

// Store is one execution context's handle on the shared storage.
// Writes made through a Store are tagged with its Origin.
type Store interface {
	// Get returns the value of key and whether it is present
	Get(ctx context.Context, key string) (string, bool, error)

	// SetMany writes all values as one unit
	SetMany(ctx context.Context, values map[string]string, opts SetOptions) error

	// Delete removes the keys as one unit; missing keys are ignored
	Delete(ctx context.Context, keys ...string) error

	// Subscribe streams mutations made by any execution context.
	// The returned func cancels the subscription and closes the channel.
	Subscribe(ctx context.Context) (<-chan models.Mutation, func(), error)

	// Origin identifies the execution context owning this handle
	Origin() string

	Close() error
}

// Set writes a single key
func Set(ctx context.Context, s Store, key, value string, opts SetOptions) error {
	return s.SetMany(ctx, map[string]string{key: value}, opts)
}

// Broadcaster fans mutations out to subscribers. Delivery never blocks
// the writer: a subscriber whose buffer is full loses the mutation.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan models.Mutation
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan models.Mutation)}
}

// Subscribe registers a subscriber
func (b *Broadcaster) Subscribe() (<-chan models.Mutation, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.Mutation, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers mutations to every subscriber
func (b *Broadcaster) Publish(mutations ...models.Mutation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range mutations {
		for _, ch := range b.subs {
			select {
			case ch <- m:
			default:
				logger.Warn("Dropping storage mutation for slow subscriber", zap.String("key", m.Key))
			}
		}
	}
}

// Close closes every subscriber channel
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Diff returns the mutations turning before into after, attributed to origin
func Diff(before, after map[string]string, origin string) []models.Mutation {
	var out []models.Mutation
	for k, old := range before {
		if nv, ok := after[k]; !ok {
			out = append(out, models.Mutation{Key: k, OldValue: old, Origin: origin})
		} else if nv != old {
			out = append(out, models.Mutation{Key: k, OldValue: old, NewValue: nv, Origin: origin})
		}
	}
	for k, nv := range after {
		if _, ok := before[k]; !ok {
			out = append(out, models.Mutation{Key: k, NewValue: nv, Origin: origin})
		}
	}
	return out
}
