// Package events fans session events out to the pages that serve the
// user. They are delivered to browsers as Server-Sent Events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/models"
	"go.uber.org/zap"
)

const subscriberBuffer = 16

const (
	// TypeReload asks the page to rebuild every piece of user-dependent state
	TypeReload = "reload"
	// TypeSession carries the new session entry
	TypeSession = "session"
)

type Event struct {
	Type    string               `json:"type"`
	Reason  string               `json:"reason,omitempty"`
	Session *models.SessionEntry `json:"session,omitempty"`
}

// Hub is an in-process pub/sub of events
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Reload publishes a reload event
func (h *Hub) Reload(reason string) {
	h.Publish(Event{Type: TypeReload, Reason: reason})
}

// Publish delivers e to every subscriber without blocking
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			logger.Warn("Dropping event for slow subscriber", zap.String("type", e.Type))
		}
	}
}

// Subscribe registers a subscriber. The channel is closed by the returned
// func or when the hub closes.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Forward publishes every session entry from updates until it is closed or
// ctx is done
func (h *Hub) Forward(ctx context.Context, updates <-chan models.SessionEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-updates:
			if !ok {
				return
			}
			h.Publish(Event{Type: TypeSession, Session: &entry})
		}
	}
}

// Close releases every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// ServeHTTP streams events to the client until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				logger.Error("Failed to encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
