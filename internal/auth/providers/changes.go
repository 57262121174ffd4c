package providers

import (
	"sync"

	"github.com/brizzai/marketweb/internal/auth/models"
	"github.com/brizzai/marketweb/internal/logger"
	"go.uber.org/zap"
)

const changeBuffer = 8

// changes fans provider auth changes out to subscribers
type changes struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan models.AuthChange
}

func (c *changes) subscribe() (<-chan models.AuthChange, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs == nil {
		c.subs = make(map[int]chan models.AuthChange)
	}
	id := c.nextID
	c.nextID++
	ch := make(chan models.AuthChange, changeBuffer)
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *changes) publish(change models.AuthChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
			logger.Warn("Dropping auth change for slow subscriber", zap.Stringer("kind", change.Kind))
		}
	}
}
