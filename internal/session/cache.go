// Package session holds the process-wide cache of the authenticated user's
// profile. Every consumer reads the same entry and shares the same fetch.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/brizzai/marketweb/internal/apperrors"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/metrics"
	"github.com/brizzai/marketweb/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultProfileTTL = 5 * time.Minute
	defaultAvatarTTL  = 30 * time.Minute
)

// TransientFetchError reports a profile fetch that failed for a reason
// other than rejected credentials. The cached entry is left untouched.
type TransientFetchError struct {
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("profile fetch failed: %v", e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// TokenSource is the part of the token store the cache consults
type TokenSource interface {
	Get(ctx context.Context) (*models.TokenPair, error)
	Clear(ctx context.Context) error
}

// ProfileFetcher loads the profile of the session identified by pair.
// Rejected credentials must be reported wrapping apperrors.ErrUnauthorized.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, pair models.TokenPair) (*models.User, error)
}

type Config struct {
	ProfileTTL time.Duration
	AvatarTTL  time.Duration
	Now        func() time.Time
	Metrics    *metrics.Metrics
}

// Cache is the single shared session cache.
//
// Fetches are single-flighted per epoch and access token: every caller that
// finds the entry stale during the same epoch with the same credentials
// waits for the same fetch. The epoch advances on Clear and on every commit,
// so a fetch result is only committed when it was started against the entry
// still in place and the stored access token is still the one it used.
//
// Subscribers are notified while mu is held, so they observe changes in
// commit order.
type Cache struct {
	tokens  TokenSource
	fetcher ProfileFetcher

	profileTTL time.Duration
	avatarTTL  time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics

	mu    sync.Mutex
	entry models.SessionEntry
	epoch uint64
	// access token the entry was fetched with
	token string

	group singleflight.Group

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan models.SessionEntry
}

func New(tokens TokenSource, fetcher ProfileFetcher, cfg Config) *Cache {
	if cfg.ProfileTTL == 0 {
		cfg.ProfileTTL = defaultProfileTTL
	}
	if cfg.AvatarTTL == 0 {
		cfg.AvatarTTL = defaultAvatarTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		tokens:     tokens,
		fetcher:    fetcher,
		profileTTL: cfg.ProfileTTL,
		avatarTTL:  cfg.AvatarTTL,
		now:        cfg.Now,
		metrics:    cfg.Metrics,
		subs:       make(map[int]chan models.SessionEntry),
	}
}

// Read returns the current entry without fetching
func (c *Cache) Read() models.SessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.entry)
}

// Clear empties the entry and invalidates any fetch in flight
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	hadUser := c.entry.User != nil
	c.entry = models.SessionEntry{}
	c.token = ""
	c.epoch++
	if hadUser {
		c.notify(models.SessionEntry{})
	}
}

// FetchedWith reports whether the cached profile was loaded with accessToken
func (c *Cache) FetchedWith(accessToken string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry.User != nil && c.token == accessToken
}

// Refresh returns the cached entry when it is still valid and force is
// false; otherwise it fetches the profile. Without a stored session the
// entry is cleared and no fetch happens.
func (c *Cache) Refresh(ctx context.Context, force bool) (models.SessionEntry, error) {
	pair, err := c.tokens.Get(ctx)
	if err != nil {
		c.Clear()
		if clearErr := c.tokens.Clear(ctx); clearErr != nil {
			logger.Warn("Failed to clear tokens after storage failure", zap.Error(clearErr))
		}
		return models.SessionEntry{}, err
	}
	if pair == nil {
		c.Clear()
		return models.SessionEntry{}, nil
	}

	c.mu.Lock()
	entry := c.entry
	epoch := c.epoch
	valid := entry.User != nil && c.now().Sub(entry.FetchedAt) < c.profileTTL
	c.mu.Unlock()

	if valid && !force {
		c.metrics.CacheHit()
		return clone(entry), nil
	}

	// the fetch outlives the caller that started it; other callers may be waiting on it
	fetchCtx := context.WithoutCancel(ctx)
	key := strconv.FormatUint(epoch, 10) + ":" + pair.AccessToken
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetch(fetchCtx, *pair, epoch)
	})

	select {
	case <-ctx.Done():
		return c.Read(), ctx.Err()
	case res := <-ch:
		entry, _ := res.Val.(models.SessionEntry)
		return clone(entry), res.Err
	}
}

func (c *Cache) fetch(ctx context.Context, pair models.TokenPair, epoch uint64) (models.SessionEntry, error) {
	c.mu.Lock()
	if c.epoch != epoch {
		// committed or cleared since the caller looked
		entry := clone(c.entry)
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	user, err := c.fetcher.FetchProfile(ctx, pair)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnauthorized) {
			return c.expire(ctx, epoch)
		}
		c.metrics.ProfileFetch(metrics.FetchTransient)
		logger.Warn("Profile fetch failed, keeping cached entry", zap.Error(err))
		return c.Read(), &TransientFetchError{Err: err}
	}

	// a logout or a new login may have happened while the fetch was in flight
	current, err := c.tokens.Get(ctx)
	if err != nil || current == nil || current.AccessToken != pair.AccessToken {
		c.metrics.ProfileFetch(metrics.FetchDiscarded)
		logger.Debug("Discarding profile fetched for a session that ended")
		return c.Read(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		c.metrics.ProfileFetch(metrics.FetchDiscarded)
		return clone(c.entry), nil
	}

	now := c.now()
	next := models.SessionEntry{
		User:      user,
		FetchedAt: now,
		Avatar:    c.mergeAvatar(c.entry.Avatar, user, now),
	}
	c.entry = next
	c.token = pair.AccessToken
	c.epoch++

	c.metrics.ProfileFetch(metrics.FetchOK)
	c.notify(next)
	return clone(next), nil
}

// expire ends the session after the API rejected its credentials
func (c *Cache) expire(ctx context.Context, epoch uint64) (models.SessionEntry, error) {
	c.mu.Lock()
	if c.epoch != epoch {
		entry := clone(c.entry)
		c.mu.Unlock()
		c.metrics.ProfileFetch(metrics.FetchDiscarded)
		return entry, nil
	}
	hadUser := c.entry.User != nil
	c.entry = models.SessionEntry{}
	c.token = ""
	c.epoch++
	if hadUser {
		c.notify(models.SessionEntry{})
	}
	c.mu.Unlock()

	if err := c.tokens.Clear(ctx); err != nil {
		logger.Error("Failed to clear tokens of expired session", zap.Error(err))
	}
	c.metrics.ProfileFetch(metrics.FetchExpired)
	logger.Info("Session expired, cleared tokens and cached profile")
	return models.SessionEntry{}, apperrors.ErrSessionExpired
}

// mergeAvatar keeps the previous avatar while its reference is unchanged
// and it is younger than the avatar TTL
func (c *Cache) mergeAvatar(prev *models.Avatar, user *models.User, now time.Time) *models.Avatar {
	ref := user.AvatarRef
	if ref == "" {
		ref = user.AvatarURL
	}
	if ref == "" {
		return nil
	}
	if prev != nil && prev.Ref == ref && now.Sub(prev.FetchedAt) < c.avatarTTL {
		return prev
	}
	return &models.Avatar{Ref: ref, URL: user.AvatarURL, FetchedAt: now}
}

// Subscribe streams entry changes. The channel holds the latest change
// only; the returned func cancels the subscription.
func (c *Cache) Subscribe() (<-chan models.SessionEntry, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan models.SessionEntry, 1)
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// notify must be called with mu held
func (c *Cache) notify(entry models.SessionEntry) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subs {
		// replace an undelivered change with the newer one
		select {
		case <-ch:
		default:
		}
		ch <- clone(entry)
	}
}

// Close releases every subscriber
func (c *Cache) Close() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func clone(e models.SessionEntry) models.SessionEntry {
	if e.User != nil {
		u := *e.User
		u.Roles = append([]string(nil), e.User.Roles...)
		e.User = &u
	}
	if e.Avatar != nil {
		a := *e.Avatar
		e.Avatar = &a
	}
	return e
}
