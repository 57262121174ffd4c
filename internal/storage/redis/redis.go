// Package redis implements storage shared by execution contexts in
// different processes or hosts through Redis. Mutations travel on a
// pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/models"
	"github.com/brizzai/marketweb/internal/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPrefix = "marketweb:"

// Store keeps each key as a plain Redis string under prefix
type Store struct {
	rdb    *goredis.Client
	prefix string
	origin string

	bus       *storage.Broadcaster
	subscribe sync.Once
	pubsub    *goredis.PubSub
	subErr    error
	closed    sync.Once
}

var _ storage.Store = (*Store)(nil)

// New connects using a URL such as redis://:pass@host:6379/0.
// An empty prefix selects "marketweb:".
func New(ctx context.Context, redisURL, prefix, origin string) (*Store, error) {
	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := goredis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewWithClient(rdb, prefix, origin), nil
}

// NewWithClient wraps an existing client; the Store takes ownership of it
func NewWithClient(rdb *goredis.Client, prefix, origin string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		origin: origin,
		bus:    storage.NewBroadcaster(),
	}
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) channel() string { return s.prefix + "mutations" }

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// previous returns the current values of keys, missing keys omitted
func (s *Store) previous(ctx context.Context, keys []string) (map[string]string, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}
	return out, nil
}

func (s *Store) SetMany(ctx context.Context, values map[string]string, opts storage.SetOptions) error {
	if len(values) == 0 {
		return nil
	}

	var ttl time.Duration
	if !opts.Expires.IsZero() {
		ttl = time.Until(opts.Expires)
		if ttl <= 0 {
			return s.Delete(ctx, keysOf(values)...)
		}
	}

	before, err := s.previous(ctx, keysOf(values))
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for k, v := range values {
		pipe.Set(ctx, s.key(k), v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	after := make(map[string]string, len(before)+len(values))
	for k, v := range before {
		after[k] = v
	}
	for k, v := range values {
		after[k] = v
	}
	return s.publish(ctx, storage.Diff(before, after, s.origin))
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	before, err := s.previous(ctx, keys)
	if err != nil {
		return err
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.rdb.Del(ctx, full...).Err(); err != nil {
		return err
	}
	return s.publish(ctx, storage.Diff(before, map[string]string{}, s.origin))
}

func (s *Store) publish(ctx context.Context, mutations []models.Mutation) error {
	for _, m := range mutations {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode mutation: %w", err)
		}
		if err := s.rdb.Publish(ctx, s.channel(), payload).Err(); err != nil {
			return fmt.Errorf("failed to publish mutation: %w", err)
		}
	}
	return nil
}

// Subscribe starts the shared pub/sub receiver on first use
func (s *Store) Subscribe(ctx context.Context) (<-chan models.Mutation, func(), error) {
	s.subscribe.Do(func() {
		s.pubsub = s.rdb.Subscribe(ctx, s.channel())
		// wait for the subscription to be confirmed so no mutation is missed
		if _, err := s.pubsub.Receive(ctx); err != nil {
			s.subErr = fmt.Errorf("failed to subscribe to %s: %w", s.channel(), err)
			_ = s.pubsub.Close()
			return
		}
		go s.receive(s.pubsub.Channel())
	})
	if s.subErr != nil {
		return nil, nil, s.subErr
	}

	ch, cancel := s.bus.Subscribe()
	return ch, cancel, nil
}

func (s *Store) receive(msgs <-chan *goredis.Message) {
	for msg := range msgs {
		var m models.Mutation
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			logger.Warn("Discarding malformed storage mutation", zap.Error(err))
			continue
		}
		s.bus.Publish(m)
	}
}

func (s *Store) Origin() string { return s.origin }

func (s *Store) Close() error {
	var err error
	s.closed.Do(func() {
		if s.pubsub != nil {
			err = errors.Join(err, s.pubsub.Close())
		}
		s.bus.Close()
		err = errors.Join(err, s.rdb.Close())
	})
	return err
}

func keysOf(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return keys
}
