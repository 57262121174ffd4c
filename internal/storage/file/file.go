// Package file implements storage shared by execution contexts on the
// same machine through a YAML document. Other processes' writes are
// observed with fsnotify.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/models"
	"github.com/brizzai/marketweb/internal/storage"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type record struct {
	Value    string    `yaml:"value"`
	Expires  time.Time `yaml:"expires,omitempty"`
	Secure   bool      `yaml:"secure,omitempty"`
	SameSite int       `yaml:"same_site,omitempty"`
	Path     string    `yaml:"path,omitempty"`
}

// document is the on-disk layout; Origin names the last writer
type document struct {
	Origin  string            `yaml:"origin"`
	Entries map[string]record `yaml:"entries"`
}

// Store persists entries in a single YAML file. Concurrent writers in
// different processes are last-write-wins.
type Store struct {
	path   string
	origin string
	now    func() time.Time

	mu       sync.Mutex
	snapshot map[string]string

	bus     *storage.Broadcaster
	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  sync.Once
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the document at path and starts watching it
func New(path, origin string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}

	s := &Store{
		path:   path,
		origin: origin,
		now:    time.Now,
		bus:    storage.NewBroadcaster(),
		done:   make(chan struct{}),
	}

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	s.snapshot = s.values(doc)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// watch the directory: writes replace the file through a rename
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.watcher = watcher
	go s.watch()

	return s, nil
}

func (s *Store) read() (*document, error) {
	doc := &document{Entries: map[string]record{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.path, err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]record{}
	}
	return doc, nil
}

func (s *Store) write(doc *document) error {
	doc.Origin = s.origin
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode storage document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".marketweb-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

// values returns the live (unexpired) values of doc
func (s *Store) values(doc *document) map[string]string {
	now := s.now()
	out := make(map[string]string, len(doc.Entries))
	for k, r := range doc.Entries {
		if !r.Expires.IsZero() && !now.Before(r.Expires) {
			continue
		}
		out[k] = r.Value
	}
	return out
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := s.values(doc)[key]
	return v, ok, nil
}

func (s *Store) update(fn func(doc *document)) error {
	s.mu.Lock()
	doc, err := s.read()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	before := s.values(doc)
	fn(doc)
	if err := s.write(doc); err != nil {
		s.mu.Unlock()
		return err
	}
	after := s.values(doc)
	s.snapshot = after
	s.mu.Unlock()

	s.bus.Publish(storage.Diff(before, after, s.origin)...)
	return nil
}

func (s *Store) SetMany(_ context.Context, values map[string]string, opts storage.SetOptions) error {
	return s.update(func(doc *document) {
		for k, v := range values {
			doc.Entries[k] = record{
				Value:    v,
				Expires:  opts.Expires,
				Secure:   opts.Secure,
				SameSite: int(opts.SameSite),
				Path:     opts.Path,
			}
		}
	})
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	return s.update(func(doc *document) {
		for _, k := range keys {
			delete(doc.Entries, k)
		}
	})
}

func (s *Store) Subscribe(_ context.Context) (<-chan models.Mutation, func(), error) {
	ch, cancel := s.bus.Subscribe()
	return ch, cancel, nil
}

func (s *Store) Origin() string { return s.origin }

func (s *Store) watch() {
	name := filepath.Clean(s.path)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Storage watcher error", zap.String("path", s.path), zap.Error(err))
		}
	}
}

// reload publishes the difference between the file and the last state seen
func (s *Store) reload() {
	s.mu.Lock()
	doc, err := s.read()
	if err != nil {
		s.mu.Unlock()
		logger.Warn("Failed to reload storage file", zap.String("path", s.path), zap.Error(err))
		return
	}
	after := s.values(doc)
	mutations := storage.Diff(s.snapshot, after, doc.Origin)
	s.snapshot = after
	s.mu.Unlock()

	if len(mutations) > 0 {
		logger.Debug("Observed storage file change",
			zap.String("origin", doc.Origin),
			zap.Int("mutations", len(mutations)),
		)
	}
	s.bus.Publish(mutations...)
}

func (s *Store) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.bus.Close()
	})
	return err
}
