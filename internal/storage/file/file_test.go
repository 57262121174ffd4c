package file

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/brizzai/marketweb/internal/models"
	"github.com/brizzai/marketweb/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitMutation(t *testing.T, ch <-chan models.Mutation, match func(models.Mutation) bool) models.Mutation {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			require.True(t, ok, "subscription closed")
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatal("mutation not observed")
		}
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "storage.yaml")
	s, err := New(path, "tab-a")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetMany(ctx, map[string]string{"a": "1", "b": "2"}, storage.SetOptions{Path: "/"}))
	v, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, s.Delete(ctx, "a"))
	_, ok, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	// reopening observes persisted state
	reopened, err := New(path, "tab-b")
	require.NoError(t, err)
	defer reopened.Close()
	v, ok, _ = reopened.Get(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestStore_ExpiredValuesHidden(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "storage.yaml"), "tab-a")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, storage.Set(ctx, s, "k", "v", storage.SetOptions{Expires: time.Now().Add(-time.Second)}))
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ObservesOtherContext(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "storage.yaml")

	a, err := New(path, "tab-a")
	require.NoError(t, err)
	defer a.Close()
	b, err := New(path, "tab-b")
	require.NoError(t, err)
	defer b.Close()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, storage.Set(ctx, a, "token", "t1", storage.SetOptions{}))
	m := waitMutation(t, ch, func(m models.Mutation) bool { return m.Key == "token" && m.NewValue == "t1" })
	assert.Equal(t, "tab-a", m.Origin)

	require.NoError(t, a.Delete(ctx, "token"))
	m = waitMutation(t, ch, func(m models.Mutation) bool { return m.Key == "token" && m.NewValue == "" })
	assert.Equal(t, "t1", m.OldValue)
	assert.Equal(t, "tab-a", m.Origin)
}
