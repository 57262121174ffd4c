package memory

import (
	"context"
	"testing"
	"time"

	"github.com/brizzai/marketweb/internal/models"
	"github.com/brizzai/marketweb/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewBackend().Store("tab-a")

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, storage.Set(ctx, s, "k", "v", storage.SetOptions{}))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Delete(ctx, "k", "missing"))
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBackend()
	b.SetClock(func() time.Time { return now })
	s := b.Store("tab-a")

	require.NoError(t, storage.Set(ctx, s, "k", "v", storage.SetOptions{Expires: now.Add(time.Hour)}))

	now = now.Add(59 * time.Minute)
	_, ok, _ := s.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestStore_SharedAcrossContexts(t *testing.T) {
	ctx := context.Background()
	b := NewBackend()
	a, other := b.Store("tab-a"), b.Store("tab-b")

	ch, cancel, err := other.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, storage.Set(ctx, a, "k", "v", storage.SetOptions{Path: "/"}))
	v, ok, _ := other.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	select {
	case m := <-ch:
		assert.Equal(t, models.Mutation{Key: "k", NewValue: "v", Origin: "tab-a"}, m)
	case <-time.After(time.Second):
		t.Fatal("mutation not delivered")
	}

	require.NoError(t, a.Delete(ctx, "k"))
	m := <-ch
	assert.Equal(t, models.Mutation{Key: "k", OldValue: "v", Origin: "tab-a"}, m)

	opts, ok := b.Options("k")
	assert.False(t, ok)
	assert.Equal(t, storage.SetOptions{}, opts)
}

func TestStore_NoMutationForUnchangedValue(t *testing.T) {
	ctx := context.Background()
	s := NewBackend().Store("tab-a")
	require.NoError(t, storage.Set(ctx, s, "k", "v", storage.SetOptions{}))

	ch, cancel, _ := s.Subscribe(ctx)
	defer cancel()

	require.NoError(t, storage.Set(ctx, s, "k", "v", storage.SetOptions{}))
	require.NoError(t, s.Delete(ctx, "absent"))

	select {
	case m := <-ch:
		t.Fatalf("unexpected mutation %+v", m)
	default:
	}
}

func TestStore_CancelClosesChannel(t *testing.T) {
	s := NewBackend().Store("tab-a")
	ch, cancel, _ := s.Subscribe(context.Background())
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}
