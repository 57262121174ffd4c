package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brizzai/marketweb/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelB()

	h.Reload("logout")

	assert.Equal(t, Event{Type: TypeReload, Reason: "logout"}, <-a)
	assert.Equal(t, Event{Type: TypeReload, Reason: "logout"}, <-b)

	cancelA()
	_, ok := <-a
	assert.False(t, ok)

	h.Reload("remote_logout")
	assert.Equal(t, "remote_logout", (<-b).Reason)
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	h.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed hub yields a closed channel")
}

func TestHub_Forward(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe()
	defer cancel()

	updates := make(chan models.SessionEntry, 1)
	done := make(chan struct{})
	go func() {
		h.Forward(context.Background(), updates)
		close(done)
	}()

	updates <- models.SessionEntry{User: &models.User{ID: "u1"}}
	e := <-events
	assert.Equal(t, TypeSession, e.Type)
	require.NotNil(t, e.Session)
	assert.Equal(t, "u1", e.Session.User.ID)

	close(updates)
	<-done
}

func TestHub_ServeHTTP(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the subscription exists once the headers were flushed
	h.Reload("logout")

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: reload\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Contains(t, line, `"reason":"logout"`)
}
