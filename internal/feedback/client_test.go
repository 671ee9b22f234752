package feedback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/metrics"
	"github.com/normanking/cortexconverse/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu      sync.Mutex
	bodies  []request
	headers []http.Header
}

func (c *capture) handler(status int, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		c.mu.Lock()
		c.bodies = append(c.bodies, req)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestSubmit_PostsRating(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler(http.StatusOK, `{"feedback_response":"thanks"}`))
	defer srv.Close()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fb.db"))
	require.NoError(t, err)
	defer s.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	eb := bus.NewEventBus()
	published := make(chan bus.Event, 1)
	eb.Subscribe(bus.EventTypeFeedbackSubmitted, func(e bus.Event) { published <- e })

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	cfg.APIKey = "secret"
	c := NewClient(cfg, s, eb, m, zerolog.Nop())

	ack, err := c.Submit(context.Background(), "i-1", true, "Loved it")
	require.NoError(t, err)
	assert.Equal(t, "thanks", ack)

	require.Equal(t, 1, got.count())
	assert.Equal(t, "i-1", got.bodies[0].InteractionID)
	assert.Equal(t, textFeedback{FeedbackText: "Loved it", ThumbsUp: true}, got.bodies[0].TextFeedback)
	assert.Equal(t, "secret", got.headers[0].Get("X-API-Key"))
	assert.Equal(t, "cortexconverse", got.headers[0].Get("X-Source"))

	e := <-published
	assert.Equal(t, "i-1", e.String("interaction_id"))

	recs, err := s.Feedback(context.Background(), "i-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].ThumbsUp)
	assert.Empty(t, recs[0].Error)

	n, err := testutil.GatherAndCount(reg, "cortexconverse_feedback_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubmit_RejectedIsRecorded(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler(http.StatusInternalServerError, "boom"))
	defer srv.Close()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fb.db"))
	require.NoError(t, err)
	defer s.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	c := NewClient(cfg, s, nil, nil, zerolog.Nop())

	_, err = c.Submit(context.Background(), "i-2", false, "")
	assert.ErrorIs(t, err, ErrRejected)

	recs, err := s.Feedback(context.Background(), "i-2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "500")
}

func TestSubmit_RequiresInteraction(t *testing.T) {
	c := NewClient(DefaultConfig(), nil, nil, nil, zerolog.Nop())
	_, err := c.Submit(context.Background(), "", true, "x")
	assert.ErrorIs(t, err, ErrNoInteraction)
}

func TestSubmitAsync(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler(http.StatusOK, ""))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	c := NewClient(cfg, nil, nil, nil, zerolog.Nop())

	c.SubmitAsync("i-3", false, "meh")
	c.Wait()

	require.Equal(t, 1, got.count())
	assert.False(t, got.bodies[0].TextFeedback.ThumbsUp)
}

func TestTextAfterColon(t *testing.T) {
	assert.Equal(t, "Hello there", TextAfterColon("Ada: Hello there"))
	assert.Equal(t, "a: b", TextAfterColon("x: a: b"))
	assert.Equal(t, "plain", TextAfterColon("  plain "))
	assert.Equal(t, "", TextAfterColon("Ada:"))
}
