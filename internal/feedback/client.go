// Package feedback submits thumbs-up/down ratings for a response. Submission
// is independent of any streaming session.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/normanking/cortexconverse/internal/bus"
	"github.com/normanking/cortexconverse/internal/metrics"
	"github.com/normanking/cortexconverse/internal/store"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrNoInteraction = errors.New("interaction id is required")
	ErrRejected      = errors.New("feedback rejected")
)

// Config holds feedback client configuration
type Config struct {
	URL           string        // Feedback endpoint
	APIKey        string        // Sent as X-API-Key
	Source        string        // Sent as X-Source
	ClientVersion string        // Sent as X-Client-Version
	Timeout       time.Duration // Default: 10s
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:           "http://localhost:8765/feedback",
		Source:        "cortexconverse",
		ClientVersion: "0.1.0",
		Timeout:       10 * time.Second,
	}
}

// Recorder keeps a local copy of each submission. *store.SQLiteStore
// satisfies it.
type Recorder interface {
	SaveFeedback(ctx context.Context, rec store.FeedbackRecord) error
}

type request struct {
	InteractionID string       `json:"interaction_id"`
	TextFeedback  textFeedback `json:"text_feedback"`
}

type textFeedback struct {
	FeedbackText string `json:"feedback_text"`
	ThumbsUp     bool   `json:"thumbs_up"`
}

type response struct {
	FeedbackResponse string `json:"feedback_response"`
}

// Client posts feedback to the dialogue service.
type Client struct {
	config   Config
	http     *http.Client
	recorder Recorder
	bus      *bus.EventBus
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// NewClient creates a feedback client. recorder, eventBus and m may be nil.
func NewClient(config Config, recorder Recorder, eventBus *bus.EventBus, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		config:   config,
		http:     &http.Client{Timeout: config.Timeout},
		recorder: recorder,
		bus:      eventBus,
		metrics:  m,
		logger:   logger.With().Str("component", "feedback").Logger(),
	}
}

// Submit sends one rating and returns the service's acknowledgement text.
func (c *Client) Submit(ctx context.Context, interactionID string, thumbsUp bool, text string) (string, error) {
	if interactionID == "" {
		return "", ErrNoInteraction
	}

	ack, err := c.post(ctx, interactionID, thumbsUp, text)
	c.metrics.FeedbackSubmitted(err)
	c.record(ctx, interactionID, thumbsUp, text, err)

	if err != nil {
		c.logger.Warn().Err(err).Str("interaction", interactionID).Msg("Feedback submission failed")
		return "", err
	}

	c.logger.Info().
		Str("interaction", interactionID).
		Bool("thumbsUp", thumbsUp).
		Str("response", ack).
		Msg("Feedback submitted")
	if c.bus != nil {
		c.bus.Publish(bus.Event{Type: bus.EventTypeFeedbackSubmitted, Data: map[string]any{
			"interaction_id": interactionID,
			"thumbs_up":      thumbsUp,
			"response":       ack,
		}})
	}
	return ack, nil
}

// SubmitAsync sends a rating in the background. Failures are only logged.
func (c *Client) SubmitAsync(interactionID string, thumbsUp bool, text string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer cancel()
		_, _ = c.Submit(ctx, interactionID, thumbsUp, text)
	}()
}

// Wait blocks until background submissions have finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) post(ctx context.Context, interactionID string, thumbsUp bool, text string) (string, error) {
	body, err := json.Marshal(request{
		InteractionID: interactionID,
		TextFeedback:  textFeedback{FeedbackText: text, ThumbsUp: thumbsUp},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	if c.config.Source != "" {
		req.Header.Set("X-Source", c.config.Source)
	}
	if c.config.ClientVersion != "" {
		req.Header.Set("X-Client-Version", c.config.ClientVersion)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var r response
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &r); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
	}
	return r.FeedbackResponse, nil
}

func (c *Client) record(ctx context.Context, interactionID string, thumbsUp bool, text string, sendErr error) {
	if c.recorder == nil {
		return
	}
	rec := store.FeedbackRecord{InteractionID: interactionID, ThumbsUp: thumbsUp, Text: text}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	// The submission context may already be spent.
	ctx = context.WithoutCancel(ctx)
	if err := c.recorder.SaveFeedback(ctx, rec); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to record feedback")
	}
}

// TextAfterColon returns the part of a displayed line after its first colon,
// trimmed. A line without a colon is returned trimmed.
func TextAfterColon(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		line = line[i+1:]
	}
	return strings.TrimSpace(line)
}
