package main

import (
	"context"
	"errors"
	"time"

	"github.com/normanking/cortexconverse/internal/transport"
	"github.com/rs/zerolog"
)

// supervisedClient retries opening a call while the service is unavailable,
// backing off exponentially between attempts.
type supervisedClient struct {
	inner      transport.Client
	logger     zerolog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	maxTries   int
}

func newSupervisedClient(inner transport.Client, logger zerolog.Logger) *supervisedClient {
	return &supervisedClient{
		inner:      inner,
		logger:     logger.With().Str("component", "supervisor").Logger(),
		minBackoff: 3 * time.Second,
		maxBackoff: 60 * time.Second,
		maxTries:   5,
	}
}

func (c *supervisedClient) Open(ctx context.Context) (transport.Call, error) {
	backoff := c.minBackoff
	for attempt := 1; ; attempt++ {
		call, err := c.inner.Open(ctx)
		if err == nil {
			return call, nil
		}
		if !errors.Is(err, transport.ErrUpstreamUnavailable) || attempt >= c.maxTries {
			return nil, err
		}

		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Service unavailable, retrying...")
		select {
		case <-ctx.Done():
			return nil, transport.ErrTransportCancelled
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}
