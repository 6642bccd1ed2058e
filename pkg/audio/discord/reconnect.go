package discord

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// errRetriesExhausted is returned by [Backoff.retry] after the last attempt.
var errRetriesExhausted = errors.New("discord: reconnection failed after max retries")

// Backoff configures voice reconnection attempts. The zero value selects the
// defaults: 10 attempts starting at 1s and doubling up to 30s.
type Backoff struct {
	// MaxRetries is the maximum number of attempts before giving up.
	MaxRetries int

	// Initial is the wait after the first failed attempt. It doubles each
	// attempt up to Max.
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.MaxRetries <= 0 {
		b.MaxRetries = defaultMaxRetries
	}
	if b.Initial <= 0 {
		b.Initial = defaultBackoff
	}
	if b.Max <= 0 {
		b.Max = defaultMaxBackoff
	}
	return b
}

// delays returns the wait after each failed attempt.
func (b Backoff) delays() []time.Duration {
	b = b.withDefaults()
	out := make([]time.Duration, b.MaxRetries)
	cur := b.Initial
	for i := range out {
		out[i] = cur
		cur = min(cur*2, b.Max)
	}
	return out
}

// retry calls attempt until it succeeds, retries are exhausted, or ctx is
// done.
func (b Backoff) retry(ctx context.Context, logger *slog.Logger, channelID string, attempt func(context.Context) error) error {
	delays := b.delays()
	for i, wait := range delays {
		if err := ctx.Err(); err != nil {
			return err
		}

		logger.Info("attempting voice reconnection",
			"channel_id", channelID,
			"attempt", i+1,
			"max_retries", len(delays),
		)
		err := attempt(ctx)
		if err == nil {
			logger.Info("voice reconnection successful", "channel_id", channelID, "attempt", i+1)
			return nil
		}
		logger.Warn("voice reconnection attempt failed",
			"channel_id", channelID,
			"attempt", i+1,
			"backoff", wait,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	logger.Error("voice reconnection failed after max retries",
		"channel_id", channelID,
		"max_retries", len(delays),
	)
	return errRetriesExhausted
}
