package federation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"mcpfed/pkg/types"
)

// RetryPolicy controls RegisterWithRetry. The manager itself never retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// Backoff returns the delay before retry number attempt (zero based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	delay += delay * p.Jitter * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// Retryable reports whether a RegisterServer failure may succeed on a later
// attempt. Rejections, conflicts and lifecycle errors are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrClosed), errors.Is(err, ErrRemoved):
		return false
	case errors.Is(err, ErrConnect),
		errors.Is(err, ErrConnectTimeout),
		errors.Is(err, ErrTransport),
		errors.Is(err, ErrAuth):
		return true
	}
	return false
}

// RegisterWithRetry calls RegisterServer until it succeeds, fails with a
// final error, or runs out of attempts.
func RegisterWithRetry(ctx context.Context, m *Manager, cfg types.PeerConfig, p RetryPolicy) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = m.RegisterServer(ctx, cfg); !Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		m.logger.Debug("Registration failed, retrying",
			zap.String("server_id", string(cfg.ServerID)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
