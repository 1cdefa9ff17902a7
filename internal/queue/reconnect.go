package queue

import (
	"context"
	"fmt"
	"time"
)

const pingTimeout = 2 * time.Second

// reconnectDelay is the wait before the given 1-based attempt:
// min(base*attempt, cap).
func reconnectDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Millisecond // Prevent hot looping.
	}
	d := base * time.Duration(attempt)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

// reconnect pings until the connection answers or the attempt ceiling is
// reached. The go-redis pool redials on its own; this bounds how long
// callers wait for it.
func (b *Broker) reconnect(ctx context.Context) error {
	maxAttempts := b.cfg.ReconnectMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c, err := b.conn()
		if err != nil {
			return err
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = c.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			if attempt > 1 {
				b.logger.Info("broker reconnected", "attempts", attempt)
			}
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrBrokerUnavailable, ctx.Err())
		}
		if attempt == maxAttempts {
			break
		}

		delay := reconnectDelay(b.cfg.ReconnectBaseDelay, b.cfg.ReconnectMaxDelay, attempt)
		b.logger.Warn("broker ping failed, backing off",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", lastErr)
		if err := b.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrBrokerUnavailable, maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
