package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-evalpipe/internal/configuration"
)

// result carries an abandoned call's outcome; the channel is buffered so the
// inner goroutine never blocks after the caller has given up.
type result struct {
	resp *Response
	err  error
}

// WithTimeout bounds each call by d, or by the context deadline when that is
// earlier. On expiry the middleware stops waiting and reports KindTimeout;
// the inner call is not guaranteed to stop.
func WithTimeout(d time.Duration) Middleware {
	return func(next Client) Client {
		return ClientFunc(func(ctx context.Context, req *Request) (*Response, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- result{err: Other("oracle adapter panicked", fmt.Errorf("%v", r))}
					}
				}()
				resp, err := next.Analyze(ctx, req)
				done <- result{resp: resp, err: err}
			}()

			select {
			case r := <-done:
				if r.err != nil {
					return nil, AsError(r.err)
				}
				return r.resp, nil
			case <-ctx.Done():
				return nil, Timeout("oracle call abandoned", ctx.Err())
			}
		})
	}
}

// WithRateLimit applies a local token bucket. A call waits for its token
// unless the wait would outlive the context deadline, in which case it fails
// with KindTimeout without consuming the token.
func WithRateLimit(limiter *rate.Limiter) Middleware {
	return func(next Client) Client {
		return ClientFunc(func(ctx context.Context, req *Request) (*Response, error) {
			if limiter.Allow() {
				return next.Analyze(ctx, req)
			}

			reservation := limiter.Reserve()
			if !reservation.OK() {
				return nil, Other("rate limiter refused reservation", nil)
			}
			delay := reservation.Delay()
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				reservation.Cancel()
				return nil, Timeout("rate limit wait exceeds deadline", context.DeadlineExceeded)
			}

			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				reservation.Cancel()
				return nil, Timeout("rate limit wait interrupted", ctx.Err())
			}
			return next.Analyze(ctx, req)
		})
	}
}

// WithCircuitBreaker fails fast with KindOther while the breaker is open.
// Malformed responses do not count as failures: the service answered.
func WithCircuitBreaker(cfg configuration.CircuitBreakerConfig) Middleware {
	logger := slog.Default().With("component", "oracle_breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: uint32(cfg.HalfOpenRequests),
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) == KindMalformed
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return func(next Client) Client {
		return ClientFunc(func(ctx context.Context, req *Request) (*Response, error) {
			out, err := cb.Execute(func() (any, error) {
				return next.Analyze(ctx, req)
			})
			if err != nil {
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					return nil, Other("circuit breaker rejected call", fmt.Errorf("%w: %w", ErrCircuitOpen, err))
				}
				return nil, AsError(err)
			}
			return out.(*Response), nil
		})
	}
}

// WithLogging records each call's task, duration and failure kind.
func WithLogging(logger *slog.Logger) Middleware {
	return func(next Client) Client {
		return ClientFunc(func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next.Analyze(ctx, req)
			if err != nil {
				logger.Warn("oracle call failed",
					"task", req.Task,
					"document", req.Document.Key,
					"kind", Classify(err),
					"duration_ms", time.Since(start).Milliseconds())
				return nil, err
			}
			logger.Debug("oracle call succeeded",
				"task", req.Task,
				"document", req.Document.Key,
				"duration_ms", time.Since(start).Milliseconds())
			return resp, nil
		})
	}
}

// Resilient wraps base with the middleware enabled in cfg: logging, request
// timeout, rate limit, circuit breaker, outermost first.
func Resilient(base Client, cfg configuration.OracleConfig) Client {
	mws := []Middleware{
		WithLogging(slog.Default().With("component", "oracle")),
		WithTimeout(cfg.RequestTimeout),
	}
	if cfg.RateLimit.Enabled {
		limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit.TokensPerSecond), cfg.RateLimit.BurstSize)
		mws = append(mws, WithRateLimit(limiter))
	}
	if cfg.CircuitBreaker.Enabled {
		mws = append(mws, WithCircuitBreaker(cfg.CircuitBreaker))
	}
	return Chain(base, mws...)
}
