package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-evalpipe/internal/configuration"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed timeout", Timeout("x", nil), KindTimeout},
		{"typed malformed wrapped", fmt.Errorf("tier full: %w", Malformed("x", nil)), KindMalformed},
		{"sentinel timeout", fmt.Errorf("call: %w", ErrTimeout), KindTimeout},
		{"sentinel malformed", ErrMalformedResponse, KindMalformed},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutNetErr{}, KindTimeout},
		{"json syntax text", errors.New("invalid character 'x' looking for beginning of value"), KindMalformed},
		{"anything else", errors.New("connection refused"), KindOther},
		{"circuit open", Other("open", ErrCircuitOpen), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestError_IsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Timeout("slow", context.DeadlineExceeded))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrMalformedResponse)

	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "oracle_timeout", oe.Class())
}

func TestChain_Order(t *testing.T) {
	var trail []string
	mark := func(name string) Middleware {
		return func(next Client) Client {
			return ClientFunc(func(ctx context.Context, req *Request) (*Response, error) {
				trail = append(trail, name)
				return next.Analyze(ctx, req)
			})
		}
	}
	base := ClientFunc(func(context.Context, *Request) (*Response, error) {
		trail = append(trail, "base")
		return &Response{}, nil
	})

	_, err := Chain(base, mark("a"), mark("b")).Analyze(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "base"}, trail)
}

func TestWithTimeout_AbandonsSlowCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := ClientFunc(func(context.Context, *Request) (*Response, error) {
		<-release
		return &Response{}, nil
	})

	start := time.Now()
	_, err := WithTimeout(20*time.Millisecond)(slow).Analyze(context.Background(), &Request{})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, Classify(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithTimeout_PreservesKind(t *testing.T) {
	bad := ClientFunc(func(context.Context, *Request) (*Response, error) {
		return nil, Malformed("not json", nil)
	})
	_, err := WithTimeout(time.Second)(bad).Analyze(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestWithTimeout_RecoversPanic(t *testing.T) {
	boom := ClientFunc(func(context.Context, *Request) (*Response, error) {
		panic("adapter bug")
	})
	_, err := WithTimeout(time.Second)(boom).Analyze(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrOther)
}

func TestWithRateLimit_DeadlineTooShort(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	var calls atomic.Int32
	ok := ClientFunc(func(context.Context, *Request) (*Response, error) {
		calls.Add(1)
		return &Response{}, nil
	})
	c := WithRateLimit(limiter)(ok)

	_, err := c.Analyze(context.Background(), &Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Analyze(ctx, &Request{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithCircuitBreaker_OpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	failing := ClientFunc(func(context.Context, *Request) (*Response, error) {
		calls.Add(1)
		return nil, Timeout("down", nil)
	})
	c := WithCircuitBreaker(configuration.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenRequests:   1,
	})(failing)

	for range 2 {
		_, err := c.Analyze(context.Background(), &Request{})
		assert.ErrorIs(t, err, ErrTimeout)
	}

	_, err := c.Analyze(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrOther)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWithCircuitBreaker_MalformedDoesNotTrip(t *testing.T) {
	var calls atomic.Int32
	garbled := ClientFunc(func(context.Context, *Request) (*Response, error) {
		calls.Add(1)
		return nil, Malformed("garbled", nil)
	})
	c := WithCircuitBreaker(configuration.CircuitBreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		HalfOpenRequests:   1,
	})(garbled)

	for range 3 {
		_, err := c.Analyze(context.Background(), &Request{})
		assert.ErrorIs(t, err, ErrMalformedResponse)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestResilient_PassesThrough(t *testing.T) {
	cfg := configuration.DefaultConfig().Oracle
	base := ClientFunc(func(_ context.Context, req *Request) (*Response, error) {
		return &Response{Template: &TemplateAssessment{ThemeMatch: 7}}, nil
	})

	resp, err := Resilient(base, cfg).Analyze(context.Background(), &Request{Task: TaskTemplateFull})
	require.NoError(t, err)
	assert.InDelta(t, 7.0, resp.Template.ThemeMatch, 1e-9)
}
