package queue

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrBrokerUnavailable is returned when the broker cannot establish or
	// re-establish its connection within the reconnect budget.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrJobRetryExceeded is the dead-letter reason for jobs that failed more
	// than the configured number of retries.
	ErrJobRetryExceeded = errors.New("job retry limit exceeded")

	// ErrUnknownQueue indicates a queue name outside the configured set.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrDeadLetterNotFound indicates a replay of a missing dead-letter entry.
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// isConnError reports whether err came from the transport rather than from
// a Redis reply, the caller's context or local encoding.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, redis.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
