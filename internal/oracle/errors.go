package oracle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the failure class of an oracle call.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindMalformed Kind = "malformed_response"
	KindOther     Kind = "other"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrTimeout           = errors.New("oracle timeout")
	ErrMalformedResponse = errors.New("oracle returned malformed response")
	ErrOther             = errors.New("oracle call failed")

	// ErrCircuitOpen is reported as KindOther.
	ErrCircuitOpen = errors.New("oracle circuit open")
)

// Error is a classified oracle failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[oracle:%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[oracle:%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

// Class returns the error class recorded on failed evaluations.
func (e *Error) Class() string { return "oracle_" + string(e.Kind) }

func sentinelFor(k Kind) error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindMalformed:
		return ErrMalformedResponse
	default:
		return ErrOther
	}
}

// NewError builds a classified error.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Timeout wraps cause as a KindTimeout error.
func Timeout(msg string, cause error) *Error { return NewError(KindTimeout, msg, cause) }

// Malformed wraps cause as a KindMalformed error.
func Malformed(msg string, cause error) *Error { return NewError(KindMalformed, msg, cause) }

// Other wraps cause as a KindOther error.
func Other(msg string, cause error) *Error { return NewError(KindOther, msg, cause) }

// Classify maps any error to a Kind. Typed errors win, then sentinels, then
// context and network timeouts, then message patterns. Unrecognized errors
// are KindOther.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}

	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "invalid character"), strings.Contains(msg, "unexpected end of json"):
		return KindMalformed
	}
	return KindOther
}

// AsError returns err as a classified *Error, wrapping it when needed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return NewError(Classify(err), "oracle call failed", err)
}
