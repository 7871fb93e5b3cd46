package moonraker

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Kind classifies why a device call failed.
type Kind string

const (
	KindUnreachable Kind = "unreachable"
	KindTimeout     Kind = "timeout"
	KindRejected    Kind = "device_rejected"
	KindMalformed   Kind = "malformed_response"
)

var (
	ErrUnreachable = errors.New("device unreachable")
	ErrTimeout     = errors.New("device call timed out")
	ErrRejected    = errors.New("device rejected request")
	ErrMalformed   = errors.New("malformed device response")
)

var kindSentinels = map[Kind]error{
	KindUnreachable: ErrUnreachable,
	KindTimeout:     ErrTimeout,
	KindRejected:    ErrRejected,
	KindMalformed:   ErrMalformed,
}

// Error is returned by every Client method that talks to a device.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindRejected {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, ErrRejected, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, kindSentinels[e.Kind], e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf reports the Kind of err, or "" when err did not come from a device call.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func transportError(op string, err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, Op: op, Reason: "deadline exceeded", Err: err}
	}
	return &Error{Kind: KindUnreachable, Op: op, Reason: err.Error(), Err: err}
}
