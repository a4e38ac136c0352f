package types

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can tell "nothing happened" apart from
// "something went wrong".
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindTimeout
	KindCanceled
	KindHostUnreachable
	KindChannelLost
	KindNoLocalAddress
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindHostUnreachable:
		return "host unreachable"
	case KindChannelLost:
		return "channel lost"
	case KindNoLocalAddress:
		return "no local address"
	case KindParse:
		return "parse error"
	default:
		return "unknown"
	}
}

// Error represents a failed engine operation
type Error struct {
	Kind Kind   // Failure class
	Op   string // Operation that failed
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare sentinels below by kind, so errors.Is(err, ErrTimeout) holds for
// every timeout regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTransport       = &Error{Kind: KindTransport}
	ErrProtocol        = &Error{Kind: KindProtocol}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrCanceled        = &Error{Kind: KindCanceled}
	ErrHostUnreachable = &Error{Kind: KindHostUnreachable}
	ErrChannelLost     = &Error{Kind: KindChannelLost}
	ErrNoLocalAddress  = &Error{Kind: KindNoLocalAddress}
	ErrParse           = &Error{Kind: KindParse}
)

// NewError creates a new engine error
func NewError(kind Kind, op string, err error) error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FromContext converts a context error into Canceled or Timeout. Cancellation wins when
// both apply. Other errors are returned unchanged.
func FromContext(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return NewError(KindCanceled, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, op, err)
	}
	return err
}
