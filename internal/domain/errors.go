package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the game packages.
type Kind string

const (
	KindNotAuthenticated Kind = "not_authenticated"
	KindNotAuthorized    Kind = "not_authorized"
	KindIllegalMove      Kind = "illegal_move"
	KindDecodeFailure    Kind = "decode_failure"
	KindStaleSnapshot    Kind = "stale_snapshot"
	KindBroadcastTimeout Kind = "broadcast_timeout"
	KindBroadcastFailed  Kind = "broadcast_failed"
	KindNotFound         Kind = "not_found"
	KindInFlight         Kind = "in_flight"
	KindGameOver         Kind = "game_over"
	KindInvalidArgument  Kind = "invalid_argument"
)

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrNotAuthenticated = &Error{Kind: KindNotAuthenticated}
	ErrNotAuthorized    = &Error{Kind: KindNotAuthorized}
	ErrIllegalMove      = &Error{Kind: KindIllegalMove}
	ErrDecodeFailure    = &Error{Kind: KindDecodeFailure}
	ErrStaleSnapshot    = &Error{Kind: KindStaleSnapshot}
	ErrBroadcastTimeout = &Error{Kind: KindBroadcastTimeout, Retryable: true}
	ErrBroadcastFailed  = &Error{Kind: KindBroadcastFailed, Retryable: true}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInFlight         = &Error{Kind: KindInFlight, Retryable: true}
	ErrGameOver         = &Error{Kind: KindGameOver}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
)

type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an *Error of kind k. Retryable follows the kind.
func E(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Message: fmt.Sprintf(format, args...), Retryable: retryable(k)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err, Retryable: retryable(k)}
}

func retryable(k Kind) bool {
	switch k {
	case KindBroadcastTimeout, KindBroadcastFailed, KindInFlight:
		return true
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsRetryable reports whether the user may simply try again.
func IsRetryable(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Retryable
}
