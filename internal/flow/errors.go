package flow

import (
	"errors"
	"fmt"

	"github.com/roach88/cordial/internal/wire"
)

// ErrorCode categorizes flow errors.
type ErrorCode string

const (
	// ErrCodeSessionRejected means the responding node had no factory for
	// the requested (flow, version). Protocol error, surfaced to the
	// initiator at receive time; no responder flow ever started.
	ErrCodeSessionRejected ErrorCode = "SESSION_REJECTED"

	// ErrCodeSessionAborted means the peer flow failed or aborted the
	// session unilaterally.
	ErrCodeSessionAborted ErrorCode = "SESSION_ABORTED"

	// ErrCodeSessionClosed means a receive was attempted on a session the
	// peer has closed.
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"

	// ErrCodeCanceled means the flow was asked to terminate and the
	// cancellation took effect at a suspension point.
	ErrCodeCanceled ErrorCode = "CANCELED"

	// ErrCodeRetryExhausted means a transient infrastructure failure
	// outlived its retry budget and became a business error.
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// ErrCodeUnknownSession means logic referenced a session it never
	// opened or was not handed. Programming error in the flow.
	ErrCodeUnknownSession ErrorCode = "UNKNOWN_SESSION"
)

// Error is a structured flow error.
type Error struct {
	Code    ErrorCode
	Message string
	FlowID  ID
	Session wire.SessionID
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("%s: %s (flow=%s, session=%s)", e.Code, e.Message, e.FlowID, e.Session)
	}
	if e.FlowID != "" {
		return fmt.Sprintf("%s: %s (flow=%s)", e.Code, e.Message, e.FlowID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsSessionError reports whether err is a session-level protocol error
// (rejection, abort or close), as opposed to a business failure.
func IsSessionError(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Code {
		case ErrCodeSessionRejected, ErrCodeSessionAborted, ErrCodeSessionClosed:
			return true
		}
	}
	return false
}

// IsCanceled reports whether err is a cancellation.
func IsCanceled(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == ErrCodeCanceled
}
