package uniq

import (
	"context"
	"errors"
	"fmt"
)

// TxID identifies a transaction requesting consumption of resources.
type TxID string

// Ref identifies a consumable ledger resource. The format is opaque to the
// provider; equality is the only operation it relies on.
type Ref string

// Request asks the provider to consume a set of resource references on
// behalf of one transaction.
type Request struct {
	// TxID is the consuming transaction's id. Resubmission with the same
	// TxID is idempotent.
	TxID TxID `json:"tx_id"`

	// Identity names the party whose signature covers the request.
	Identity string `json:"identity"`

	// Refs is the ordered set of resource references the transaction
	// consumes. Order is preserved for digest computation; duplicates are
	// rejected.
	Refs []Ref `json:"refs"`

	// Payload optionally carries the full transaction for validating
	// notaries. Non-validating paths ignore it.
	Payload []byte `json:"payload,omitempty"`
}

// Validate checks structural well-formedness. It does not check signatures
// or contract validity - that is the notary service's job.
func (r Request) Validate() error {
	if r.TxID == "" {
		return &Error{Code: ErrCodeBadRequest, Message: "missing transaction id"}
	}
	if len(r.Refs) == 0 {
		return &Error{Code: ErrCodeBadRequest, Message: "no resource references", TxID: r.TxID}
	}
	seen := make(map[Ref]bool, len(r.Refs))
	for _, ref := range r.Refs {
		if ref == "" {
			return &Error{Code: ErrCodeBadRequest, Message: "empty resource reference", TxID: r.TxID}
		}
		if seen[ref] {
			return &Error{Code: ErrCodeBadRequest, Message: fmt.Sprintf("duplicate resource reference %s", ref), TxID: r.TxID}
		}
		seen[ref] = true
	}
	return nil
}

// Verdict is the terminal outcome of a uniqueness request.
type Verdict string

const (
	// VerdictCommitted means every reference was free (or already consumed
	// by this same transaction) and is now bound to it.
	VerdictCommitted Verdict = "COMMITTED"

	// VerdictConflicted means at least one reference was already consumed
	// by a different transaction.
	VerdictConflicted Verdict = "CONFLICTED"
)

// Result is the terminal answer to a Request.
//
// A Conflicted result is a normal outcome, not an error: the conflicting
// transaction id is reported so the caller can make a business decision.
type Result struct {
	Verdict Verdict `json:"verdict"`

	// ConflictTx and ConflictRef identify the first conflicting binding
	// found. Set only when Verdict is VerdictConflicted.
	ConflictTx  TxID `json:"conflict_tx,omitempty"`
	ConflictRef Ref  `json:"conflict_ref,omitempty"`

	// Signature is the notary's attestation over the request digest,
	// attached by the notary service on Committed results. Providers leave
	// it empty.
	Signature []byte `json:"signature,omitempty"`
}

// Provider is the pluggable consensus backend.
//
// Commit blocks until the request reaches a terminal verdict or ctx
// expires. A non-nil error means the request did NOT reach a known terminal
// state from the caller's point of view; if the error is retryable the
// caller may resubmit with the same TxID and will observe the original
// verdict (idempotency). The eventual resolution of a timed-out request is
// still applied to consensus state even though the caller stopped waiting.
type Provider interface {
	Commit(ctx context.Context, req Request) (Result, error)
}

// ErrorCode categorizes provider errors.
type ErrorCode string

const (
	// ErrCodeBadRequest marks a structurally invalid request. Not retryable.
	ErrCodeBadRequest ErrorCode = "BAD_REQUEST"

	// ErrCodeTimeout marks a request that did not reach a terminal state in
	// time. Retryable: resubmission with the same TxID is safe.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeUnavailable marks a backend that cannot currently serve
	// requests (single replica down, leader election in progress, view
	// change in progress). Retryable.
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
)

// Error is a structured provider error.
type Error struct {
	Code    ErrorCode
	Message string
	TxID    TxID
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("%s: %s (tx=%s)", e.Code, e.Message, e.TxID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRetryable reports whether err represents a transient condition that the
// caller may safely retry by resubmitting the same request.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == ErrCodeTimeout || pe.Code == ErrCodeUnavailable
	}
	return false
}
