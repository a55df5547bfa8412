// Package notary implements the uniqueness notarization service: it accepts
// consumption requests, optionally validates the underlying transaction,
// asks its configured consensus backend for a verdict, and attests granted
// uniqueness with a signature over the canonical request digest.
//
// The service is backend-agnostic. Whether uniqueness is decided by a single
// authority, a Raft majority or a BFT quorum is the provider's concern; the
// validating/non-validating mode is orthogonal to that choice.
package notary

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/roach88/cordial/internal/uniq"
	"github.com/roach88/cordial/internal/wire"
)

// Validator re-derives contract validity from a transaction payload. Only
// validating notaries carry one; what "valid" means is the ledger
// application's business.
type Validator interface {
	Validate(ctx context.Context, req uniq.Request) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, req uniq.Request) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, req uniq.Request) error {
	return f(ctx, req)
}

// Service answers uniqueness requests by dispatching to a consensus
// provider, and signs Committed verdicts.
type Service struct {
	provider   uniq.Provider
	validating bool
	validator  Validator
	key        ed25519.PrivateKey
}

// Option configures a Service.
type Option func(*Service)

// WithValidation puts the service in validating mode: every request must
// carry the full transaction payload and pass v before it is forwarded to
// the provider. An invalid transaction is rejected locally and never
// consumes anything.
func WithValidation(v Validator) Option {
	return func(s *Service) {
		s.validating = true
		s.validator = v
	}
}

// WithSigningKey installs the notary's long-lived attestation key. Without
// it a fresh key is generated at construction, which is fine for tests and
// single-run nodes but gives clients nothing stable to pin.
func WithSigningKey(key ed25519.PrivateKey) Option {
	return func(s *Service) { s.key = key }
}

// NewService builds a notary over the given consensus provider.
func NewService(provider uniq.Provider, opts ...Option) (*Service, error) {
	s := &Service{provider: provider}
	for _, opt := range opts {
		opt(s)
	}
	if s.validating && s.validator == nil {
		return nil, fmt.Errorf("notary: validating mode requires a validator")
	}
	if s.key == nil {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("notary: generate signing key: %w", err)
		}
		s.key = key
	}
	return s, nil
}

// PublicKey returns the key clients verify attestations against.
func (s *Service) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// RequestUniqueness validates (per mode) and forwards a consumption request
// to the consensus provider, attaching an attestation signature to
// Committed results.
//
// A Conflicted result is a successful call. Errors mean the request did not
// reach a known terminal verdict; retryable ones are safe to resubmit with
// the same transaction id.
func (s *Service) RequestUniqueness(ctx context.Context, req uniq.Request) (uniq.Result, error) {
	if err := req.Validate(); err != nil {
		return uniq.Result{}, err
	}

	if s.validating {
		if len(req.Payload) == 0 {
			return uniq.Result{}, &uniq.Error{
				Code:    uniq.ErrCodeBadRequest,
				Message: "validating notary requires the transaction payload",
				TxID:    req.TxID,
			}
		}
		if err := s.validator.Validate(ctx, req); err != nil {
			slog.Info("notary rejected invalid transaction", "tx", req.TxID, "error", err)
			return uniq.Result{}, &uniq.Error{
				Code:    uniq.ErrCodeBadRequest,
				Message: fmt.Sprintf("transaction invalid: %v", err),
				TxID:    req.TxID,
			}
		}
	} else if req.Identity == "" {
		// Non-validating notaries trust the caller's signature; it at least
		// has to name a signer.
		return uniq.Result{}, &uniq.Error{
			Code:    uniq.ErrCodeBadRequest,
			Message: "missing signing identity",
			TxID:    req.TxID,
		}
	}

	res, err := s.provider.Commit(ctx, req)
	if err != nil {
		return uniq.Result{}, err
	}
	if res.Verdict == uniq.VerdictCommitted {
		digest := wire.RequestDigest(req)
		res.Signature = ed25519.Sign(s.key, digest[:])
	}
	slog.Debug("notary verdict", "tx", req.TxID, "verdict", res.Verdict)
	return res, nil
}

// VerifyAttestation checks the notary's signature on a Committed result
// against the original request and the notary's public key.
func VerifyAttestation(pub ed25519.PublicKey, req uniq.Request, res uniq.Result) error {
	if res.Verdict != uniq.VerdictCommitted {
		return fmt.Errorf("notary: no attestation on %s results", res.Verdict)
	}
	if len(res.Signature) == 0 {
		return fmt.Errorf("notary: result carries no signature")
	}
	digest := wire.RequestDigest(req)
	if !ed25519.Verify(pub, digest[:], res.Signature) {
		return fmt.Errorf("notary: attestation signature does not verify")
	}
	return nil
}
