package notary

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/roach88/cordial/internal/flow"
	"github.com/roach88/cordial/internal/uniq"
	"github.com/roach88/cordial/internal/wire"
)

// FlowName is the initiating-flow identity of the notarization protocol.
// Responder dispatch on the notary node keys on it.
const FlowName = "cordial/notarize"

const responderName = "cordial/notarize/responder"

// RequestFlow is the client side of the notarization protocol: open a
// session to the notary node, send the uniqueness request, wait for the
// verdict. The flow's result is the encoded UniquenessResult.
//
// If NotaryKey is set, a Committed verdict must carry a valid attestation
// signature under that key or the flow fails.
type RequestFlow struct {
	Notary    wire.NodeID    `json:"notary"`
	Request   uniq.Request   `json:"request"`
	NotaryKey []byte         `json:"notary_key,omitempty"`
	Session   wire.SessionID `json:"session,omitempty"`
}

// Name implements flow.Logic.
func (f *RequestFlow) Name() string { return FlowName }

// Version implements flow.Logic.
func (f *RequestFlow) Version() int { return flow.PlatformVersion }

// Step implements flow.Logic.
func (f *RequestFlow) Step(ctx *flow.Context) (flow.Outcome, error) {
	switch ctx.Step {
	case "":
		f.Session = ctx.Open(f.Notary, f.Name(), f.Version())
		payload, err := wire.EncodeUniquenessRequest(f.Request)
		if err != nil {
			return flow.Outcome{}, err
		}
		ctx.Progress(fmt.Sprintf("requesting uniqueness for %s", f.Request.TxID))
		return flow.Send(f.Session, payload, "await"), nil

	case "await":
		return flow.Receive(f.Session, "finish"), nil

	case "finish":
		res, err := wire.DecodeUniquenessResult(ctx.Received)
		if err != nil {
			return flow.Outcome{}, err
		}
		if len(f.NotaryKey) > 0 && res.Verdict == uniq.VerdictCommitted {
			if err := VerifyAttestation(ed25519.PublicKey(f.NotaryKey), f.Request, res); err != nil {
				return flow.Outcome{}, err
			}
		}
		ctx.Progress(fmt.Sprintf("verdict %s for %s", res.Verdict, f.Request.TxID))
		return flow.Done(ctx.Received), nil

	default:
		return flow.Outcome{}, fmt.Errorf("unknown step %q", ctx.Step)
	}
}

// responderFlow is the notary side: receive one request on the inbound
// session, decide it through the service, send the verdict back and close.
//
// The service handle is injected by the registered factory and survives
// recovery through the registry constructor; it is not part of the
// checkpointed locals.
type responderFlow struct {
	Session  wire.SessionID `json:"session"`
	Peer     wire.NodeID    `json:"peer"`
	Req      uniq.Request   `json:"req,omitempty"`
	Attempts int            `json:"attempts,omitempty"`

	svc *Service
}

// maxDecideAttempts bounds retries of retryable provider errors (leader
// election, view change) before the flow fails and aborts the session.
const maxDecideAttempts = 5

const decideRetryDelay = 100 * time.Millisecond

func (f *responderFlow) Name() string { return responderName }

func (f *responderFlow) Version() int { return flow.PlatformVersion }

func (f *responderFlow) Step(ctx *flow.Context) (flow.Outcome, error) {
	switch ctx.Step {
	case "":
		return flow.Receive(f.Session, "decide"), nil

	case "decide":
		req, err := wire.DecodeUniquenessRequest(ctx.Received)
		if err != nil {
			return flow.Outcome{}, err
		}
		f.Req = req
		return f.decide(ctx)

	case "retry":
		return f.decide(ctx)

	case "close":
		return flow.Close(f.Session, "done"), nil

	case "done":
		return flow.Done(nil), nil

	default:
		return flow.Outcome{}, fmt.Errorf("unknown step %q", ctx.Step)
	}
}

// decide asks the service for a verdict. Retryable provider errors
// (resubmission is idempotent on the transaction id) park the flow briefly
// and try again; anything else fails the flow, and the farewell abort
// surfaces the failure to the client's receive as a session error.
func (f *responderFlow) decide(ctx *flow.Context) (flow.Outcome, error) {
	res, err := f.svc.RequestUniqueness(context.Background(), f.Req)
	if err != nil {
		if uniq.IsRetryable(err) && f.Attempts < maxDecideAttempts {
			f.Attempts++
			return flow.Sleep(decideRetryDelay, "retry"), nil
		}
		return flow.Outcome{}, err
	}
	payload, err := wire.EncodeUniquenessResult(res)
	if err != nil {
		return flow.Outcome{}, err
	}
	ctx.Progress(fmt.Sprintf("decided %s: %s", f.Req.TxID, res.Verdict))
	return flow.Send(f.Session, payload, "close"), nil
}

// Install registers the notarization protocol on a node's registry: the
// responder factory plus the recovery constructors for both flow types.
// Client-only nodes pass svc == nil and still get the request flow's
// constructor; the responder side is skipped.
func Install(reg *flow.Registry, svc *Service) error {
	if err := reg.Register(func() flow.Logic { return &RequestFlow{} }); err != nil {
		return err
	}
	if svc == nil {
		return nil
	}
	if err := reg.Register(func() flow.Logic { return &responderFlow{svc: svc} }); err != nil {
		return err
	}
	return reg.RegisterResponder(FlowName, flow.PlatformVersion, flow.FactoryCore,
		func(session wire.SessionID, peer wire.NodeID) flow.Logic {
			return &responderFlow{Session: session, Peer: peer, svc: svc}
		})
}
