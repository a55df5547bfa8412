package harness

import (
	"fmt"

	"github.com/roach88/cordial/internal/flow"
	"github.com/roach88/cordial/internal/wire"
)

// The echo protocol is the scenario exchange primitive: the client sends one
// payload, the server sends it back unchanged and closes. It exercises the
// full session path (open, ordered send/receive, orderly close) without any
// business logic in the way.

const echoFlowName = "cordial/echo"

// EchoFlow is the initiating side of the echo protocol. Its result is the
// echoed payload.
type EchoFlow struct {
	Server  wire.NodeID    `json:"server"`
	Payload []byte         `json:"payload"`
	Session wire.SessionID `json:"session,omitempty"`
}

// Name implements flow.Logic.
func (f *EchoFlow) Name() string { return echoFlowName }

// Version implements flow.Logic.
func (f *EchoFlow) Version() int { return flow.PlatformVersion }

// Step implements flow.Logic.
func (f *EchoFlow) Step(ctx *flow.Context) (flow.Outcome, error) {
	switch ctx.Step {
	case "":
		f.Session = ctx.Open(f.Server, f.Name(), f.Version())
		return flow.Send(f.Session, f.Payload, "await"), nil
	case "await":
		return flow.Receive(f.Session, "finish"), nil
	case "finish":
		return flow.Done(ctx.Received), nil
	default:
		return flow.Outcome{}, fmt.Errorf("unknown step %q", ctx.Step)
	}
}

type echoResponder struct {
	Session wire.SessionID `json:"session"`
	Peer    wire.NodeID    `json:"peer"`
}

func (f *echoResponder) Name() string { return echoFlowName + "/responder" }

func (f *echoResponder) Version() int { return flow.PlatformVersion }

func (f *echoResponder) Step(ctx *flow.Context) (flow.Outcome, error) {
	switch ctx.Step {
	case "":
		return flow.Receive(f.Session, "reply"), nil
	case "reply":
		return flow.Send(f.Session, ctx.Received, "close"), nil
	case "close":
		return flow.Close(f.Session, "done"), nil
	case "done":
		return flow.Done(nil), nil
	default:
		return flow.Outcome{}, fmt.Errorf("unknown step %q", ctx.Step)
	}
}

// InstallEcho registers the echo protocol: the initiating flow's recovery
// constructor on every node, the responder on nodes passed serve == true.
func InstallEcho(reg *flow.Registry, serve bool) error {
	if err := reg.Register(func() flow.Logic { return &EchoFlow{} }); err != nil {
		return err
	}
	if !serve {
		return nil
	}
	if err := reg.Register(func() flow.Logic { return &echoResponder{} }); err != nil {
		return err
	}
	return reg.RegisterResponder(echoFlowName, flow.PlatformVersion, flow.FactoryCore,
		func(session wire.SessionID, peer wire.NodeID) flow.Logic {
			return &echoResponder{Session: session, Peer: peer}
		})
}
