package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/cordial/internal/checkpoint"
	"github.com/roach88/cordial/internal/config"
	"github.com/roach88/cordial/internal/flow"
	"github.com/roach88/cordial/internal/notary"
	"github.com/roach88/cordial/internal/smm"
	"github.com/roach88/cordial/internal/testutil"
	"github.com/roach88/cordial/internal/transport"
	"github.com/roach88/cordial/internal/uniq"
	"github.com/roach88/cordial/internal/uniq/bft"
	"github.com/roach88/cordial/internal/uniq/raft"
	"github.com/roach88/cordial/internal/wire"
)

// Node names of the in-process pair.
const (
	ClientNode wire.NodeID = "client"
	ServerNode wire.NodeID = "server"
)

// stepTimeout bounds each scenario step. Generous because raft scenarios
// ride out a leader election on the first request.
const stepTimeout = 15 * time.Second

// Harness holds one scenario's in-process world: two nodes on an in-memory
// transport, with the server hosting the notary over the scenario's
// consensus backend.
type Harness struct {
	clock   *testutil.DeterministicClock
	client  *smm.Manager
	server  *smm.Manager
	service *notary.Service
	cleanup []func()
}

// Run executes a scenario and returns its result.
//
// Each scenario runs in a fresh world for isolation. Steps execute strictly
// sequentially and ids come from fixed generators, so the recorded trace is
// deterministic.
func Run(scenario *Scenario) (*Result, error) {
	h, err := setup(scenario)
	if err != nil {
		return nil, err
	}
	defer h.teardown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.client.Run(ctx)
	go h.server.Run(ctx)

	result := NewResult()
	for i, step := range scenario.Exchange {
		if err := h.runExchange(ctx, step, result); err != nil {
			return nil, fmt.Errorf("exchange[%d]: %w", i, err)
		}
	}
	for i, step := range scenario.Transactions {
		if err := h.runTransaction(ctx, step, result); err != nil {
			return nil, fmt.Errorf("transactions[%d]: %w", i, err)
		}
	}
	return result, nil
}

func setup(scenario *Scenario) (*Harness, error) {
	h := &Harness{clock: testutil.NewDeterministicClock()}

	provider, cleanup, err := buildProvider(scenario.Backend)
	if err != nil {
		return nil, err
	}
	h.cleanup = append(h.cleanup, cleanup)

	var opts []notary.Option
	if scenario.Validating {
		// The conformance validator rejects a well-known poison payload so
		// scenarios can exercise both validation outcomes.
		opts = append(opts, notary.WithValidation(notary.ValidatorFunc(
			func(ctx context.Context, req uniq.Request) error {
				if string(req.Payload) == "invalid" {
					return fmt.Errorf("transaction rejected by validator")
				}
				return nil
			})))
	}
	h.service, err = notary.NewService(provider, opts...)
	if err != nil {
		return nil, err
	}

	network := transport.NewNetwork()
	clientReg := flow.NewRegistry()
	serverReg := flow.NewRegistry()
	if err := notary.Install(clientReg, nil); err != nil {
		return nil, err
	}
	if err := notary.Install(serverReg, h.service); err != nil {
		return nil, err
	}
	if err := InstallEcho(clientReg, false); err != nil {
		return nil, err
	}
	if err := InstallEcho(serverReg, true); err != nil {
		return nil, err
	}

	h.client = smm.New(ClientNode, checkpoint.NewMemoryStore(), network.Node(ClientNode),
		clientReg, smm.WithIDGenerator(testutil.NewFixedIDs("c")))
	h.server = smm.New(ServerNode, checkpoint.NewMemoryStore(), network.Node(ServerNode),
		serverReg, smm.WithIDGenerator(testutil.NewFixedIDs("s")))
	return h, nil
}

// buildProvider stands up the scenario's consensus backend. Raft gets three
// replicas, BFT gets four with f=1; the client talks to the first replica.
func buildProvider(backend config.Backend) (uniq.Provider, func(), error) {
	switch backend {
	case config.BackendSingle:
		return uniq.NewSingle(uniq.NewMemoryState()), func() {}, nil

	case config.BackendRaft:
		members := []string{"r1", "r2", "r3"}
		cluster := transport.NewClusterNetwork()
		replicas := make([]*raft.Replica, len(members))
		for i, id := range members {
			replicas[i] = raft.NewReplica(id, members, cluster.Join(id), uniq.NewMemoryState(),
				raft.WithTimeouts(10*time.Millisecond, 50*time.Millisecond, 100*time.Millisecond))
		}
		cleanup := func() {
			for _, r := range replicas {
				r.Close()
			}
		}
		return replicas[0], cleanup, nil

	case config.BackendBFT:
		members := []string{"b1", "b2", "b3", "b4"}
		cluster := transport.NewClusterNetwork()
		replicas := make([]*bft.Replica, len(members))
		for i, id := range members {
			r, err := bft.NewReplica(id, members, 1, cluster.Join(id), uniq.NewMemoryState())
			if err != nil {
				return nil, nil, err
			}
			replicas[i] = r
		}
		cleanup := func() {
			for _, r := range replicas {
				r.Close()
			}
		}
		return replicas[0], cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func (h *Harness) teardown() {
	for _, fn := range h.cleanup {
		fn()
	}
}

func (h *Harness) runExchange(ctx context.Context, step ExchangeStep, result *Result) error {
	handle, err := h.client.Start(&EchoFlow{Server: ServerNode, Payload: []byte(step.Payload)})
	if err != nil {
		return err
	}
	result.AddEvent(TraceEvent{Type: EventSent, Node: string(ClientNode), Detail: step.Payload, Seq: h.clock.Next()})

	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	value, err := handle.Await(stepCtx)
	if err != nil {
		result.AddEvent(TraceEvent{Type: EventError, Node: string(ClientNode), Detail: err.Error(), Seq: h.clock.Next()})
		result.AddError(fmt.Sprintf("exchange %q failed: %v", step.Payload, err))
		return nil
	}

	result.AddEvent(TraceEvent{Type: EventEchoed, Node: string(ServerNode), Detail: string(value), Seq: h.clock.Next()})
	if string(value) != step.Payload {
		result.AddError(fmt.Sprintf("exchange %q echoed as %q", step.Payload, value))
	}
	return nil
}

func (h *Harness) runTransaction(ctx context.Context, step TxStep, result *Result) error {
	refs := make([]uniq.Ref, len(step.Refs))
	for i, r := range step.Refs {
		refs[i] = uniq.Ref(r)
	}
	req := uniq.Request{
		TxID:     uniq.TxID(step.Tx),
		Identity: step.Identity,
		Refs:     refs,
		Payload:  []byte(step.Payload),
	}

	handle, err := h.client.Start(&notary.RequestFlow{
		Notary:    ServerNode,
		Request:   req,
		NotaryKey: h.service.PublicKey(),
	})
	if err != nil {
		return err
	}
	result.AddEvent(TraceEvent{Type: EventSent, Node: string(ClientNode), Tx: step.Tx, Seq: h.clock.Next()})

	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	value, err := handle.Await(stepCtx)
	if err != nil {
		result.AddEvent(TraceEvent{Type: EventError, Tx: step.Tx, Detail: err.Error(), Seq: h.clock.Next()})
		checkError(step, err, result)
		return nil
	}

	res, err := wire.DecodeUniquenessResult(value)
	if err != nil {
		return err
	}
	ev := TraceEvent{Type: EventVerdict, Node: string(ServerNode), Tx: step.Tx, Verdict: string(res.Verdict), Seq: h.clock.Next()}
	if res.Verdict == uniq.VerdictConflicted {
		ev.Detail = string(res.ConflictTx)
	}
	result.AddEvent(ev)
	checkVerdict(step, res, result)
	return nil
}
