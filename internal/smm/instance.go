package smm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cordial/internal/flow"
	"github.com/roach88/cordial/internal/wire"
)

// inbound is one in-order, deduplicated session delivery awaiting
// consumption by the owning flow.
type inbound struct {
	kind    wire.Kind
	payload []byte
	reason  string
}

// instance is the manager's in-memory record of one flow. Scheduling fields
// are guarded by the manager mutex; the logic value itself is only ever
// touched by the single worker currently running the flow.
type instance struct {
	id     flow.ID
	logic  flow.Logic
	step   string
	status flow.Status

	sessions map[wire.SessionID]*flow.SessionState
	order    []wire.SessionID
	inbox    map[wire.SessionID][]inbound
	buffered map[wire.SessionID]uint64

	waiting      flow.WaitKind
	waitSession  wire.SessionID
	waitUntil    time.Time
	parent       flow.ID
	child        flow.ID
	pendingChild *flow.PendingChild
	wakeup       *flow.Wakeup
	effect       *flow.Effect

	cancel     bool
	queued     bool
	waitlisted bool
	timer      *time.Timer

	progress *flow.ProgressTracker

	res      Result
	done     chan struct{}
	doneOnce sync.Once
}

func newInstance(id flow.ID, logic flow.Logic) *instance {
	return &instance{
		id:       id,
		logic:    logic,
		status:   flow.StatusCreated,
		sessions: make(map[wire.SessionID]*flow.SessionState),
		inbox:    make(map[wire.SessionID][]inbound),
		buffered: make(map[wire.SessionID]uint64),
		progress: flow.NewProgressTracker(id),
		done:     make(chan struct{}),
	}
}

// snapshotLocked builds the instance's checkpoint. Callers hold m.mu so the
// snapshot is consistent; the actual store write happens outside the lock.
func (inst *instance) snapshotLocked() (flow.Checkpoint, error) {
	locals, err := json.Marshal(inst.logic)
	if err != nil {
		return flow.Checkpoint{}, fmt.Errorf("marshal locals of %s: %w", inst.id, err)
	}

	sessions := make([]flow.SessionState, 0, len(inst.order))
	for _, sid := range inst.order {
		sessions = append(sessions, *inst.sessions[sid])
	}

	return flow.Checkpoint{
		FlowID:       inst.id,
		Logic:        inst.logic.Name(),
		Version:      inst.logic.Version(),
		Status:       inst.status,
		Step:         inst.step,
		Locals:       locals,
		Sessions:     sessions,
		Waiting:      inst.waiting,
		WaitSession:  inst.waitSession,
		WaitUntil:    inst.waitUntil,
		Parent:       inst.parent,
		Child:        inst.child,
		PendingChild: inst.pendingChild,
		Wakeup:       inst.wakeup,
		Effect:       inst.effect,
	}, nil
}

// persist writes a checkpoint built under the lock. Never called with m.mu
// held.
func (m *Manager) persist(ctx context.Context, cp flow.Checkpoint) error {
	data, err := cp.Encode()
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, string(cp.FlowID), data); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// runFlow drives one flow's step dispatcher until it parks or terminates.
// Called from exactly one worker at a time per instance - the queued flag
// guarantees an instance is never on the run queue twice.
func (m *Manager) runFlow(ctx context.Context, id flow.ID) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	for {
		if ctx.Err() != nil {
			// Shutting down: the last checkpoint is durable, just stop.
			m.parkOnShutdown(inst)
			return
		}

		m.mu.Lock()
		if inst.cancel {
			m.mu.Unlock()
			m.fail(inst, &flow.Error{Code: flow.ErrCodeCanceled, Message: "flow canceled", FlowID: inst.id})
			return
		}

		// Satisfy (or park on) the pending suspension.
		switch inst.waiting {
		case flow.WaitReceive:
			queued := inst.inbox[inst.waitSession]
			if len(queued) == 0 {
				m.parkLocked(inst)
				m.mu.Unlock()
				return
			}
			msg := queued[0]
			inst.inbox[inst.waitSession] = queued[1:]
			sess := inst.sessions[inst.waitSession]

			if msg.kind != wire.KindData {
				sess.Closed = true
				m.mu.Unlock()
				m.fail(inst, sessionError(inst.id, inst.waitSession, msg))
				return
			}

			// Consume durably before the logic observes the payload:
			// checkpoint carries the advanced recv counter plus the payload
			// as a wakeup, so a crash right after this write replays the
			// exact same resume.
			sess.NextRecvSeq++
			inst.waiting = flow.WaitNone
			inst.wakeup = &flow.Wakeup{Kind: flow.WaitReceive, Payload: msg.payload}
			cp, err := inst.snapshotLocked()
			m.mu.Unlock()
			if err != nil {
				m.fail(inst, err)
				return
			}
			if err := m.persist(ctx, cp); err != nil {
				m.fail(inst, err)
				return
			}

		case flow.WaitTimer:
			if time.Now().Before(inst.waitUntil) {
				m.parkLocked(inst)
				m.mu.Unlock()
				return
			}
			inst.waiting = flow.WaitNone
			inst.wakeup = &flow.Wakeup{Kind: flow.WaitTimer}
			cp, err := inst.snapshotLocked()
			m.mu.Unlock()
			if err != nil {
				m.fail(inst, err)
				return
			}
			if err := m.persist(ctx, cp); err != nil {
				m.fail(inst, err)
				return
			}

		case flow.WaitChild:
			if inst.wakeup == nil {
				m.parkLocked(inst)
				m.mu.Unlock()
				return
			}
			// The wakeup was made durable by the child's terminal path.
			inst.waiting = flow.WaitNone
			m.mu.Unlock()

		default:
			m.mu.Unlock()
		}

		// Run the step.
		m.mu.Lock()
		wk := inst.wakeup
		inst.wakeup = nil
		step := inst.step
		m.mu.Unlock()

		stepCtx := flow.NewContext(inst.id, step, m.openerFor(inst), func(msg string) {
			inst.progress.Publish(msg, false)
		})
		if wk != nil {
			switch wk.Kind {
			case flow.WaitReceive:
				stepCtx.Received = wk.Payload
			case flow.WaitChild:
				stepCtx.ChildResult = wk.Payload
				if wk.Err != "" {
					stepCtx.ChildErr = errors.New(wk.Err)
				}
			}
		}

		outcome, err := inst.logic.Step(stepCtx)
		if err != nil {
			m.fail(inst, err)
			return
		}

		switch outcome.Kind {
		case flow.OutcomeDone:
			m.complete(inst, outcome.Payload)
			return

		case flow.OutcomeSend:
			if err := m.issueEnvelope(ctx, inst, outcome.Session, wire.KindData, outcome.Payload, outcome.Next); err != nil {
				m.fail(inst, err)
				return
			}

		case flow.OutcomeClose:
			if err := m.issueEnvelope(ctx, inst, outcome.Session, wire.KindClose, nil, outcome.Next); err != nil {
				m.fail(inst, err)
				return
			}

		case flow.OutcomeReceive:
			m.mu.Lock()
			if _, known := inst.sessions[outcome.Session]; !known {
				m.mu.Unlock()
				m.fail(inst, &flow.Error{Code: flow.ErrCodeUnknownSession, Message: "receive on unknown session", FlowID: inst.id, Session: outcome.Session})
				return
			}
			inst.waiting = flow.WaitReceive
			inst.waitSession = outcome.Session
			inst.step = outcome.Next
			inst.status = flow.StatusSuspended
			cp, err := inst.snapshotLocked()
			m.mu.Unlock()
			if err != nil {
				m.fail(inst, err)
				return
			}
			if err := m.persist(ctx, cp); err != nil {
				m.fail(inst, err)
				return
			}
			// Loop: the top of the dispatcher either consumes an already
			// buffered message or parks.

		case flow.OutcomeSleep:
			m.mu.Lock()
			inst.waiting = flow.WaitTimer
			inst.waitUntil = time.Now().Add(outcome.Duration)
			inst.step = outcome.Next
			inst.status = flow.StatusSuspended
			cp, err := inst.snapshotLocked()
			m.mu.Unlock()
			if err != nil {
				m.fail(inst, err)
				return
			}
			if err := m.persist(ctx, cp); err != nil {
				m.fail(inst, err)
				return
			}

		case flow.OutcomeSubFlow:
			if err := m.startChild(ctx, inst, outcome); err != nil {
				m.fail(inst, err)
				return
			}

		default:
			m.fail(inst, fmt.Errorf("flow %s: unknown outcome kind %d", inst.id, outcome.Kind))
			return
		}
	}
}

// parkLocked transitions a running instance to SUSPENDED and frees its
// admission slot. Schedules the wakeup timer if the flow sleeps. Callers
// hold m.mu.
func (m *Manager) parkLocked(inst *instance) {
	inst.queued = false
	if !inst.status.Terminal() {
		inst.status = flow.StatusSuspended
	}
	if inst.waiting == flow.WaitTimer {
		d := time.Until(inst.waitUntil)
		if d < 0 {
			d = 0
		}
		if inst.timer != nil {
			inst.timer.Stop()
		}
		id := inst.id
		inst.timer = time.AfterFunc(d, func() { m.wake(id) })
	}
	m.releaseSlotLocked()
}

// parkOnShutdown releases scheduling state without touching checkpoints.
func (m *Manager) parkOnShutdown(inst *instance) {
	m.mu.Lock()
	inst.queued = false
	m.releaseSlotLocked()
	m.mu.Unlock()
}

// openerFor returns the session opener handed to a step context. Opening is
// purely local: the init header rides on the session's first send.
func (m *Manager) openerFor(inst *instance) func(peer wire.NodeID, toFlow string, version int) wire.SessionID {
	return func(peer wire.NodeID, toFlow string, version int) wire.SessionID {
		sid := wire.SessionID(m.ids.Generate())
		m.mu.Lock()
		inst.sessions[sid] = &flow.SessionState{
			ID:          sid,
			Peer:        peer,
			PeerFlow:    toFlow,
			PeerVersion: version,
			Initiator:   true,
			NextSendSeq: 1,
			NextRecvSeq: 1,
		}
		inst.order = append(inst.order, sid)
		m.sessions[sid] = inst.id
		m.mu.Unlock()
		return sid
	}
}

// issueEnvelope implements checkpoint-before-send: the effect (peer,
// session, seq, encoded envelope) is recorded in a durable checkpoint, THEN
// the send is issued with retries. Recovery replays the recorded effect
// verbatim; the receiver deduplicates by sequence number.
func (m *Manager) issueEnvelope(ctx context.Context, inst *instance, sid wire.SessionID, kind wire.Kind, payload []byte, next string) error {
	m.mu.Lock()
	sess, known := inst.sessions[sid]
	if !known {
		m.mu.Unlock()
		return &flow.Error{Code: flow.ErrCodeUnknownSession, Message: "send on unknown session", FlowID: inst.id, Session: sid}
	}
	if sess.Closed {
		m.mu.Unlock()
		return &flow.Error{Code: flow.ErrCodeSessionClosed, Message: "send on closed session", FlowID: inst.id, Session: sid}
	}

	env := wire.Envelope{Kind: kind, Payload: payload}
	if sess.Initiator && !sess.InitSent {
		env.Init = &wire.SessionInit{
			InitiatingFlow: sess.PeerFlow,
			Version:        sess.PeerVersion,
			Initiator:      m.node,
		}
		sess.InitSent = true
	}
	if kind == wire.KindClose {
		sess.Closed = true
	}

	encoded, err := wire.EncodeEnvelope(env)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	seq := sess.NextSendSeq
	sess.NextSendSeq++
	inst.step = next
	inst.status = flow.StatusRunnable
	inst.effect = &flow.Effect{Peer: sess.Peer, Session: sid, Seq: seq, Envelope: encoded}
	peer := sess.Peer
	cp, err := inst.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := m.persist(ctx, cp); err != nil {
		return err
	}
	if err := m.sendWithRetry(inst.id, peer, sid, seq, encoded); err != nil {
		return err
	}

	m.mu.Lock()
	inst.effect = nil
	m.mu.Unlock()
	return nil
}

// startChild persists the parent's commitment to the sub-flow first (with a
// PendingChild record so recovery can recreate a child whose own checkpoint
// never landed), then creates and schedules the child.
func (m *Manager) startChild(ctx context.Context, parent *instance, outcome flow.Outcome) error {
	childID := flow.ID(m.ids.Generate())
	childLocals, err := json.Marshal(outcome.Sub)
	if err != nil {
		return fmt.Errorf("marshal sub-flow locals: %w", err)
	}

	m.mu.Lock()
	parent.waiting = flow.WaitChild
	parent.child = childID
	parent.step = outcome.Next
	parent.status = flow.StatusSuspended
	parent.pendingChild = &flow.PendingChild{
		ID:      childID,
		Logic:   outcome.Sub.Name(),
		Version: outcome.Sub.Version(),
		Locals:  childLocals,
	}
	parentCP, err := parent.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.persist(ctx, parentCP); err != nil {
		return err
	}

	child := newInstance(childID, outcome.Sub)
	child.parent = parent.id

	m.mu.Lock()
	m.instances[childID] = child
	childCP, err := child.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.persist(ctx, childCP); err != nil {
		return err
	}

	m.mu.Lock()
	parent.pendingChild = nil
	m.makeRunnableLocked(child)
	m.mu.Unlock()

	slog.Debug("sub-flow started", "node", m.node, "parent", parent.id, "child", childID, "logic", outcome.Sub.Name())
	return nil
}

// complete transitions a flow to COMPLETED: sessions get an orderly close,
// a waiting parent is woken durably, the checkpoint is deleted, the result
// future resolves.
func (m *Manager) complete(inst *instance, result []byte) {
	m.finish(inst, flow.StatusCompleted, Result{Value: result}, wire.KindClose, "")
}

// fail transitions a flow to FAILED: open sessions receive an explicit
// abort so peers fail too, the checkpoint is deleted, the error propagates
// to the result future and any waiting parent.
func (m *Manager) fail(inst *instance, ferr error) {
	slog.Error("flow failed", "node", m.node, "flow", inst.id, "logic", inst.logic.Name(), "error", ferr)
	m.finish(inst, flow.StatusFailed, Result{Err: ferr}, wire.KindAbort, ferr.Error())
}

func (m *Manager) finish(inst *instance, status flow.Status, res Result, sessionKind wire.Kind, reason string) {
	m.mu.Lock()
	if inst.status.Terminal() {
		m.mu.Unlock()
		return
	}
	inst.status = status
	inst.queued = false
	if inst.timer != nil {
		inst.timer.Stop()
	}

	type farewell struct {
		peer wire.NodeID
		sid  wire.SessionID
		seq  uint64
	}
	var farewells []farewell
	for _, sid := range inst.order {
		sess := inst.sessions[sid]
		if sess.Closed || (sess.Initiator && !sess.InitSent) {
			// Never spoke on this session; nothing to tear down.
			continue
		}
		farewells = append(farewells, farewell{peer: sess.Peer, sid: sid, seq: sess.NextSendSeq})
		sess.NextSendSeq++
		sess.Closed = true
	}
	parentID := inst.parent
	childID := inst.child
	waiting := inst.waiting
	m.releaseSlotLocked()
	m.mu.Unlock()

	// Session teardown is best effort - the peer also has its own timeout
	// and failure handling. No checkpoint precedes these sends: duplicates
	// after recovery are deduplicated, absence is survivable.
	env := wire.Envelope{Kind: sessionKind, Reason: reason}
	if encoded, err := wire.EncodeEnvelope(env); err == nil {
		for _, f := range farewells {
			if err := m.transport.Send(f.peer, f.sid, f.seq, encoded); err != nil {
				slog.Warn("session teardown send failed", "node", m.node, "flow", inst.id, "session", f.sid, "error", err)
			}
		}
	}

	// A still-running child has lost its caller; cancel it.
	if waiting == flow.WaitChild && childID != "" && status == flow.StatusFailed {
		m.Cancel(childID)
	}

	// Wake the parent durably BEFORE deleting our checkpoint: the child's
	// terminal outcome must survive a crash in between.
	if parentID != "" {
		var errText string
		if res.Err != nil {
			errText = res.Err.Error()
		}
		m.notifyParent(parentID, inst.id, res.Value, errText)
	}

	if err := m.store.Delete(context.Background(), string(inst.id)); err != nil {
		slog.Error("checkpoint delete failed", "node", m.node, "flow", inst.id, "error", err)
	}

	m.mu.Lock()
	for _, sid := range inst.order {
		delete(m.sessions, sid)
	}
	m.mu.Unlock()

	inst.res = res
	inst.doneOnce.Do(func() { close(inst.done) })
	if res.Err != nil {
		inst.progress.Publish("failed: "+res.Err.Error(), true)
	} else {
		inst.progress.Publish("completed", true)
	}
	slog.Info("flow finished", "node", m.node, "flow", inst.id, "status", status)
}

// notifyParent persists the child's terminal outcome into the parent's
// checkpoint as a wakeup, then schedules the parent. Ignored if the parent
// has moved on (stale child).
//
// The wakeup is written to the store BEFORE it becomes visible in memory: a
// parent that observed it early could run ahead and persist newer
// checkpoints that this (then stale) write would regress.
func (m *Manager) notifyParent(parentID, childID flow.ID, payload []byte, errText string) {
	m.mu.Lock()
	parent, ok := m.instances[parentID]
	if !ok || parent.status.Terminal() || parent.waiting != flow.WaitChild || parent.child != childID {
		m.mu.Unlock()
		return
	}
	cp, err := parent.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		slog.Error("parent wakeup snapshot failed", "node", m.node, "parent", parentID, "error", err)
		return
	}

	wk := &flow.Wakeup{Kind: flow.WaitChild, Payload: payload, Err: errText}
	cp.Wakeup = wk
	cp.PendingChild = nil
	cp.Child = ""
	if err := m.persist(context.Background(), cp); err != nil {
		slog.Error("parent wakeup persist failed", "node", m.node, "parent", parentID, "error", err)
		return
	}

	m.mu.Lock()
	// A parent parked on a child cannot advance without the wakeup, so the
	// only way it moved during the persist is cancellation into a terminal
	// state. In that case the write above resurrected a deleted row.
	stale := parent.status.Terminal() || parent.waiting != flow.WaitChild || parent.child != childID
	if !stale {
		parent.wakeup = wk
		parent.pendingChild = nil
		parent.child = ""
	}
	m.mu.Unlock()

	if stale {
		if err := m.store.Delete(context.Background(), string(parentID)); err != nil {
			slog.Error("stale parent checkpoint delete failed", "node", m.node, "parent", parentID, "error", err)
		}
		return
	}
	m.wake(parentID)
}

func sessionError(id flow.ID, sid wire.SessionID, msg inbound) error {
	switch msg.kind {
	case wire.KindReject:
		return &flow.Error{Code: flow.ErrCodeSessionRejected, Message: msg.reason, FlowID: id, Session: sid}
	case wire.KindAbort:
		return &flow.Error{Code: flow.ErrCodeSessionAborted, Message: msg.reason, FlowID: id, Session: sid}
	default:
		return &flow.Error{Code: flow.ErrCodeSessionClosed, Message: "session closed by peer", FlowID: id, Session: sid}
	}
}
