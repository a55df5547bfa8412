package smm

import (
	"context"
	"log/slog"

	"github.com/roach88/cordial/internal/flow"
	"github.com/roach88/cordial/internal/transport"
	"github.com/roach88/cordial/internal/wire"
)

// handleDelivery is the transport subscription handler: it deduplicates by
// session sequence number, dispatches session-init messages through the
// factory registry, buffers in-order payloads into the owning instance's
// inbox, and wakes flows parked on the session.
func (m *Manager) handleDelivery(ctx context.Context, msg transport.Message) {
	env, err := wire.DecodeEnvelope(msg.Payload)
	if err != nil {
		slog.Warn("dropping undecodable message", "node", m.node, "session", msg.Session, "seq", msg.Seq, "error", err)
		return
	}

	m.mu.Lock()
	flowID, known := m.sessions[msg.Session]
	m.mu.Unlock()

	if !known {
		if env.Init == nil {
			// A message for a session we no longer (or never) owned -
			// usually teardown noise for a terminated flow.
			slog.Debug("dropping message for unknown session", "node", m.node, "session", msg.Session, "seq", msg.Seq)
			return
		}
		inst, ok := m.dispatchResponder(ctx, msg.Session, *env.Init)
		if !ok {
			return
		}
		flowID = inst.id
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[flowID]
	if !ok {
		return
	}
	sess, ok := inst.sessions[msg.Session]
	if !ok {
		return
	}

	// Deduplicate: anything at or below the highest sequence number already
	// buffered or consumed is a retransmission.
	highest := inst.buffered[msg.Session]
	if consumed := sess.NextRecvSeq - 1; consumed > highest {
		highest = consumed
	}
	if msg.Seq <= highest {
		slog.Debug("dropping duplicate delivery", "node", m.node, "session", msg.Session, "seq", msg.Seq)
		return
	}
	if msg.Seq != highest+1 {
		// The transport promises nondecreasing seq per session, so a gap
		// means a sender bug. Refuse rather than corrupt ordering.
		slog.Error("sequence gap on session", "node", m.node, "session", msg.Session, "got", msg.Seq, "want", highest+1)
		return
	}
	inst.buffered[msg.Session] = msg.Seq

	inst.inbox[msg.Session] = append(inst.inbox[msg.Session], inbound{
		kind:    env.Kind,
		payload: env.Payload,
		reason:  env.Reason,
	})

	if inst.waiting == flow.WaitReceive && inst.waitSession == msg.Session {
		m.makeRunnableLocked(inst)
	}
}

// dispatchResponder handles an inbound session-init: look up the factory
// for (initiating flow, version), construct the responding flow with the
// session pre-established, persist its initial checkpoint and register the
// session route. A missing factory is a protocol error answered with a
// session rejection to the initiator - it never starts flow execution and
// never crashes the node.
func (m *Manager) dispatchResponder(ctx context.Context, sid wire.SessionID, init wire.SessionInit) (*instance, bool) {
	factory, kind, ok := m.registry.Responder(init.InitiatingFlow, init.Version)
	if !ok {
		slog.Warn("rejecting session: no responder factory",
			"node", m.node,
			"initiating_flow", init.InitiatingFlow,
			"version", init.Version,
			"initiator", init.Initiator,
		)
		m.reject(init.Initiator, sid, "no responder for "+init.InitiatingFlow)
		return nil, false
	}

	logic := factory(sid, init.Initiator)
	id := flow.ID(m.ids.Generate())
	inst := newInstance(id, logic)
	inst.sessions[sid] = &flow.SessionState{
		ID:          sid,
		Peer:        init.Initiator,
		PeerFlow:    init.InitiatingFlow,
		PeerVersion: init.Version,
		Initiator:   false,
		NextSendSeq: 1,
		NextRecvSeq: 1,
	}
	inst.order = append(inst.order, sid)

	m.mu.Lock()
	m.instances[id] = inst
	m.sessions[sid] = id
	cp, err := inst.snapshotLocked()
	m.mu.Unlock()
	if err == nil {
		err = m.persist(ctx, cp)
	}
	if err != nil {
		slog.Error("responder start failed", "node", m.node, "flow", id, "error", err)
		m.mu.Lock()
		delete(m.instances, id)
		delete(m.sessions, sid)
		m.mu.Unlock()
		m.reject(init.Initiator, sid, "responder start failed")
		return nil, false
	}

	inst.progress.Publish("started: "+logic.Name(), false)
	slog.Info("responder flow started",
		"node", m.node,
		"flow", id,
		"logic", logic.Name(),
		"kind", kind,
		"initiating_flow", init.InitiatingFlow,
		"session", sid,
	)
	return inst, true
}

// reject answers a failed session establishment. Sequence 1: the initiator
// has never received anything on this session.
func (m *Manager) reject(peer wire.NodeID, sid wire.SessionID, reason string) {
	encoded, err := wire.EncodeEnvelope(wire.Envelope{Kind: wire.KindReject, Reason: reason})
	if err != nil {
		return
	}
	if err := m.transport.Send(peer, sid, 1, encoded); err != nil {
		slog.Warn("session rejection send failed", "node", m.node, "session", sid, "error", err)
	}
}
