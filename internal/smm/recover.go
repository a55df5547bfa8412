package smm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cordial/internal/flow"
)

// RecoverAll reloads every non-terminal checkpoint at node startup and
// resumes each flow with no business-visible gap: pending effects are
// re-issued (receivers deduplicate), timers are rescheduled, receive-parked
// flows wait for redelivery, and a sub-flow whose own checkpoint never
// landed is recreated from its parent's PendingChild record.
//
// A checkpoint that cannot be decoded, or whose logic has no registered
// constructor, is quarantined: the node refuses to resume that flow rather
// than guess its state, logs an operational alarm, and keeps going. The
// quarantined flow ids are returned so the operator can act.
func (m *Manager) RecoverAll(ctx context.Context) ([]flow.ID, error) {
	records, err := m.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover: load checkpoints: %w", err)
	}

	var quarantined []flow.ID
	var recovered []*instance

	for _, rec := range records {
		cp, err := flow.DecodeCheckpoint(rec.Data)
		if err != nil {
			slog.Error("ALARM: refusing to resume flow: corrupt checkpoint",
				"node", m.node, "flow", rec.FlowID, "error", err)
			quarantined = append(quarantined, flow.ID(rec.FlowID))
			continue
		}
		if cp.Status.Terminal() {
			// Terminal snapshots are never written; a stale row means the
			// delete raced a crash. Finish the cleanup.
			if err := m.store.Delete(ctx, rec.FlowID); err != nil {
				slog.Warn("stale terminal checkpoint delete failed", "node", m.node, "flow", rec.FlowID, "error", err)
			}
			continue
		}

		inst, err := m.rebuild(cp)
		if err != nil {
			slog.Error("ALARM: refusing to resume flow",
				"node", m.node, "flow", cp.FlowID, "logic", cp.Logic, "error", err)
			quarantined = append(quarantined, cp.FlowID)
			continue
		}
		recovered = append(recovered, inst)
	}

	// Recreate children that were committed to by a parent but whose own
	// first checkpoint never landed.
	for _, inst := range recovered {
		m.mu.Lock()
		pending := inst.pendingChild
		m.mu.Unlock()
		if pending == nil {
			continue
		}
		if _, exists := m.lookup(pending.ID); exists {
			continue
		}
		child, err := m.recreateChild(inst.id, *pending)
		if err != nil {
			slog.Error("ALARM: refusing to resume flow: sub-flow unrecoverable",
				"node", m.node, "flow", inst.id, "child", pending.ID, "error", err)
			quarantined = append(quarantined, inst.id)
			continue
		}
		recovered = append(recovered, child)
	}

	// Schedule. Effects are re-issued before anything runs so replayed
	// sends keep their original order relative to new ones.
	for _, inst := range recovered {
		m.mu.Lock()
		effect := inst.effect
		m.mu.Unlock()
		if effect != nil {
			if err := m.sendWithRetry(inst.id, effect.Peer, effect.Session, effect.Seq, effect.Envelope); err != nil {
				slog.Error("recovered effect replay failed", "node", m.node, "flow", inst.id, "error", err)
				m.fail(inst, err)
				continue
			}
			m.mu.Lock()
			inst.effect = nil
			m.mu.Unlock()
		}

		m.mu.Lock()
		switch inst.waiting {
		case flow.WaitReceive:
			if inst.wakeup != nil || len(inst.inbox[inst.waitSession]) > 0 {
				m.makeRunnableLocked(inst)
			}
			// Otherwise stay parked: the transport redelivers what was
			// queued while the node was down.
		case flow.WaitTimer:
			if !time.Now().Before(inst.waitUntil) {
				m.makeRunnableLocked(inst)
			} else {
				d := time.Until(inst.waitUntil)
				id := inst.id
				inst.timer = time.AfterFunc(d, func() { m.wake(id) })
			}
		case flow.WaitChild:
			if inst.wakeup != nil {
				m.makeRunnableLocked(inst)
			}
			// Otherwise the child is live and will wake us.
		default:
			m.makeRunnableLocked(inst)
		}
		m.mu.Unlock()
	}

	slog.Info("recovery complete",
		"node", m.node,
		"resumed", len(recovered),
		"quarantined", len(quarantined),
	)
	return quarantined, nil
}

// rebuild reconstructs an in-memory instance from its checkpoint.
func (m *Manager) rebuild(cp flow.Checkpoint) (*instance, error) {
	ctor, ok := m.registry.Constructor(cp.Logic, cp.Version)
	if !ok {
		return nil, fmt.Errorf("no constructor registered for %s v%d", cp.Logic, cp.Version)
	}
	logic := ctor()
	if err := json.Unmarshal(cp.Locals, logic); err != nil {
		return nil, fmt.Errorf("unmarshal locals: %w", err)
	}

	inst := newInstance(cp.FlowID, logic)
	inst.step = cp.Step
	inst.status = flow.StatusSuspended
	inst.waiting = cp.Waiting
	inst.waitSession = cp.WaitSession
	inst.waitUntil = cp.WaitUntil
	inst.parent = cp.Parent
	inst.child = cp.Child
	inst.pendingChild = cp.PendingChild
	inst.wakeup = cp.Wakeup
	inst.effect = cp.Effect

	m.mu.Lock()
	for i := range cp.Sessions {
		ss := cp.Sessions[i]
		inst.sessions[ss.ID] = &ss
		inst.order = append(inst.order, ss.ID)
		m.sessions[ss.ID] = cp.FlowID
	}
	m.instances[cp.FlowID] = inst
	m.mu.Unlock()
	return inst, nil
}

// recreateChild rebuilds a sub-flow from its parent's PendingChild record
// and persists the first checkpoint the crash swallowed.
func (m *Manager) recreateChild(parentID flow.ID, pending flow.PendingChild) (*instance, error) {
	ctor, ok := m.registry.Constructor(pending.Logic, pending.Version)
	if !ok {
		return nil, fmt.Errorf("no constructor registered for %s v%d", pending.Logic, pending.Version)
	}
	logic := ctor()
	if err := json.Unmarshal(pending.Locals, logic); err != nil {
		return nil, fmt.Errorf("unmarshal pending child locals: %w", err)
	}

	child := newInstance(pending.ID, logic)
	child.parent = parentID

	m.mu.Lock()
	m.instances[pending.ID] = child
	cp, err := child.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := m.persist(context.Background(), cp); err != nil {
		return nil, err
	}
	return child, nil
}

func (m *Manager) lookup(id flow.ID) (*instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}
