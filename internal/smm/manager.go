package smm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cordial/internal/checkpoint"
	"github.com/roach88/cordial/internal/flow"
	"github.com/roach88/cordial/internal/transport"
	"github.com/roach88/cordial/internal/wire"
)

const (
	// DefaultWorkers is the default execution worker pool size.
	DefaultWorkers = 4

	// DefaultMaxRunnable is the default cap on concurrently RUNNABLE flows.
	DefaultMaxRunnable = 64

	// DefaultRetryAttempts bounds transient-failure retries per effect.
	DefaultRetryAttempts = 5

	// DefaultRetryBase is the first backoff interval; it doubles per
	// attempt.
	DefaultRetryBase = 10 * time.Millisecond
)

// Manager owns the lifecycle of every flow instance on the node.
type Manager struct {
	node      wire.NodeID
	store     checkpoint.Store
	transport transport.Transport
	registry  *flow.Registry
	ids       flow.IDGenerator

	workers     int
	maxRunnable int
	retryMax    int
	retryBase   time.Duration

	mu        sync.Mutex
	instances map[flow.ID]*instance
	sessions  map[wire.SessionID]flow.ID
	runnable  int
	waitlist  []flow.ID

	queue *runQueue
	wg    sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the execution worker pool size.
func WithWorkers(n int) Option {
	return func(m *Manager) { m.workers = n }
}

// WithMaxRunnable caps the number of concurrently RUNNABLE flows.
// Instances beyond the cap stay SUSPENDED until a slot frees.
func WithMaxRunnable(n int) Option {
	return func(m *Manager) { m.maxRunnable = n }
}

// WithRetry configures the transient-failure retry budget: attempts and the
// base backoff interval (doubled per attempt).
func WithRetry(attempts int, base time.Duration) Option {
	return func(m *Manager) {
		m.retryMax = attempts
		m.retryBase = base
	}
}

// WithIDGenerator substitutes the flow/session id generator. Tests use a
// fixed-sequence generator for deterministic ids.
func WithIDGenerator(g flow.IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// New creates a Manager for one node. The registry is owned by the manager:
// created here (or passed in pre-populated), append-only thereafter.
func New(node wire.NodeID, store checkpoint.Store, tr transport.Transport, registry *flow.Registry, opts ...Option) *Manager {
	m := &Manager{
		node:        node,
		store:       store,
		transport:   tr,
		registry:    registry,
		ids:         flow.UUIDv7Generator{},
		workers:     DefaultWorkers,
		maxRunnable: DefaultMaxRunnable,
		retryMax:    DefaultRetryAttempts,
		retryBase:   DefaultRetryBase,
		instances:   make(map[flow.ID]*instance),
		sessions:    make(map[wire.SessionID]flow.ID),
		queue:       newRunQueue(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the manager-owned factory registry for registration at
// node start.
func (m *Manager) Registry() *flow.Registry {
	return m.registry
}

// Run subscribes to the transport, starts the worker pool and blocks until
// ctx is cancelled. All flow execution happens on the pool's goroutines.
func (m *Manager) Run(ctx context.Context) error {
	m.transport.Subscribe(func(msg transport.Message) {
		m.handleDelivery(ctx, msg)
	})
	slog.Info("flow manager starting",
		"node", m.node,
		"workers", m.workers,
		"max_runnable", m.maxRunnable,
	)

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}

	<-ctx.Done()
	m.queue.Close()
	m.wg.Wait()
	slog.Info("flow manager stopped", "node", m.node)
	return ctx.Err()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		id, ok := m.queue.TryDequeue()
		if ok {
			m.runFlow(ctx, id)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-m.queue.Wait():
			if m.queue.Closed() && m.queue.Len() == 0 {
				return
			}
		}
	}
}

// Start creates a flow instance for logic, persists its initial checkpoint
// and schedules it. The returned handle carries the instance id and the
// result future.
func (m *Manager) Start(logic flow.Logic) (*Handle, error) {
	id := flow.ID(m.ids.Generate())
	inst := newInstance(id, logic)
	inst.status = flow.StatusCreated

	m.mu.Lock()
	m.instances[id] = inst
	cp, err := inst.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		m.forget(id)
		return nil, fmt.Errorf("start flow %s: %w", logic.Name(), err)
	}

	data, err := cp.Encode()
	if err != nil {
		m.forget(id)
		return nil, fmt.Errorf("start flow %s: %w", logic.Name(), err)
	}
	if err := m.store.Save(context.Background(), string(id), data); err != nil {
		m.forget(id)
		return nil, fmt.Errorf("start flow %s: %w", logic.Name(), err)
	}

	inst.progress.Publish("started: "+logic.Name(), false)
	m.mu.Lock()
	m.makeRunnableLocked(inst)
	m.mu.Unlock()

	slog.Info("flow started", "node", m.node, "flow", id, "logic", logic.Name())
	return &Handle{ID: id, inst: inst}, nil
}

// RegisterResponderFactory installs a responder factory and the matching
// recovery constructor for the responding logic.
func (m *Manager) RegisterResponderFactory(initiating string, version int, kind flow.FactoryKind, fn flow.ResponderFunc) error {
	return m.registry.RegisterResponder(initiating, version, kind, fn)
}

// Cancel asks a flow to terminate. Takes effect at the flow's next
// suspension check; a parked flow is woken so the check happens promptly.
func (m *Manager) Cancel(id flow.ID) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || inst.status.Terminal() {
		m.mu.Unlock()
		return
	}
	inst.cancel = true
	m.makeRunnableLocked(inst)
	m.mu.Unlock()
}

// Watch returns a restartable progress-event stream for a flow: history is
// replayed first, then live events follow until the terminal event closes
// the channel.
func (m *Manager) Watch(id flow.ID) (<-chan flow.ProgressEvent, bool) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return inst.progress.Subscribe(), true
}

// Status reports a flow's lifecycle status. Used by tests and operators.
func (m *Manager) Status(id flow.ID) (flow.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return "", false
	}
	return inst.status, true
}

// forget drops an instance that never got off the ground.
func (m *Manager) forget(id flow.ID) {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
}

// makeRunnableLocked admits an instance to the run queue, honoring the
// runnable cap. Callers hold m.mu.
func (m *Manager) makeRunnableLocked(inst *instance) {
	if inst.status.Terminal() || inst.queued {
		return
	}
	if m.runnable >= m.maxRunnable {
		if !inst.waitlisted {
			inst.waitlisted = true
			m.waitlist = append(m.waitlist, inst.id)
		}
		return
	}
	inst.queued = true
	inst.waitlisted = false
	inst.status = flow.StatusRunnable
	m.runnable++
	m.queue.Enqueue(inst.id)
}

// releaseSlotLocked frees an admission slot and admits the next waitlisted
// instance, if any. Callers hold m.mu.
func (m *Manager) releaseSlotLocked() {
	m.runnable--
	for len(m.waitlist) > 0 {
		id := m.waitlist[0]
		m.waitlist = m.waitlist[1:]
		next, ok := m.instances[id]
		if !ok || next.status.Terminal() || next.queued {
			continue
		}
		next.waitlisted = false
		m.makeRunnableLocked(next)
		break
	}
}

// wake marks a parked instance runnable (timer fired, cancel requested).
func (m *Manager) wake(id flow.ID) {
	m.mu.Lock()
	if inst, ok := m.instances[id]; ok {
		m.makeRunnableLocked(inst)
	}
	m.mu.Unlock()
}

// sendWithRetry issues one transport send, retrying transient failures with
// exponential backoff without advancing any checkpoint. An exhausted budget
// surfaces as a retry-exhausted flow error.
func (m *Manager) sendWithRetry(id flow.ID, peer wire.NodeID, session wire.SessionID, seq uint64, payload []byte) error {
	backoff := m.retryBase
	var lastErr error
	for attempt := 1; attempt <= m.retryMax; attempt++ {
		lastErr = m.transport.Send(peer, session, seq, payload)
		if lastErr == nil {
			return nil
		}
		slog.Warn("transport send failed, backing off",
			"node", m.node,
			"flow", id,
			"session", session,
			"seq", seq,
			"attempt", attempt,
			"error", lastErr,
		)
		time.Sleep(backoff)
		backoff *= 2
	}
	return &flow.Error{
		Code:    flow.ErrCodeRetryExhausted,
		Message: fmt.Sprintf("send failed after %d attempts: %v", m.retryMax, lastErr),
		FlowID:  id,
		Session: session,
	}
}

// Result is a flow's terminal outcome.
type Result struct {
	Value []byte
	Err   error
}

// Handle identifies a started flow and carries its result future.
type Handle struct {
	ID   flow.ID
	inst *instance
}

// Await blocks until the flow reaches a terminal state or ctx expires.
func (h *Handle) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-h.inst.done:
		return h.inst.res.Value, h.inst.res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
