package uniq

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// StateStore is the durable consensus state: a write-once mapping from
// resource reference to the transaction that consumed it.
//
// Implementations: MemoryState (tests, replica-local state machines) and
// SQLiteState (durable single-authority state).
type StateStore interface {
	// Owner returns the transaction currently bound to ref, if any.
	Owner(ctx context.Context, ref Ref) (TxID, bool, error)

	// PutAll atomically binds every ref to tx. Write-once: a ref already
	// bound to a different transaction causes the whole call to fail with
	// *ConsumedError and no binding is changed. Refs already bound to tx
	// itself are accepted (idempotent resubmission).
	PutAll(ctx context.Context, tx TxID, refs []Ref) error

	Close() error
}

// ConsumedError reports a write-once violation from PutAll.
type ConsumedError struct {
	Ref Ref
	By  TxID
}

func (e *ConsumedError) Error() string {
	return fmt.Sprintf("reference %s already consumed by %s", e.Ref, e.By)
}

// MemoryState is an in-memory StateStore. Used by tests and as the
// replica-local state machine for the Raft and BFT backends, where
// durability comes from replication rather than local disk.
type MemoryState struct {
	mu    sync.RWMutex
	owner map[Ref]TxID
}

// NewMemoryState creates an empty in-memory consensus state.
func NewMemoryState() *MemoryState {
	return &MemoryState{owner: make(map[Ref]TxID)}
}

// Owner returns the transaction bound to ref, if any.
func (m *MemoryState) Owner(_ context.Context, ref Ref) (TxID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.owner[ref]
	return tx, ok, nil
}

// PutAll binds every ref to tx, atomically under the state lock.
func (m *MemoryState) PutAll(_ context.Context, tx TxID, refs []Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range refs {
		if cur, ok := m.owner[ref]; ok && cur != tx {
			return &ConsumedError{Ref: ref, By: cur}
		}
	}
	for _, ref := range refs {
		m.owner[ref] = tx
	}
	return nil
}

// Close is a no-op for the in-memory state.
func (m *MemoryState) Close() error { return nil }

// Len returns the number of consumed references. Used by tests.
func (m *MemoryState) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.owner)
}

// Apply runs the deterministic check-and-set shared by every backend.
//
// Given the same state and the same request, apply always produces the same
// verdict - the Raft and BFT backends rely on this when replicas apply
// agreed entries in identical order.
//
// Idempotency: a reference already bound to req.TxID counts as free, so
// re-applying a committed request reproduces Committed; re-applying a
// conflicted request reproduces the same Conflicted verdict as long as the
// conflicting binding exists (bindings are write-once, so it always does).
func Apply(ctx context.Context, state StateStore, req Request) (Result, error) {
	for _, ref := range req.Refs {
		owner, ok, err := state.Owner(ctx, ref)
		if err != nil {
			return Result{}, fmt.Errorf("read owner of %s: %w", ref, err)
		}
		if ok && owner != req.TxID {
			return Result{Verdict: VerdictConflicted, ConflictTx: owner, ConflictRef: ref}, nil
		}
	}
	if err := state.PutAll(ctx, req.TxID, req.Refs); err != nil {
		var ce *ConsumedError
		if errors.As(err, &ce) {
			// Lost a race between the owner check and the write. The
			// binding is write-once, so report it as a conflict.
			return Result{Verdict: VerdictConflicted, ConflictTx: ce.By, ConflictRef: ce.Ref}, nil
		}
		return Result{}, fmt.Errorf("bind refs for %s: %w", req.TxID, err)
	}
	return Result{Verdict: VerdictCommitted}, nil
}
