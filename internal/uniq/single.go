package uniq

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Single is the single-authority backend: one replica holds the whole
// consensus state and serializes check-and-set per resource reference.
//
// Concurrent requests touching disjoint references proceed in parallel;
// requests sharing a reference serialize on that reference's lock, so the
// write-once invariant holds without any replication machinery. There is no
// fault tolerance: if this replica is down, uniqueness is unavailable.
type Single struct {
	state StateStore
	locks *refLocks
}

// NewSingle creates the single-authority backend over the given state.
func NewSingle(state StateStore) *Single {
	return &Single{state: state, locks: newRefLocks()}
}

// Commit runs the local check-and-set under per-reference locks.
//
// Locks are acquired in sorted reference order so two requests sharing
// references cannot deadlock against each other.
func (s *Single) Commit(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	unlock := s.locks.lockAll(req.Refs)
	defer unlock()

	res, err := Apply(ctx, s.state, req)
	if err != nil {
		return Result{}, err
	}

	slog.Debug("uniqueness verdict",
		"backend", "single",
		"tx", req.TxID,
		"verdict", res.Verdict,
		"conflict_tx", res.ConflictTx,
	)
	return res, nil
}

// refLocks hands out one mutex per live resource reference.
//
// Entries are created on demand and retained; references are consumed at
// most once, so a reference's lock sees contention only around its single
// commit and the map grows with the consumed set, which is durable anyway.
type refLocks struct {
	mu    sync.Mutex
	locks map[Ref]*sync.Mutex
}

func newRefLocks() *refLocks {
	return &refLocks{locks: make(map[Ref]*sync.Mutex)}
}

// lockAll acquires the lock of every ref in sorted order and returns a
// function releasing them in reverse order.
func (r *refLocks) lockAll(refs []Ref) (unlock func()) {
	sorted := make([]Ref, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	acquired := make([]*sync.Mutex, 0, len(sorted))
	for _, ref := range sorted {
		r.mu.Lock()
		m, ok := r.locks[ref]
		if !ok {
			m = &sync.Mutex{}
			r.locks[ref] = m
		}
		r.mu.Unlock()

		m.Lock()
		acquired = append(acquired, m)
	}

	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}
