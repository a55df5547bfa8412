package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cordial/internal/transport"
	"github.com/roach88/cordial/internal/uniq"
)

type testCluster struct {
	net      *transport.ClusterNetwork
	members  []string
	replicas map[string]*Replica
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	tc := &testCluster{
		net:      transport.NewClusterNetwork(),
		replicas: make(map[string]*Replica),
	}
	for i := 0; i < n; i++ {
		tc.members = append(tc.members, fmt.Sprintf("r%d", i+1))
	}
	for _, id := range tc.members {
		tc.replicas[id] = NewReplica(id, tc.members, tc.net.Join(id), uniq.NewMemoryState(),
			WithTimeouts(10*time.Millisecond, 50*time.Millisecond, 100*time.Millisecond),
			WithRequestTimeout(2*time.Second),
		)
	}
	t.Cleanup(func() {
		for _, r := range tc.replicas {
			r.Close()
		}
	})
	return tc
}

// waitForLeader blocks until some replica is elected.
func (tc *testCluster) waitForLeader(t *testing.T) string {
	t.Helper()
	var leader string
	require.Eventually(t, func() bool {
		for _, r := range tc.replicas {
			if l, ok := r.Leader(); ok {
				leader = l
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond, "no leader elected")
	return leader
}

// commitRetry resubmits through early-startup unavailability. Safe because
// commits are idempotent on the transaction id.
func commitRetry(t *testing.T, r *Replica, req uniq.Request) uniq.Result {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		res, err := r.Commit(context.Background(), req)
		if err == nil {
			return res
		}
		require.True(t, uniq.IsRetryable(err), "unexpected terminal error: %v", err)
		require.True(t, time.Now().Before(deadline), "retries exhausted: %v", err)
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReplica_CommitAndConflict(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.waitForLeader(t)

	res := commitRetry(t, tc.replicas["r1"], uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a", "b"}})
	assert.Equal(t, uniq.VerdictCommitted, res.Verdict)

	// Submitted through a different replica; the verdict is cluster-wide.
	res = commitRetry(t, tc.replicas["r2"], uniq.Request{TxID: "T2", Identity: "bob", Refs: []uniq.Ref{"b"}})
	assert.Equal(t, uniq.VerdictConflicted, res.Verdict)
	assert.Equal(t, uniq.TxID("T1"), res.ConflictTx)
	assert.Equal(t, uniq.Ref("b"), res.ConflictRef)
}

func TestReplica_IdempotentResubmission(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.waitForLeader(t)

	req := uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}}
	first := commitRetry(t, tc.replicas["r1"], req)
	second := commitRetry(t, tc.replicas["r3"], req)

	assert.Equal(t, uniq.VerdictCommitted, first.Verdict)
	assert.Equal(t, first, second)
}

func TestReplica_RejectsInvalidRequest(t *testing.T) {
	tc := newTestCluster(t, 3)

	_, err := tc.replicas["r1"].Commit(context.Background(), uniq.Request{TxID: "T1"})
	var pe *uniq.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uniq.ErrCodeBadRequest, pe.Code)
}

func TestReplica_UniquenessSafetyUnderConcurrency(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.waitForLeader(t)

	const n = 24
	var wg sync.WaitGroup
	results := make([]uniq.Result, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			// Spread submissions across all replicas.
			replica := tc.replicas[tc.members[i%len(tc.members)]]
			results[i] = commitRetry(t, replica, uniq.Request{
				TxID:     uniq.TxID(fmt.Sprintf("T%02d", i)),
				Identity: "racer",
				Refs:     []uniq.Ref{"contested"},
			})
		}(i)
	}
	wg.Wait()

	committed := 0
	var winner uniq.TxID
	for i, res := range results {
		if res.Verdict == uniq.VerdictCommitted {
			committed++
			winner = uniq.TxID(fmt.Sprintf("T%02d", i))
		}
	}
	require.Equal(t, 1, committed, "exactly one transaction must win")
	for i, res := range results {
		if uniq.TxID(fmt.Sprintf("T%02d", i)) == winner {
			continue
		}
		assert.Equal(t, uniq.VerdictConflicted, res.Verdict)
		assert.Equal(t, winner, res.ConflictTx)
	}
}

func TestReplica_ToleratesMinorityCrash(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.waitForLeader(t)

	res := commitRetry(t, tc.replicas[leader], uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}})
	require.Equal(t, uniq.VerdictCommitted, res.Verdict)

	// Crash one follower. A majority of two remains, so commits proceed.
	var follower string
	for _, id := range tc.members {
		if id != leader {
			follower = id
			break
		}
	}
	tc.net.Stop(follower)

	res = commitRetry(t, tc.replicas[leader], uniq.Request{TxID: "T2", Identity: "bob", Refs: []uniq.Ref{"a"}})
	assert.Equal(t, uniq.VerdictConflicted, res.Verdict)
	assert.Equal(t, uniq.TxID("T1"), res.ConflictTx)

	tc.net.Restart(follower)
}

func TestReplica_LeaderCrashElectsNewLeader(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.waitForLeader(t)

	res := commitRetry(t, tc.replicas[leader], uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}})
	require.Equal(t, uniq.VerdictCommitted, res.Verdict)

	// Crash the leader. The survivors elect a new one and the consumed
	// reference stays consumed.
	tc.net.Stop(leader)

	var survivor *Replica
	for _, id := range tc.members {
		if id != leader {
			survivor = tc.replicas[id]
			break
		}
	}
	res = commitRetry(t, survivor, uniq.Request{TxID: "T2", Identity: "bob", Refs: []uniq.Ref{"a"}})
	assert.Equal(t, uniq.VerdictConflicted, res.Verdict)
	assert.Equal(t, uniq.TxID("T1"), res.ConflictTx)
}

func TestReplica_NoQuorumIsRetryableNotSilent(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.waitForLeader(t)

	// Crash a majority. The lone survivor can neither commit nor elect.
	tc.net.Stop("r2")
	tc.net.Stop("r3")
	time.Sleep(200 * time.Millisecond) // let leadership lapse into re-election

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := tc.replicas["r1"].Commit(ctx, uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}})
	require.Error(t, err)
	assert.True(t, uniq.IsRetryable(err), "loss of quorum must surface as a retryable error, got: %v", err)
}
