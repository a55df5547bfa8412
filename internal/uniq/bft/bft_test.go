package bft

import (
	"context"
	"encoding/json"
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
	net       *transport.ClusterNetwork
	members   []string
	endpoints map[string]*transport.ClusterEndpoint
	replicas  map[string]*Replica
}

// newTestCluster stands up a 3f+1 cluster with fast view-change timeouts.
func newTestCluster(t *testing.T, f int) *testCluster {
	t.Helper()
	tc := &testCluster{
		net:       transport.NewClusterNetwork(),
		endpoints: make(map[string]*transport.ClusterEndpoint),
		replicas:  make(map[string]*Replica),
	}
	for i := 0; i < 3*f+1; i++ {
		tc.members = append(tc.members, fmt.Sprintf("b%d", i+1))
	}
	for _, id := range tc.members {
		ep := tc.net.Join(id)
		tc.endpoints[id] = ep
		r, err := NewReplica(id, tc.members, f, ep, uniq.NewMemoryState(),
			WithProgressTimeout(150*time.Millisecond),
			WithRequestTimeout(5*time.Second),
		)
		require.NoError(t, err)
		tc.replicas[id] = r
	}
	t.Cleanup(func() {
		for _, r := range tc.replicas {
			r.Close()
		}
	})
	return tc
}

func TestNewReplica_RejectsUndersizedCluster(t *testing.T) {
	net := transport.NewClusterNetwork()
	_, err := NewReplica("b1", []string{"b1", "b2", "b3"}, 1, net.Join("b1"), uniq.NewMemoryState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need 4")
}

func TestReplica_CommitAndConflict(t *testing.T) {
	tc := newTestCluster(t, 1)
	ctx := context.Background()

	res, err := tc.replicas["b1"].Commit(ctx, uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, uniq.VerdictCommitted, res.Verdict)

	// Submitted through a different replica; the verdict is cluster-wide.
	res, err = tc.replicas["b3"].Commit(ctx, uniq.Request{TxID: "T2", Identity: "bob", Refs: []uniq.Ref{"b"}})
	require.NoError(t, err)
	assert.Equal(t, uniq.VerdictConflicted, res.Verdict)
	assert.Equal(t, uniq.TxID("T1"), res.ConflictTx)
	assert.Equal(t, uniq.Ref("b"), res.ConflictRef)
}

// awaitQuiescent waits until every replica has executed through seq and
// holds nothing pending, so a later resubmission cannot be rescued by
// in-flight proposals.
func (tc *testCluster) awaitQuiescent(t *testing.T, seq uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, r := range tc.replicas {
			r.mu.Lock()
			idle := r.executedSeq >= seq && len(r.pending) == 0
			r.mu.Unlock()
			if !idle {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReplica_IdempotentResubmission(t *testing.T) {
	tc := newTestCluster(t, 1)
	ctx := context.Background()
	req := uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}}

	first, err := tc.replicas["b1"].Commit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, uniq.VerdictCommitted, first.Verdict)

	// Once every replica has executed T1, the cluster holds no pending copy
	// of the request. The resubmission must still terminate with the
	// recorded verdict: replicas answer executed requests directly.
	tc.awaitQuiescent(t, 1)
	second, err := tc.replicas["b2"].Commit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReplica_ResubmissionRepeatsConflict(t *testing.T) {
	tc := newTestCluster(t, 1)
	ctx := context.Background()

	_, err := tc.replicas["b1"].Commit(ctx, uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"x"}})
	require.NoError(t, err)
	loser := uniq.Request{TxID: "T2", Identity: "bob", Refs: []uniq.Ref{"x"}}
	first, err := tc.replicas["b2"].Commit(ctx, loser)
	require.NoError(t, err)
	require.Equal(t, uniq.VerdictConflicted, first.Verdict)

	tc.awaitQuiescent(t, 2)
	second, err := tc.replicas["b4"].Commit(ctx, loser)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReplica_TimedOutCallerDetaches(t *testing.T) {
	net := transport.NewClusterNetwork()
	members := []string{"b1", "b2", "b3", "b4"}
	endpoints := make(map[string]*transport.ClusterEndpoint)
	for _, id := range members {
		endpoints[id] = net.Join(id)
	}
	r, err := NewReplica("b1", members, 1, endpoints["b1"], uniq.NewMemoryState(),
		WithProgressTimeout(50*time.Millisecond),
		WithRequestTimeout(150*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	// No peers are running, so no reply quorum can form.
	_, err = r.Commit(context.Background(), uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}})
	var pe *uniq.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uniq.ErrCodeTimeout, pe.Code)

	r.mu.Lock()
	_, leaked := r.waiters["T1"]
	r.mu.Unlock()
	assert.False(t, leaked, "timed-out caller left a waiter behind")
}

func TestReplica_RejectsInvalidRequest(t *testing.T) {
	tc := newTestCluster(t, 1)

	_, err := tc.replicas["b1"].Commit(context.Background(), uniq.Request{Refs: []uniq.Ref{"a"}})
	var pe *uniq.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uniq.ErrCodeBadRequest, pe.Code)
}

func TestReplica_UniquenessSafetyUnderConcurrency(t *testing.T) {
	tc := newTestCluster(t, 1)

	const n = 16
	var wg sync.WaitGroup
	results := make([]uniq.Result, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			replica := tc.replicas[tc.members[i%len(tc.members)]]
			res, err := replica.Commit(context.Background(), uniq.Request{
				TxID:     uniq.TxID(fmt.Sprintf("T%02d", i)),
				Identity: "racer",
				Refs:     []uniq.Ref{"contested"},
			})
			require.NoError(t, err)
			results[i] = res
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

func TestReplica_ToleratesCrashedReplica(t *testing.T) {
	tc := newTestCluster(t, 1)

	// Crash a non-primary replica. 3 of 4 remain: enough for the 2f+1
	// commit quorum and the f+1 reply quorum.
	tc.net.Stop("b4")

	res, err := tc.replicas["b1"].Commit(context.Background(), uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}})
	require.NoError(t, err)
	assert.Equal(t, uniq.VerdictCommitted, res.Verdict)
}

func TestReplica_PrimaryCrashRotatesView(t *testing.T) {
	tc := newTestCluster(t, 1)

	// Crash the view-0 primary. The survivors detect the stalled request,
	// vote the next view in and its primary re-proposes.
	tc.net.Stop("b1")

	res, err := tc.replicas["b2"].Commit(context.Background(), uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}})
	require.NoError(t, err)
	assert.Equal(t, uniq.VerdictCommitted, res.Verdict)
}

func TestReplica_MaliciousReplyCannotForgeVerdict(t *testing.T) {
	tc := newTestCluster(t, 1)

	// b4 lies: it floods the origin with forged CONFLICTED replies for T1
	// before and while the honest protocol runs. One faulty voice is below
	// the f+1 reply quorum, so the honest verdict wins.
	forged := message{
		Type: msgReply,
		From: "b4",
		TxID: "T1",
		Result: &uniq.Result{
			Verdict:    uniq.VerdictConflicted,
			ConflictTx: "FAKE",
		},
	}
	payload, err := json.Marshal(forged)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = tc.endpoints["b4"].Send("b1", payload)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	res, err := tc.replicas["b1"].Commit(context.Background(), uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}})
	close(stop)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, uniq.VerdictCommitted, res.Verdict)
	assert.NotEqual(t, uniq.TxID("FAKE"), res.ConflictTx)
}

func TestReplica_EquivocatingPrimaryRefused(t *testing.T) {
	tc := newTestCluster(t, 1)
	ctx := context.Background()

	// Run an honest commit first so sequence 1 is occupied.
	res, err := tc.replicas["b1"].Commit(ctx, uniq.Request{TxID: "T1", Identity: "alice", Refs: []uniq.Ref{"a"}})
	require.NoError(t, err)
	require.Equal(t, uniq.VerdictCommitted, res.Verdict)

	// A forged pre-prepare reusing sequence 1 for a different request must
	// be refused by every honest replica: the consumed set cannot change.
	other := uniq.Request{TxID: "EVIL", Identity: "mallory", Refs: []uniq.Ref{"z"}}
	forged := message{
		Type:   msgPrePrepare,
		View:   0,
		Seq:    1,
		From:   "b1",
		Digest: "0000000000000000000000000000000000000000000000000000000000000000",
		Req:    &other,
		Origin: "b4",
	}
	payload, err := json.Marshal(forged)
	require.NoError(t, err)
	require.NoError(t, tc.endpoints["b1"].Send("b2", payload))

	// The forged request never executes anywhere.
	time.Sleep(100 * time.Millisecond)
	owner, ok, err := tc.replicas["b2"].state.Owner(ctx, "z")
	require.NoError(t, err)
	assert.False(t, ok, "forged request must not consume, owner=%s", owner)
}
