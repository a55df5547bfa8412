package uniq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryState_WriteOnce(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()

	require.NoError(t, state.PutAll(ctx, "T1", []Ref{"a", "b"}))

	owner, ok, err := state.Owner(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TxID("T1"), owner)

	// A different transaction cannot rebind a consumed ref, and the failed
	// call must not bind anything.
	err = state.PutAll(ctx, "T2", []Ref{"c", "a"})
	var ce *ConsumedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Ref("a"), ce.Ref)
	assert.Equal(t, TxID("T1"), ce.By)

	_, ok, err = state.Owner(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok, "failed PutAll must not leave partial bindings")
}

func TestMemoryState_IdempotentRebind(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()

	require.NoError(t, state.PutAll(ctx, "T1", []Ref{"a"}))
	require.NoError(t, state.PutAll(ctx, "T1", []Ref{"a"}))
	assert.Equal(t, 1, state.Len())
}

func TestApply_Verdicts(t *testing.T) {
	state := NewMemoryState()
	ctx := context.Background()

	res, err := Apply(ctx, state, Request{TxID: "T1", Refs: []Ref{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, VerdictCommitted, res.Verdict)

	res, err = Apply(ctx, state, Request{TxID: "T2", Refs: []Ref{"b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, VerdictConflicted, res.Verdict)
	assert.Equal(t, TxID("T1"), res.ConflictTx)
	assert.Equal(t, Ref("b"), res.ConflictRef)

	// The conflicted transaction consumed nothing, so its free ref is still
	// available to others.
	res, err = Apply(ctx, state, Request{TxID: "T3", Refs: []Ref{"c"}})
	require.NoError(t, err)
	assert.Equal(t, VerdictCommitted, res.Verdict)
}

func TestApply_Deterministic(t *testing.T) {
	// Re-applying the same requests against equal state reproduces the same
	// verdicts. Replicated backends rely on this when applying log entries.
	run := func() []Result {
		state := NewMemoryState()
		ctx := context.Background()
		reqs := []Request{
			{TxID: "T1", Refs: []Ref{"a"}},
			{TxID: "T2", Refs: []Ref{"a", "b"}},
			{TxID: "T1", Refs: []Ref{"a"}}, // resubmission
			{TxID: "T3", Refs: []Ref{"b"}},
		}
		out := make([]Result, len(reqs))
		for i, req := range reqs {
			res, err := Apply(ctx, state, req)
			require.NoError(t, err)
			out[i] = res
		}
		return out
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)

	// And the resubmission observed the original verdict.
	assert.Equal(t, VerdictCommitted, first[0].Verdict)
	assert.Equal(t, VerdictCommitted, first[2].Verdict)
}
