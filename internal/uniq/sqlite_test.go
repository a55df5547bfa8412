package uniq

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T, path string) *SQLiteState {
	t.Helper()
	state, err := OpenSQLiteState(path)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return state
}

func TestSQLiteState_WriteOnce(t *testing.T) {
	state := openTestState(t, filepath.Join(t.TempDir(), "state.db"))
	ctx := context.Background()

	require.NoError(t, state.PutAll(ctx, "T1", []Ref{"a", "b"}))

	err := state.PutAll(ctx, "T2", []Ref{"b"})
	var ce *ConsumedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Ref("b"), ce.Ref)
	assert.Equal(t, TxID("T1"), ce.By)
}

func TestSQLiteState_PartialConflictRollsBack(t *testing.T) {
	state := openTestState(t, filepath.Join(t.TempDir(), "state.db"))
	ctx := context.Background()

	require.NoError(t, state.PutAll(ctx, "T1", []Ref{"b"}))

	// "a" is free but "b" is taken; the whole call must bind nothing.
	err := state.PutAll(ctx, "T2", []Ref{"a", "b"})
	var ce *ConsumedError
	require.ErrorAs(t, err, &ce)

	_, ok, err := state.Owner(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteState_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	state, err := OpenSQLiteState(path)
	require.NoError(t, err)
	require.NoError(t, state.PutAll(ctx, "T1", []Ref{"a"}))
	require.NoError(t, state.Close())

	reopened := openTestState(t, path)
	owner, ok, err := reopened.Owner(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TxID("T1"), owner)
}

func TestSingle_OverSQLiteState(t *testing.T) {
	state := openTestState(t, filepath.Join(t.TempDir(), "state.db"))
	s := NewSingle(state)
	ctx := context.Background()

	res, err := s.Commit(ctx, Request{TxID: "T1", Identity: "alice", Refs: []Ref{"a"}})
	require.NoError(t, err)
	assert.Equal(t, VerdictCommitted, res.Verdict)

	res, err = s.Commit(ctx, Request{TxID: "T2", Identity: "bob", Refs: []Ref{"a"}})
	require.NoError(t, err)
	assert.Equal(t, VerdictConflicted, res.Verdict)
	assert.Equal(t, TxID("T1"), res.ConflictTx)
}
