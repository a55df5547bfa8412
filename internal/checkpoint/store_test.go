package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract exercises the Store behaviors the flow manager depends on.
// Both implementations must pass it.
func storeContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "flow-1", []byte("v1")))
		data, err := store.Load(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), data)
	})

	t.Run("save overwrites", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "flow-1", []byte("v1")))
		require.NoError(t, store.Save(ctx, "flow-1", []byte("v2")))

		data, err := store.Load(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), data)

		records, err := store.LoadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("load missing", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		_, err := store.Load(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "flow-1", []byte("v1")))
		require.NoError(t, store.Delete(ctx, "flow-1"))
		require.NoError(t, store.Delete(ctx, "flow-1"))

		_, err := store.Load(ctx, "flow-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("load all sorted", func(t *testing.T) {
		store := open(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "flow-b", []byte("b")))
		require.NoError(t, store.Save(ctx, "flow-a", []byte("a")))
		require.NoError(t, store.Save(ctx, "flow-c", []byte("c")))

		records, err := store.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "flow-a", records[0].FlowID)
		assert.Equal(t, "flow-b", records[1].FlowID)
		assert.Equal(t, "flow-c", records[2].FlowID)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
		require.NoError(t, err)
		return store
	})
}

func TestMemoryStore_FailNextSave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.FailNextSave()
	require.Error(t, store.Save(ctx, "flow-1", []byte("v1")))

	// One-shot: the retry succeeds and the store held no partial write.
	assert.Zero(t, store.Len())
	require.NoError(t, store.Save(ctx, "flow-1", []byte("v1")))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_CopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	buf := []byte("original")
	require.NoError(t, store.Save(ctx, "flow-1", buf))
	buf[0] = 'X'

	data, err := store.Load(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)

	// Mutating what Load returned must not affect the stored copy.
	data[0] = 'Y'
	again, err := store.Load(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "flow-1", []byte("v1")))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.Load(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
}
