package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimkv/internal/model"
	"claimkv/internal/registry"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestAppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.db")
	store := openTestStore(t, path)
	ctx := context.Background()

	require.NoError(t, store.Append(model.Mutation{Op: model.CREATE, Key: []byte("b"), Owner: "1", Sequence: 2}))
	require.NoError(t, store.Append(model.Mutation{Op: model.CREATE, Key: []byte("a"), Owner: "2", Sequence: 4}))
	require.NoError(t, store.Append(model.Mutation{Op: model.UPDATE, Key: []byte("b"), Owner: "1", Sequence: 7}))
	require.NoError(t, store.Append(model.Mutation{Op: model.CREATE, Key: []byte("c"), Owner: "1", Sequence: 7}))
	require.NoError(t, store.Append(model.Mutation{Op: model.REMOVE, Key: []byte("c"), Owner: "1", Sequence: 7}))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path)
	entries, err := reopened.Entries(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.Entry{
		{Key: []byte("a"), Owner: "2", Sequence: 4},
		{Key: []byte("b"), Owner: "1", Sequence: 7},
	}, entries)

	maxSeq, err := reopened.MaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), maxSeq)
}

func TestAppendDetectsDivergence(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "claims.db"))

	require.NoError(t, store.Append(model.Mutation{Op: model.CREATE, Key: []byte("k"), Owner: "1"}))
	require.ErrorIs(t, store.Append(model.Mutation{Op: model.CREATE, Key: []byte("k"), Owner: "2"}), ErrDiverged)
	require.ErrorIs(t, store.Append(model.Mutation{Op: model.UPDATE, Key: []byte("missing"), Owner: "1"}), ErrDiverged)
	require.ErrorIs(t, store.Append(model.Mutation{Op: model.REMOVE, Key: []byte("missing"), Owner: "1"}), ErrDiverged)
	require.Error(t, store.Append(model.Mutation{Op: model.OpsType(9), Key: []byte("k")}))
}

func TestAppendRejectsSequenceBeyondInt64(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "claims.db"))

	seq := uint64(math.MaxInt64) + 1
	reg := registry.New(registry.SequenceFunc(func() uint64 { return seq }), nil, registry.WithJournal(store))
	_, err := reg.Create(registry.Authenticated("1"), []byte("far"))
	require.ErrorIs(t, err, ErrSequenceRange)
	assert.Equal(t, 0, reg.Len())

	seq = math.MaxInt64
	_, err = reg.Create(registry.Authenticated("1"), []byte("edge"))
	require.NoError(t, err)

	maxSeq, err := store.MaxSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxInt64), maxSeq)
}

func TestEmptyStoreMaxSequence(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "claims.db"))
	maxSeq, err := store.MaxSequence(context.Background())
	require.NoError(t, err)
	assert.Zero(t, maxSeq)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.db")
	require.NoError(t, openTestStore(t, path).Close())
	store := openTestStore(t, path)

	var count int
	require.NoError(t, store.sqlDB.QueryRow("SELECT COUNT(*) FROM "+migrationTable).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestUpSection(t *testing.T) {
	assert.Equal(t, "\nA\n", upSection("-- +migrate Up\nA\n-- +migrate Down\nB"))
	assert.Equal(t, "plain", upSection("plain"))
	assert.Equal(t, "\nA", upSection("-- +migrate Up\nA"))
}

func TestStoreAsRegistryJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.db")
	store := openTestStore(t, path)

	seq := uint64(5)
	reg := registry.New(registry.SequenceFunc(func() uint64 { return seq }), nil, registry.WithJournal(store))
	owner := registry.Authenticated("1")

	_, err := reg.Create(owner, []byte("novel"))
	require.NoError(t, err)
	seq = 6
	_, err = reg.Update(owner, []byte("novel"))
	require.NoError(t, err)
	_, err = reg.Create(owner, []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, reg.Remove(owner, []byte("gone")))

	entries, err := store.Entries(context.Background())
	require.NoError(t, err)

	restored := registry.New(registry.SequenceFunc(func() uint64 { return 0 }), nil)
	restored.Restore(entries)
	assert.Equal(t, 1, restored.Len())
	want, _ := reg.Lookup([]byte("novel"))
	got, ok := restored.Lookup([]byte("novel"))
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(6), got.Sequence)
}
