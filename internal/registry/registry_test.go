package registry

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimkv/internal/model"
)

type fixture struct {
	reg    *Registry
	seq    uint64
	events []model.Event
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{seq: 1}
	f.reg = New(
		SequenceFunc(func() uint64 { return f.seq }),
		SinkFunc(func(e model.Event) { f.events = append(f.events, e) }),
		opts...,
	)
	return f
}

func create(r *Registry, c Caller, key []byte) error {
	_, err := r.Create(c, key)
	return err
}

var (
	alice = Authenticated("1")
	bob   = Authenticated("2")
)

func TestScenario(t *testing.T) {
	f := newFixture(t)
	key := []byte("A")

	require.NoError(t, create(f.reg, alice, key))
	entry, ok := f.reg.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "1", entry.Owner)
	assert.Equal(t, uint64(1), entry.Sequence)

	require.ErrorIs(t, create(f.reg, alice, key), ErrAlreadyExists)

	_, err := f.reg.Read(bob, key)
	require.ErrorIs(t, err, ErrNotOwner)
	_, err = f.reg.Read(alice, key)
	require.NoError(t, err)

	f.seq = 7
	_, err = f.reg.Update(bob, key)
	require.ErrorIs(t, err, ErrNotOwner)
	entry, _ = f.reg.Lookup(key)
	assert.Equal(t, uint64(1), entry.Sequence, "rejected update must not touch the entry")

	updated, err := f.reg.Update(alice, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), updated.Sequence)
	assert.Equal(t, "1", updated.Owner)

	require.ErrorIs(t, f.reg.Remove(bob, key), ErrNotOwner)
	require.NoError(t, f.reg.Remove(alice, key))

	_, err = f.reg.Read(alice, key)
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, []model.Event{
		{Kind: model.EventCreated, Caller: "1", Key: []byte("A")},
		{Kind: model.EventRead, Caller: "1"},
		{Kind: model.EventUpdated, Caller: "1", Key: []byte("A")},
		{Kind: model.EventRemoved, Caller: "1", Key: []byte("A")},
	}, f.events)
}

func TestCreateTwiceKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	key := []byte("novel")

	require.NoError(t, create(f.reg, alice, key))
	f.seq = 42
	require.ErrorIs(t, create(f.reg, bob, key), ErrAlreadyExists)

	entry, ok := f.reg.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "1", entry.Owner)
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Len(t, f.events, 1)
}

func TestUnknownKeyIsNotFoundForAnyCaller(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, create(f.reg, alice, []byte("present")))

	for _, c := range []Caller{alice, bob} {
		_, err := f.reg.Read(c, []byte("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = f.reg.Update(c, []byte("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, f.reg.Remove(c, []byte("missing")), ErrNotFound)
	}
	assert.Len(t, f.events, 1)
}

func TestRemoveThenCreateByAnotherCaller(t *testing.T) {
	f := newFixture(t)
	key := []byte{0x00, 0xff, 0x10}

	require.NoError(t, create(f.reg, alice, key))
	require.NoError(t, f.reg.Remove(alice, key))
	_, ok := f.reg.Lookup(key)
	require.False(t, ok)

	f.seq = 3
	require.NoError(t, create(f.reg, bob, key))
	entry, _ := f.reg.Lookup(key)
	assert.Equal(t, "2", entry.Owner)
	assert.Equal(t, uint64(3), entry.Sequence)
}

func TestEmptyKeyIsAValidClaim(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, create(f.reg, alice, nil))
	require.ErrorIs(t, create(f.reg, alice, []byte{}), ErrAlreadyExists)
	_, err := f.reg.Read(alice, []byte{})
	require.NoError(t, err)
}

func TestStoredKeyIsIsolatedFromCaller(t *testing.T) {
	f := newFixture(t)
	key := []byte("abc")
	require.NoError(t, create(f.reg, alice, key))
	key[0] = 'z'

	_, ok := f.reg.Lookup([]byte("abc"))
	assert.True(t, ok)

	entry, _ := f.reg.Lookup([]byte("abc"))
	entry.Key[0] = 'q'
	again, _ := f.reg.Lookup([]byte("abc"))
	assert.Equal(t, []byte("abc"), again.Key)
}

type failingJournal struct {
	err  error
	muts []model.Mutation
}

func (j *failingJournal) Append(m model.Mutation) error {
	if j.err != nil {
		return j.err
	}
	j.muts = append(j.muts, m)
	return nil
}

func TestJournalFailureLeavesStateUntouched(t *testing.T) {
	j := &failingJournal{}
	f := newFixture(t, WithJournal(j))
	key := []byte("k")

	require.NoError(t, create(f.reg, alice, key))
	require.Len(t, j.muts, 1)
	assert.Equal(t, model.CREATE, j.muts[0].Op)

	j.err = errors.New("disk full")
	f.seq = 9

	_, err := f.reg.Update(alice, key)
	require.ErrorIs(t, err, j.err)
	entry, _ := f.reg.Lookup(key)
	assert.Equal(t, uint64(1), entry.Sequence)

	require.ErrorIs(t, f.reg.Remove(alice, key), j.err)
	_, ok := f.reg.Lookup(key)
	assert.True(t, ok)

	require.ErrorIs(t, create(f.reg, bob, []byte("other")), j.err)
	assert.Equal(t, 1, f.reg.Len())
	assert.Len(t, f.events, 1)
}

func TestReadIsNotJournaled(t *testing.T) {
	j := &failingJournal{}
	f := newFixture(t, WithJournal(j))
	require.NoError(t, create(f.reg, alice, []byte("k")))
	_, err := f.reg.Read(alice, []byte("k"))
	require.NoError(t, err)
	assert.Len(t, j.muts, 1)
}

func TestRejectionsAreReturnedNotLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	f := newFixture(t)
	require.NoError(t, create(f.reg, alice, []byte("k")))
	require.ErrorIs(t, create(f.reg, bob, []byte("k")), ErrAlreadyExists)
	_, err := f.reg.Read(bob, []byte("k"))
	require.ErrorIs(t, err, ErrNotOwner)
	require.ErrorIs(t, f.reg.Remove(bob, []byte("missing")), ErrNotFound)

	assert.Empty(t, buf.String())
}

func TestIsZeroCaller(t *testing.T) {
	assert.True(t, Caller{}.IsZero())
	assert.True(t, Authenticated("").IsZero())
	assert.False(t, alice.IsZero())
}

func TestReplay(t *testing.T) {
	f := newFixture(t)
	err := f.reg.Replay([]model.Mutation{
		{LSN: 1, Op: model.CREATE, Key: []byte("a"), Owner: "1", Sequence: 1},
		{LSN: 2, Op: model.CREATE, Key: []byte("b"), Owner: "2", Sequence: 2},
		{LSN: 3, Op: model.UPDATE, Key: []byte("a"), Owner: "1", Sequence: 5},
		{LSN: 4, Op: model.REMOVE, Key: []byte("b"), Owner: "2", Sequence: 2},
	})
	require.NoError(t, err)
	assert.Empty(t, f.events)

	assert.Equal(t, 1, f.reg.Len())
	got, ok := f.reg.Lookup([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, model.Entry{Key: []byte("a"), Owner: "1", Sequence: 5}, got)

	err = f.reg.Replay([]model.Mutation{{LSN: 5, Op: model.OpsType(9)}})
	require.Error(t, err)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.reg.Restore([]model.Entry{
		{Key: []byte("c"), Owner: "1", Sequence: 3},
		{Key: []byte("a"), Owner: "2", Sequence: 1},
		{Key: []byte("a"), Owner: "2", Sequence: 4},
	})
	assert.Equal(t, 2, f.reg.Len())
	assert.Empty(t, f.events)

	got, ok := f.reg.Lookup([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, uint64(4), got.Sequence, "later entries for the same key win")

	_, err := f.reg.Read(bob, []byte("a"))
	require.NoError(t, err)
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	var mu sync.Mutex
	var events []model.Event
	reg := New(SequenceFunc(func() uint64 { return 1 }), SinkFunc(func(e model.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			results <- create(reg, Authenticated(string(rune('a'+id))), []byte("contested"))
		}(i)
	}
	wg.Wait()
	close(results)

	var won, lost int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyExists):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, lost)
	assert.Len(t, events, 1)
}

func TestNilSinkDiscards(t *testing.T) {
	reg := New(SequenceFunc(func() uint64 { return 0 }), nil)
	require.NoError(t, create(reg, alice, []byte("x")))
}
