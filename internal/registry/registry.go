// Package registry implements the claim registry: a map from opaque keys to
// an owner and the sequence value recorded when the claim was made.
//
// Every operation takes an already authenticated Caller. Existence is checked
// before ownership, so a caller probing an unclaimed key always sees
// ErrNotFound. All four operations run under one lock; an operation either
// applies its effect and emits exactly one event, or returns an error and
// leaves the map untouched.
package registry

import (
	"fmt"
	"sync"

	"claimkv/internal/model"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	claims  map[string]model.Entry
	seq     SequenceSource
	sink    EventSink
	journal Journal
}

// Option configures a Registry.
type Option func(*Registry)

// WithJournal makes every accepted mutation go through j before the map
// changes.
func WithJournal(j Journal) Option { return func(r *Registry) { r.journal = j } }

// New creates an empty registry. A nil sink discards events.
func New(seq SequenceSource, sink EventSink, opts ...Option) *Registry {
	if seq == nil {
		panic("registry: nil sequence source")
	}
	if sink == nil {
		sink = discardSink{}
	}
	r := &Registry{
		claims: make(map[string]model.Entry),
		seq:    seq,
		sink:   sink,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create claims key for caller at the current sequence.
func (r *Registry) Create(caller Caller, key []byte) (model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claims[string(key)]; ok {
		return model.Entry{}, ErrAlreadyExists
	}

	entry := model.Entry{Key: clone(key), Owner: caller.ID(), Sequence: r.seq.Current()}
	if err := r.record(model.CREATE, entry); err != nil {
		return model.Entry{}, err
	}
	r.claims[string(key)] = entry
	r.sink.Emit(model.Event{Kind: model.EventCreated, Caller: caller.ID(), Key: clone(key)})
	return copyEntry(entry), nil
}

// Read verifies that caller owns key and returns the entry.
func (r *Registry) Read(caller Caller, key []byte) (model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.owned(caller, key)
	if err != nil {
		return model.Entry{}, err
	}
	r.sink.Emit(model.Event{Kind: model.EventRead, Caller: caller.ID()})
	return copyEntry(entry), nil
}

// Update refreshes the sequence of a claim owned by caller. Ownership is
// re-recorded as caller, so Update never transfers a claim.
func (r *Registry) Update(caller Caller, key []byte) (model.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.owned(caller, key); err != nil {
		return model.Entry{}, err
	}

	entry := model.Entry{Key: clone(key), Owner: caller.ID(), Sequence: r.seq.Current()}
	if err := r.record(model.UPDATE, entry); err != nil {
		return model.Entry{}, err
	}
	r.claims[string(key)] = entry
	r.sink.Emit(model.Event{Kind: model.EventUpdated, Caller: caller.ID(), Key: clone(key)})
	return copyEntry(entry), nil
}

// Remove deletes a claim owned by caller.
func (r *Registry) Remove(caller Caller, key []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.owned(caller, key)
	if err != nil {
		return err
	}
	if err := r.record(model.REMOVE, entry); err != nil {
		return err
	}
	delete(r.claims, string(key))
	r.sink.Emit(model.Event{Kind: model.EventRemoved, Caller: caller.ID(), Key: clone(key)})
	return nil
}

// Lookup returns the entry for key without any ownership check or event.
func (r *Registry) Lookup(key []byte) (model.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.claims[string(key)]
	if !ok {
		return model.Entry{}, false
	}
	return copyEntry(e), true
}

// Len returns the number of claims.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}

// Restore loads entries read back from a store. It bypasses the journal and
// emits no events. Later entries for the same key win.
func (r *Registry) Restore(entries []model.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.claims[string(e.Key)] = copyEntry(e)
	}
}

// Replay applies journaled mutations in order. It bypasses the journal and
// emits no events.
func (r *Registry) Replay(muts []model.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range muts {
		switch m.Op {
		case model.CREATE, model.UPDATE:
			r.claims[string(m.Key)] = model.Entry{Key: clone(m.Key), Owner: m.Owner, Sequence: m.Sequence}
		case model.REMOVE:
			delete(r.claims, string(m.Key))
		default:
			return fmt.Errorf("replay lsn %d: unknown op %s", m.LSN, m.Op)
		}
	}
	return nil
}

// owned returns the entry for key if it exists and belongs to caller.
// Must be called with r.mu held.
func (r *Registry) owned(caller Caller, key []byte) (model.Entry, error) {
	entry, ok := r.claims[string(key)]
	if !ok {
		return model.Entry{}, ErrNotFound
	}
	if entry.Owner != caller.ID() {
		return model.Entry{}, ErrNotOwner
	}
	return entry, nil
}

func (r *Registry) record(op model.OpsType, e model.Entry) error {
	if r.journal == nil {
		return nil
	}
	mut := model.Mutation{Op: op, Key: e.Key, Owner: e.Owner, Sequence: e.Sequence}
	if err := r.journal.Append(mut); err != nil {
		return fmt.Errorf("journal %s: %w", op, err)
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func copyEntry(e model.Entry) model.Entry {
	e.Key = clone(e.Key)
	return e
}
