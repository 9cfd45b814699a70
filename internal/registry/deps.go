package registry

import "claimkv/internal/model"

// Caller is an account identity that was authenticated before reaching the
// registry. Only the authentication layer should construct one.
type Caller struct {
	id string
}

// Authenticated wraps an already verified account id.
func Authenticated(id string) Caller { return Caller{id: id} }

// ID returns the account id.
func (c Caller) ID() string { return c.id }

// IsZero reports whether c carries no identity.
func (c Caller) IsZero() bool { return c.id == "" }

func (c Caller) String() string { return c.id }

// SequenceSource supplies the current monotonic sequence value, typically a
// block height. The registry records it and never advances it.
type SequenceSource interface {
	Current() uint64
}

// SequenceFunc adapts a function to SequenceSource.
type SequenceFunc func() uint64

func (f SequenceFunc) Current() uint64 { return f() }

// EventSink receives one event per accepted operation, in acceptance order.
// Emit is called while the registry lock is held and must not block.
type EventSink interface {
	Emit(model.Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(model.Event)

func (f SinkFunc) Emit(e model.Event) { f(e) }

// Journal durably records accepted mutations before they are applied.
type Journal interface {
	Append(mut model.Mutation) error
}

type discardSink struct{}

func (discardSink) Emit(model.Event) {}
