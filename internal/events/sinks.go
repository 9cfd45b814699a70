// Package events holds the sinks that receive registry notifications.
package events

import (
	"log/slog"
	"sync"

	"claimkv/internal/model"
	"claimkv/internal/registry"
)

// Recorder keeps every event in emission order.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Emit(e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// LogSink writes one structured line per event.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(e model.Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{slog.String("kind", string(e.Kind)), slog.String("caller", e.Caller)}
	if e.Key != nil {
		attrs = append(attrs, slog.String("key", string(e.Key)))
	}
	l.Info("claim event", attrs...)
}

// Group fans each event out to its sinks in order. Nil sinks are skipped.
type Group []registry.EventSink

func NewGroup(sinks ...registry.EventSink) Group {
	g := make(Group, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			g = append(g, s)
		}
	}
	return g
}

func (g Group) Emit(e model.Event) {
	for _, s := range g {
		s.Emit(e)
	}
}

var (
	_ registry.EventSink = (*Recorder)(nil)
	_ registry.EventSink = LogSink{}
	_ registry.EventSink = Group(nil)
)
