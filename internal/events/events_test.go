package events

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimkv/internal/model"
	"claimkv/internal/registry"
)

func TestRecorderKeepsOrder(t *testing.T) {
	var rec Recorder
	rec.Emit(model.Event{Kind: model.EventCreated, Caller: "1", Key: []byte("a")})
	rec.Emit(model.Event{Kind: model.EventRead, Caller: "1"})

	got := rec.Events()
	require.Len(t, got, 2)
	assert.Equal(t, model.EventCreated, got[0].Kind)
	assert.Equal(t, model.EventRead, got[1].Kind)

	got[0].Caller = "mutated"
	assert.Equal(t, "1", rec.Events()[0].Caller)
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	sink.Emit(model.Event{Kind: model.EventRemoved, Caller: "7", Key: []byte("title")})

	line := buf.String()
	assert.Contains(t, line, "kind=removed")
	assert.Contains(t, line, "caller=7")
	assert.Contains(t, line, "key=title")
}

func TestGroupFansOutAndSkipsNil(t *testing.T) {
	var a, b Recorder
	g := NewGroup(&a, nil, &b)
	require.Len(t, g, 2)

	g.Emit(model.Event{Kind: model.EventRead, Caller: "1"})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestBrokerDeliversInOrder(t *testing.T) {
	br := NewBroker(nil)
	ch, cancel := br.Subscribe(8)
	defer cancel()

	br.Emit(model.Event{Kind: model.EventCreated, Caller: "1", Key: []byte("a")})
	br.Emit(model.Event{Kind: model.EventRemoved, Caller: "1", Key: []byte("a")})

	first := <-ch
	second := <-ch
	assert.Equal(t, model.EventCreated, first.Event.Kind)
	assert.Equal(t, model.EventRemoved, second.Event.Kind)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	br := NewBroker(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	slow, cancelSlow := br.Subscribe(1)
	defer cancelSlow()

	for i := 0; i < 3; i++ {
		br.Emit(model.Event{Kind: model.EventRead, Caller: "1"})
	}
	assert.Equal(t, uint64(2), br.Dropped())
	assert.Len(t, slow, 1)
}

func TestBrokerCancelAndClose(t *testing.T) {
	br := NewBroker(nil)
	ch, cancel := br.Subscribe(1)
	assert.Equal(t, 1, br.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, br.Subscribers())

	other, _ := br.Subscribe(1)
	br.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, _ := br.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestBrokerAsRegistrySink(t *testing.T) {
	br := NewBroker(nil)
	ch, cancel := br.Subscribe(4)
	defer cancel()

	var rec Recorder
	reg := registry.New(registry.SequenceFunc(func() uint64 { return 1 }), NewGroup(&rec, br))
	_, err := reg.Create(registry.Authenticated("1"), []byte("k"))
	require.NoError(t, err)
	_, err = reg.Create(registry.Authenticated("2"), []byte("k"))
	require.ErrorIs(t, err, registry.ErrAlreadyExists)

	env := <-ch
	assert.Equal(t, model.EventCreated, env.Event.Kind)
	assert.Len(t, rec.Events(), 1)
	assert.Len(t, ch, 0)
}
