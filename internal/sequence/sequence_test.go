package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAdvanceAndSet(t *testing.T) {
	c := NewCounter(5)
	assert.Equal(t, uint64(5), c.Current())
	assert.Equal(t, uint64(6), c.Advance())

	assert.False(t, c.Set(3), "counter must never move backwards")
	assert.Equal(t, uint64(6), c.Current())
	assert.True(t, c.Set(10))
	assert.Equal(t, uint64(10), c.Current())
}

func TestTickerAdvancesUntilCancelled(t *testing.T) {
	tk := NewTicker(1, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tk.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return tk.Current() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done

	stopped := tk.Current()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, tk.Current())
}
