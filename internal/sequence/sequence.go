// Package sequence provides monotonic counters that stand in for the block
// height of a hosting ledger.
package sequence

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Counter is a manually advanced sequence.
type Counter struct {
	v atomic.Uint64
}

// NewCounter returns a counter starting at start.
func NewCounter(start uint64) *Counter {
	c := &Counter{}
	c.v.Store(start)
	return c
}

func (c *Counter) Current() uint64 { return c.v.Load() }

// Advance moves the counter forward by one and returns the new value.
func (c *Counter) Advance() uint64 { return c.v.Add(1) }

// Set moves the counter to v if v is ahead of the current value. It reports
// whether the counter changed.
func (c *Counter) Set(v uint64) bool {
	for {
		cur := c.v.Load()
		if v <= cur {
			return false
		}
		if c.v.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Ticker advances a Counter once per interval, like a chain producing blocks.
type Ticker struct {
	*Counter
	interval time.Duration
	logger   *slog.Logger
}

// NewTicker returns a ticker starting from start. Run must be called to make
// it advance.
func NewTicker(start uint64, interval time.Duration, logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{Counter: NewCounter(start), interval: interval, logger: logger}
}

// Run advances the counter until ctx is done.
func (t *Ticker) Run(ctx context.Context) {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			h := t.Advance()
			t.logger.Debug("sequence advanced", slog.Uint64("sequence", h))
		case <-ctx.Done():
			t.logger.Info("sequence ticker stopped", slog.Uint64("sequence", t.Current()))
			return
		}
	}
}
