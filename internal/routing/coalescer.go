package routing

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wolfeidau/storefleet/internal/syncmap"
	"github.com/wolfeidau/storefleet/internal/telemetry"
)

// CoalescerState is the per key state of a Coalescer.
type CoalescerState int

const (
	StateIdle CoalescerState = iota
	StateCooling
	StatePendingTrailing
)

func (s CoalescerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCooling:
		return "cooling"
	case StatePendingTrailing:
		return "pending_trailing"
	}
	return "unknown"
}

type coalescerEntry struct {
	mu      sync.Mutex
	state   CoalescerState
	pending func()
	timer   *clock.Timer
	// gen identifies the live window; timers of older windows do nothing
	gen uint64
}

// Coalescer merges bursts of requests per key. A request on an idle key runs
// immediately and starts a cooldown window. Requests during the window are
// merged into one trailing run, using the most recent function, fired when
// the window elapses. The trailing run starts a new window of its own.
type Coalescer struct {
	clock   clock.Clock
	window  time.Duration
	entries syncmap.Map[string, *coalescerEntry]
}

// NewCoalescer creates a coalescer with the given cooldown window.
func NewCoalescer(clk clock.Clock, window time.Duration) *Coalescer {
	return &Coalescer{clock: clk, window: window}
}

// Trigger requests a run of fn for key. Leading runs execute on the calling
// goroutine, trailing runs on a timer goroutine.
func (c *Coalescer) Trigger(key string, fn func()) {
	e, _ := c.entries.GetOrCreate(key, func() *coalescerEntry { return &coalescerEntry{} })

	e.mu.Lock()
	switch e.state {
	case StateIdle:
		e.state = StateCooling
		c.arm(e)
		e.mu.Unlock()
		fn()
		return
	case StateCooling, StatePendingTrailing:
		e.state = StatePendingTrailing
		e.pending = fn
		e.mu.Unlock()
		telemetry.GetMetrics().ReloadsCoalescedTotal.Add(context.Background(), 1)
		return
	}
	e.mu.Unlock()
}

// State returns the current state of key.
func (c *Coalescer) State(key string) CoalescerState {
	e, ok := c.entries.Get(key)
	if !ok {
		return StateIdle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stop cancels every window, dropping pending trailing runs.
func (c *Coalescer) Stop() {
	for _, e := range c.entries.Values() {
		e.mu.Lock()
		e.cancel()
		e.state = StateIdle
		e.pending = nil
		e.mu.Unlock()
	}
}

// Flush runs every pending trailing run now on the calling goroutine and
// cancels all windows.
func (c *Coalescer) Flush() {
	for _, e := range c.entries.Values() {
		e.mu.Lock()
		e.cancel()
		fn := e.pending
		e.state = StateIdle
		e.pending = nil
		e.mu.Unlock()

		if fn != nil {
			fn()
		}
	}
}

// arm starts a cooldown window. Callers hold e.mu.
func (c *Coalescer) arm(e *coalescerEntry) {
	e.gen++
	gen := e.gen
	e.timer = c.clock.AfterFunc(c.window, func() { c.expire(e, gen) })
}

// cancel stops the live window. Callers hold e.mu.
func (e *coalescerEntry) cancel() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (c *Coalescer) expire(e *coalescerEntry, gen uint64) {
	e.mu.Lock()
	if e.gen != gen {
		// stopped or superseded
		e.mu.Unlock()
		return
	}

	if e.state != StatePendingTrailing {
		e.state = StateIdle
		e.timer = nil
		e.mu.Unlock()
		return
	}

	fn := e.pending
	e.pending = nil
	e.state = StateCooling
	c.arm(e)
	e.mu.Unlock()

	fn()
}
