// Package lifecycletest provides a manual clock and a recording producer for
// driving the lifecycle controller deterministically in tests.
package lifecycletest

import (
	"sort"
	"sync"
	"time"

	"github.com/dj-oyu/ipcam-stream/internal/lifecycle"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

// ManualClock only fires timers when Advance moves time past their deadline.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Duration
	fn       func()
	stopped  bool
	fired    bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) lifecycle.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, deadline: c.now + d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs every due timer, in deadline
// order, on the calling goroutine.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	kept := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case t.deadline <= c.now:
			t.fired = true
			due = append(due, t)
		default:
			kept = append(kept, t)
		}
	}
	c.timers = kept
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Call is one recorded producer invocation.
type Call struct {
	Op     string // "start" or "stop"
	Device types.Device
}

// Producer records Start and Stop calls. StartErr, when set, is returned by
// the next Start.
type Producer struct {
	mu       sync.Mutex
	calls    []Call
	running  bool
	device   types.Device
	StartErr error
}

// Start records the call and fails if StartErr is set.
func (p *Producer) Start(d types.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: "start", Device: d})
	if p.StartErr != nil {
		err := p.StartErr
		p.StartErr = nil
		return err
	}
	p.running = true
	p.device = d
	return nil
}

// Stop records the call.
func (p *Producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: "stop", Device: p.device})
	p.running = false
	return nil
}

// FailNextStart makes the next Start return err.
func (p *Producer) FailNextStart(err error) {
	p.mu.Lock()
	p.StartErr = err
	p.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (p *Producer) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Count returns how many calls of the given op were recorded.
func (p *Producer) Count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Running reports whether the last Start succeeded without a later Stop.
func (p *Producer) Running() (bool, types.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.device
}

// Reset forgets the recorded calls.
func (p *Producer) Reset() {
	p.mu.Lock()
	p.calls = nil
	p.mu.Unlock()
}

// Clearer counts Clear calls.
type Clearer struct {
	mu sync.Mutex
	n  int
}

func (c *Clearer) Clear() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

// Count returns the number of Clear calls.
func (c *Clearer) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
