// Package quiztimer implements the countdown shown while a quiz is taken.
//
// A Timer ticks once per interval, publishes the remaining time and calls its
// finish callback when the remaining time reaches zero. Remaining time is
// always recomputed from the clock, so a slow tick never accumulates drift.
package quiztimer

import (
	"context"
	"sync"
	"time"
)

// DefaultTick is the tick interval used unless WithTick is given.
const DefaultTick = time.Second

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Timer.
type Option func(*Timer)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(t *Timer) { t.clock = c }
}

// WithTick sets the tick interval.
func WithTick(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// OnTick registers a callback that receives the remaining time on every tick.
func OnTick(fn func(remaining time.Duration)) Option {
	return func(t *Timer) { t.onTick = fn }
}

// OnFinish registers a callback that runs once when the countdown hits zero.
func OnFinish(fn func()) Option {
	return func(t *Timer) { t.onFinish = fn }
}

// Timer is a pausable countdown. The zero value is not usable; call New.
type Timer struct {
	total    time.Duration
	interval time.Duration
	clock    Clock
	onTick   func(time.Duration)
	onFinish func()

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	gen      uint64
	start    time.Time
	elapsed  time.Duration
	running  bool
	finished bool
	stopped  bool
}

// New returns a stopped timer for the given duration.
func New(total time.Duration, opts ...Option) *Timer {
	t := &Timer{
		total:    total,
		interval: DefaultTick,
		clock:    systemClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins the countdown. The loop ends when ctx is cancelled, in which
// case the finish callback does not run. Calling Start on a running, finished
// or stopped timer does nothing.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.finished || t.stopped {
		return
	}
	t.ctx = ctx
	t.launchLocked()
}

// Pause stops ticking and keeps the elapsed time.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.elapsed = t.clock.Now().Sub(t.start)
	t.haltLocked()
}

// Resume continues a paused countdown from the retained elapsed time.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.finished || t.stopped || t.ctx == nil {
		return
	}
	t.launchLocked()
}

// Stop ends the countdown for good without calling the finish callback.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.elapsed = t.clock.Now().Sub(t.start)
		t.haltLocked()
	}
	t.stopped = true
}

// Remaining returns the time left, clamped at zero.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

// Running reports whether the countdown is ticking.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Finished reports whether the countdown reached zero.
func (t *Timer) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *Timer) remainingLocked() time.Duration {
	if t.finished {
		return 0
	}
	elapsed := t.elapsed
	if t.running {
		elapsed = t.clock.Now().Sub(t.start)
	}
	return max(t.total-elapsed, 0)
}

func (t *Timer) launchLocked() {
	t.start = t.clock.Now().Add(-t.elapsed)
	t.running = true
	t.gen++
	ctx, cancel := context.WithCancel(t.ctx)
	t.cancel = cancel
	go t.loop(ctx, t.gen)
}

func (t *Timer) haltLocked() {
	t.running = false
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Timer) loop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			if t.gen == gen && t.running {
				// Scope teardown: keep what elapsed, stop for good.
				t.elapsed = t.clock.Now().Sub(t.start)
				t.running = false
				t.stopped = true
			}
			t.mu.Unlock()
			return
		case <-ticker.C:
			remaining, done, ok := t.tick(gen)
			if !ok {
				return
			}
			if t.onTick != nil {
				t.onTick(remaining)
			}
			if done {
				if t.onFinish != nil {
					t.onFinish()
				}
				return
			}
		}
	}
}

// tick recomputes the remaining time. ok is false when the loop is stale.
func (t *Timer) tick(gen uint64) (remaining time.Duration, done, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || !t.running {
		return 0, false, false
	}
	remaining = t.remainingLocked()
	if remaining > 0 {
		return remaining, false, true
	}
	t.elapsed = t.total
	t.finished = true
	t.haltLocked()
	return 0, true, true
}
