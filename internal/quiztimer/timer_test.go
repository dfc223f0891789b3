package quiztimer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTimerFinishesOnce(t *testing.T) {
	clock := newFakeClock()
	var finished atomic.Int32
	tm := New(time.Minute,
		WithClock(clock),
		WithTick(time.Millisecond),
		OnFinish(func() { finished.Add(1) }),
	)
	tm.Start(context.Background())

	if got := tm.Remaining(); got != time.Minute {
		t.Errorf("expected full minute remaining, got %v", got)
	}

	clock.Advance(30 * time.Second)
	if got := tm.Remaining(); got != 30*time.Second {
		t.Errorf("expected 30s remaining, got %v", got)
	}

	clock.Advance(45 * time.Second)
	waitFor(t, tm.Finished)

	// Extra ticks must not fire the callback again.
	time.Sleep(10 * time.Millisecond)
	if n := finished.Load(); n != 1 {
		t.Errorf("expected finish to fire once, fired %d times", n)
	}
	if tm.Remaining() != 0 {
		t.Errorf("expected remaining clamped at 0, got %v", tm.Remaining())
	}
	if tm.Running() {
		t.Error("finished timer should not be running")
	}
}

func TestTimerPauseResume(t *testing.T) {
	clock := newFakeClock()
	tm := New(10*time.Minute, WithClock(clock), WithTick(time.Millisecond))
	tm.Start(context.Background())

	clock.Advance(4 * time.Minute)
	tm.Pause()
	if tm.Running() {
		t.Fatal("expected paused timer")
	}

	// Time passing while paused does not count.
	clock.Advance(time.Hour)
	if got := tm.Remaining(); got != 6*time.Minute {
		t.Errorf("expected 6m remaining while paused, got %v", got)
	}

	tm.Resume()
	if !tm.Running() {
		t.Fatal("expected running after resume")
	}
	clock.Advance(time.Minute)
	if got := tm.Remaining(); got != 5*time.Minute {
		t.Errorf("expected 5m remaining after resume, got %v", got)
	}
	tm.Stop()
}

func TestTimerTicksAreMonotonic(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var seen []time.Duration
	tm := New(time.Second,
		WithClock(clock),
		WithTick(time.Millisecond),
		OnTick(func(r time.Duration) {
			mu.Lock()
			seen = append(seen, r)
			mu.Unlock()
		}),
	)
	tm.Start(context.Background())
	for range 5 {
		clock.Advance(250 * time.Millisecond)
		time.Sleep(3 * time.Millisecond)
	}
	waitFor(t, tm.Finished)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("expected ticks")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] > seen[i-1] {
			t.Fatalf("remaining increased: %v after %v", seen[i], seen[i-1])
		}
	}
	if seen[len(seen)-1] != 0 {
		t.Errorf("expected last tick at 0, got %v", seen[len(seen)-1])
	}
}

func TestTimerStopSkipsFinish(t *testing.T) {
	clock := newFakeClock()
	var finished atomic.Bool
	tm := New(time.Second, WithClock(clock), WithTick(time.Millisecond), OnFinish(func() { finished.Store(true) }))
	tm.Start(context.Background())
	tm.Stop()
	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)

	if finished.Load() {
		t.Error("stopped timer must not finish")
	}
	tm.Resume()
	if tm.Running() {
		t.Error("stopped timer must not resume")
	}
}

func TestTimerContextCancel(t *testing.T) {
	clock := newFakeClock()
	var finished atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	tm := New(time.Second, WithClock(clock), WithTick(time.Millisecond), OnFinish(func() { finished.Store(true) }))
	tm.Start(ctx)
	cancel()
	waitFor(t, func() bool { return !tm.Running() })

	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	if finished.Load() {
		t.Error("cancelled timer must not finish")
	}
}
