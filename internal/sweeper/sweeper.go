// Package sweeper runs periodic housekeeping: ending feedback sessions whose
// time is up, expiring overdue quiz attempts and pruning auth sessions.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultInterval is the pause between successful passes.
const DefaultInterval = 30 * time.Second

// Task is one housekeeping step. It returns how many records it changed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper runs its tasks on a fixed interval. A failing pass is retried
// sooner, with a delay that doubles from MinBackoff up to the interval.
type Sweeper struct {
	Interval   time.Duration
	MinBackoff time.Duration
	tasks      []Task
}

// New returns a sweeper running tasks every interval.
func New(interval time.Duration, tasks ...Task) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{Interval: interval, MinBackoff: time.Second, tasks: tasks}
}

// RunOnce runs every task once. A failing task does not stop the others;
// their errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs []error
	for _, t := range s.tasks {
		n, err := t.Run(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		if n > 0 {
			slog.Info("sweeper", "task", t.Name, "changed", n)
		}
	}
	return errors.Join(errs...)
}

// newBackOff doubles from MinBackoff and caps at the interval. It never
// gives up; the sweeper keeps retrying until its context ends.
func (s *Sweeper) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.MinBackoff
	b.MaxInterval = s.Interval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	retry := s.newBackOff()
	for {
		wait := s.Interval
		if err := s.RunOnce(ctx); err != nil {
			wait = retry.NextBackOff()
			slog.Error("sweeper pass failed", "error", err, "retry_in", wait)
		} else {
			retry.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
