package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work. A non-nil error means the run
// failed and will be retried.
type Task func(ctx context.Context) error

// Scheduler runs named background work: periodic jobs and one-shot
// timers. Implementations must survive task failures.
type Scheduler interface {
	Every(name string, interval time.Duration, fn Task)
	At(name string, t time.Time, fn Task)
}

// Runner is the timer-based Scheduler. Failed periodic runs are retried
// on a shortened backoff before returning to the normal cadence; failed
// one-shots are retried a bounded number of times.
type Runner struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a running scheduler. Close stops all jobs.
func NewRunner(logger *zap.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{logger: logger, ctx: ctx, cancel: cancel}
}

// Close stops all scheduled work and waits for in-flight runs.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

// Every runs fn at the given interval until the scheduler is closed.
func (r *Runner) Every(name string, interval time.Duration, fn Task) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		delay := interval
		fails := 0
		for {
			select {
			case <-time.After(delay):
			case <-r.ctx.Done():
				return
			}
			if err := fn(r.ctx); err != nil {
				if r.ctx.Err() != nil {
					return
				}
				fails++
				delay = retryDelay(interval, fails)
				r.logger.Warn("periodic task failed", zap.String("task", name),
					zap.Error(err), zap.Duration("retry_in", delay))
				continue
			}
			fails = 0
			delay = interval
		}
	}()
}

// At runs fn once at time t (immediately if t is in the past), retrying
// a few times on failure.
func (r *Runner) At(name string, t time.Time, fn Task) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(time.Until(t)):
		case <-r.ctx.Done():
			return
		}
		for attempt := 0; attempt < 5; attempt++ {
			err := fn(r.ctx)
			if err == nil || r.ctx.Err() != nil {
				return
			}
			d := time.Second << attempt
			r.logger.Warn("one-shot task failed", zap.String("task", name),
				zap.Error(err), zap.Int("attempt", attempt+1))
			select {
			case <-time.After(d):
			case <-r.ctx.Done():
				return
			}
		}
		r.logger.Error("one-shot task abandoned", zap.String("task", name))
	}()
}

// retryDelay shortens the wait after a failure, growing back toward the
// normal interval as failures repeat.
func retryDelay(interval time.Duration, fails int) time.Duration {
	d := interval / 8
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	for i := 1; i < fails && d < interval; i++ {
		d *= 2
	}
	if d > interval {
		d = interval
	}
	return d
}
