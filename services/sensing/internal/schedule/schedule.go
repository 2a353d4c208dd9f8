// Package schedule runs periodic jobs.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one periodic task.
type Job struct {
	Name   string
	Period time.Duration
	// Immediate runs the job once at start instead of waiting one period.
	Immediate bool
	Run       func(ctx context.Context)
	// OnSkip is called when a tick is skipped because the previous run is busy.
	OnSkip func()
}

// Runner drives a Job from a ticker. Each run happens on its own goroutine so the
// ticker keeps its cadence; a tick that fires while the previous run of the same
// job is still busy is skipped.
type Runner struct {
	job  Job
	log  *slog.Logger
	busy atomic.Bool
	wg   sync.WaitGroup
}

// NewRunner creates a runner for job.
func NewRunner(job Job, log *slog.Logger) *Runner {
	return &Runner{job: job, log: log.With("schedule", job.Name)}
}

// Start blocks until ctx is done, then waits for an in-flight run to return.
func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.job.Period)
	defer ticker.Stop()
	defer r.wg.Wait()

	if r.job.Immediate {
		r.fire(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.fire(ctx)
		}
	}
}

func (r *Runner) fire(ctx context.Context) {
	if !r.busy.CompareAndSwap(false, true) {
		r.log.Debug("previous run still busy, skipping tick")
		if r.job.OnSkip != nil {
			r.job.OnSkip()
		}
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("scheduled run panicked", "panic", p)
			}
		}()
		r.job.Run(ctx)
	}()
}

// Every is shorthand for NewRunner(job, log).Start(ctx).
func Every(ctx context.Context, log *slog.Logger, job Job) error {
	return NewRunner(job, log).Start(ctx)
}
