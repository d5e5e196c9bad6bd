package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Timer runs a job on a fixed interval until stopped.
type Timer struct {
	name     string
	job      Job
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	runs     atomic.Int64
}

// NewTimer creates a timer for job. A non-positive interval defaults to
// five minutes.
func NewTimer(name string, interval time.Duration, job Job, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		name:     name,
		job:      job,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Name returns the job name.
func (t *Timer) Name() string { return t.name }

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Runs returns how many times the job has been invoked.
func (t *Timer) Runs() int64 {
	return t.runs.Load()
}

// Start begins the periodic loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	t.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			timerRuns.WithLabelValues(t.name, "panic").Inc()
			t.logger.Error("panic in scheduled job", "job", t.name, "panic", fmt.Sprint(r))
		}
	}()

	if err := t.job(ctx); err != nil {
		timerRuns.WithLabelValues(t.name, "error").Inc()
		t.logger.Warn("scheduled job failed", "job", t.name, "error", err)
		return
	}
	timerRuns.WithLabelValues(t.name, "ok").Inc()
}
