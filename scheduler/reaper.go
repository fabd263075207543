package scheduler

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-subscriptions/core"
)

// Reaper returns tasks whose lease lapsed without completion to READY so
// another worker can pick them up. It is the crash recovery path: a worker
// that dies mid-task simply stops heartbeating and the lease expires.
type Reaper struct {
	tasks    core.TaskStore
	interval time.Duration
	logger   core.Logger
	metrics  core.MetricsRecorder
	now      func() time.Time
}

type ReaperOption func(*Reaper)

func WithReaperLogger(logger core.Logger) ReaperOption {
	return func(r *Reaper) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithReaperMetrics(metrics core.MetricsRecorder) ReaperOption {
	return func(r *Reaper) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

func WithReaperInterval(interval time.Duration) ReaperOption {
	return func(r *Reaper) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

func NewReaper(tasks core.TaskStore, opts ...ReaperOption) (*Reaper, error) {
	if tasks == nil {
		return nil, fmt.Errorf("scheduler: task store is required")
	}
	reaper := &Reaper{
		tasks:    tasks,
		interval: time.Minute,
		logger:   glog.Nop(),
		metrics:  core.NopMetricsRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(reaper)
	}
	return reaper, nil
}

// Run sweeps expired leases until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("scheduler: reaper is not configured")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	core.LogInfo(ctx, r.logger, "reaper started", map[string]any{
		"interval": r.interval.String(),
	})

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			core.LogError(ctx, r.logger, "reap cycle failed", err, nil)
		}
		select {
		case <-ctx.Done():
			core.LogInfo(ctx, r.logger, "reaper stopped", nil)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep and returns the number of recovered tasks.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("scheduler: reaper is not configured")
	}
	startedAt := r.now()
	recovered, err := r.tasks.ReapExpired(ctx, startedAt)
	if err != nil {
		wrapped := goerrors.Wrap(err, goerrors.CategoryInternal, "reap expired leases")
		core.ObserveOperation(ctx, r.logger, r.metrics, startedAt, "lease_reap", wrapped, nil)
		return 0, wrapped
	}
	if recovered > 0 {
		core.LogInfo(ctx, r.logger, "recovered expired task leases", map[string]any{
			"recovered": recovered,
		})
	}
	core.ObserveOperation(ctx, r.logger, r.metrics, startedAt, "lease_reap", nil, map[string]any{
		"recovered": recovered,
	})
	return recovered, nil
}
