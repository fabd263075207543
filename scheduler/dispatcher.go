// Package scheduler polls the scheduled task table, claims due work with
// atomic leases, and dispatches each task to its registered handler. The
// database is the only coordination channel between workers: there is no
// broker, and any number of dispatchers can run against the same table.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-subscriptions/core"
	"github.com/google/uuid"
)

// Dispatcher leases due tasks and runs them through registered handlers.
type Dispatcher struct {
	tasks        core.TaskStore
	handlers     map[string]core.TaskHandler
	config       core.SchedulerConfig
	logger       core.Logger
	metrics      core.MetricsRecorder
	transactions core.TransactionRunner
	workerID     string
	now          func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(logger core.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithDispatcherMetrics(metrics core.MetricsRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// WithDispatcherWorkerID overrides the generated worker identity. Worker IDs
// end up in lock_owner, so they must be unique per process.
func WithDispatcherWorkerID(workerID string) DispatcherOption {
	return func(d *Dispatcher) {
		trimmed := strings.TrimSpace(workerID)
		if trimmed != "" {
			d.workerID = trimmed
		}
	}
}

// WithDispatcherTransactions wraps every handler execution in one database
// transaction, so a handler's state changes, its outbox rows, and the task
// transition commit or roll back together.
func WithDispatcherTransactions(runner core.TransactionRunner) DispatcherOption {
	return func(d *Dispatcher) {
		if runner != nil {
			d.transactions = runner
		}
	}
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(tasks core.TaskStore, config core.SchedulerConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	if tasks == nil {
		return nil, fmt.Errorf("scheduler: task store is required")
	}
	dispatcher := &Dispatcher{
		tasks:    tasks,
		handlers: map[string]core.TaskHandler{},
		config:   config,
		logger:   glog.Nop(),
		metrics:  core.NopMetricsRecorder{},
		workerID: fmt.Sprintf("worker-%s", uuid.NewString()[:8]),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(dispatcher)
	}
	return dispatcher, nil
}

func (d *Dispatcher) WorkerID() string {
	if d == nil {
		return ""
	}
	return d.workerID
}

// Register adds a handler for its task type. Registering the same type twice
// is a wiring bug and fails loudly.
func (d *Dispatcher) Register(handler core.TaskHandler) error {
	if d == nil {
		return fmt.Errorf("scheduler: dispatcher is not configured")
	}
	if handler == nil {
		return fmt.Errorf("scheduler: handler is required")
	}
	taskType := strings.TrimSpace(handler.TaskType())
	if taskType == "" {
		return fmt.Errorf("scheduler: handler task type is required")
	}
	if _, exists := d.handlers[taskType]; exists {
		return fmt.Errorf("scheduler: handler already registered for %q", taskType)
	}
	d.handlers[taskType] = handler
	return nil
}

// Run polls for due tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil {
		return fmt.Errorf("scheduler: dispatcher is not configured")
	}
	interval := d.config.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	core.LogInfo(ctx, d.logger, "dispatcher started", map[string]any{
		"worker_id":     d.workerID,
		"tenant_id":     d.config.TenantID,
		"poll_interval": interval.String(),
	})

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			core.LogError(ctx, d.logger, "dispatch cycle failed", err, map[string]any{
				"worker_id": d.workerID,
			})
		}
		select {
		case <-ctx.Done():
			core.LogInfo(ctx, d.logger, "dispatcher stopped", map[string]any{
				"worker_id": d.workerID,
			})
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce leases one batch of due tasks and dispatches them sequentially.
// It returns the number of tasks processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	if d == nil {
		return 0, fmt.Errorf("scheduler: dispatcher is not configured")
	}
	batchSize := d.config.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	claimed, err := d.tasks.Lease(ctx, d.config.TenantID, d.workerID, batchSize)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "lease tasks")
	}

	for _, task := range claimed {
		d.dispatch(ctx, task)
	}
	return len(claimed), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, task core.Task) {
	startedAt := d.now()
	fields := map[string]any{
		"task_id":   task.ID,
		"tenant_id": task.TenantID,
		"task_type": task.TaskType,
		"attempt":   task.AttemptCount + 1,
		"worker_id": d.workerID,
	}

	handler, ok := d.handlers[task.TaskType]
	if !ok {
		// Leaving the task READY would re-lease it forever, so an unknown
		// type parks FAILED after the log line.
		err := goerrors.New(
			fmt.Sprintf("no handler registered for task type %q", task.TaskType),
			goerrors.CategoryBadInput,
		).WithTextCode(core.BillingErrorHandlerUnknown)
		core.LogError(ctx, d.logger, "unknown task type", err, fields)
		if markErr := d.tasks.MarkFailed(ctx, task.TenantID, task.ID, err, true); markErr != nil {
			core.LogError(ctx, d.logger, "park unknown task", markErr, fields)
		}
		core.ObserveOperation(ctx, d.logger, d.metrics, startedAt, "task_dispatch", err, fields)
		return
	}

	handlerErr, txErr := d.runHandler(ctx, handler, task)
	if handlerErr == nil && txErr == nil {
		core.ObserveOperation(ctx, d.logger, d.metrics, startedAt, "task_dispatch", nil, fields)
		return
	}

	err := handlerErr
	if err == nil {
		err = txErr
	}
	terminal := core.IsTerminalTaskError(err)
	fields["terminal"] = terminal
	core.LogError(ctx, d.logger, "task handler failed", err, fields)
	if txErr != nil {
		// The transaction rolled back, so the retry transition needs its
		// own statement.
		if markErr := d.tasks.MarkFailed(ctx, task.TenantID, task.ID, err, terminal); markErr != nil {
			core.LogError(ctx, d.logger, "mark task failed", markErr, fields)
		}
	}
	core.ObserveOperation(ctx, d.logger, d.metrics, startedAt, "task_dispatch", err, fields)
}

// runHandler executes the handler and the task transition in one unit.
// Success commits the handler's writes together with the COMPLETED
// transition. A failure the handler already recorded as domain state
// commits alongside the retry transition, so the payment attempt ledger and
// the PAST_DUE side effects land atomically with the failure. Any other
// error rolls the handler's writes back and surfaces as txErr, leaving the
// retry transition to the caller.
func (d *Dispatcher) runHandler(ctx context.Context, handler core.TaskHandler, task core.Task) (handlerErr error, txErr error) {
	run := func(txCtx context.Context) error {
		handlerErr = handler.Handle(txCtx, task)
		if handlerErr == nil {
			return d.tasks.MarkCompleted(txCtx, task.TenantID, task.ID)
		}
		if core.IsRecordedTaskError(handlerErr) {
			return d.tasks.MarkFailed(txCtx, task.TenantID, task.ID, handlerErr, core.IsTerminalTaskError(handlerErr))
		}
		return handlerErr
	}
	if d.transactions != nil {
		txErr = d.transactions.RunInTransaction(ctx, run)
		return handlerErr, txErr
	}
	txErr = run(ctx)
	return handlerErr, txErr
}
