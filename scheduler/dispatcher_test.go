package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-subscriptions/core"
	"github.com/goliatone/go-subscriptions/scheduler"
)

type markFailedCall struct {
	taskID   string
	terminal bool
	inTx     bool
	cause    error
}

type txMarkerKey struct{}

type stubTxRunner struct {
	begun      int
	committed  int
	rolledBack int
}

func (r *stubTxRunner) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	r.begun++
	err := fn(context.WithValue(ctx, txMarkerKey{}, true))
	if err != nil {
		r.rolledBack++
		return err
	}
	r.committed++
	return nil
}

func inStubTx(ctx context.Context) bool {
	marked, _ := ctx.Value(txMarkerKey{}).(bool)
	return marked
}

type fakeTaskStore struct {
	core.TaskStore

	due           []core.Task
	leaseErr      error
	leases        int
	completed     []string
	completedInTx []bool
	failed        []markFailedCall
	reaped        int
	reapErr       error
}

func (s *fakeTaskStore) Lease(_ context.Context, _ string, _ string, batchSize int) ([]core.Task, error) {
	s.leases++
	if s.leaseErr != nil {
		return nil, s.leaseErr
	}
	if len(s.due) <= batchSize {
		claimed := s.due
		s.due = nil
		return claimed, nil
	}
	claimed := s.due[:batchSize]
	s.due = s.due[batchSize:]
	return claimed, nil
}

func (s *fakeTaskStore) MarkCompleted(ctx context.Context, _ string, taskID string) error {
	s.completed = append(s.completed, taskID)
	s.completedInTx = append(s.completedInTx, inStubTx(ctx))
	return nil
}

func (s *fakeTaskStore) MarkFailed(ctx context.Context, _ string, taskID string, cause error, terminal bool) error {
	s.failed = append(s.failed, markFailedCall{taskID: taskID, terminal: terminal, inTx: inStubTx(ctx), cause: cause})
	return nil
}

func (s *fakeTaskStore) ReapExpired(_ context.Context, _ time.Time) (int, error) {
	if s.reapErr != nil {
		return 0, s.reapErr
	}
	return s.reaped, nil
}

type stubHandler struct {
	taskType string
	err      error
	handled  []core.Task
}

func (h *stubHandler) TaskType() string { return h.taskType }

func (h *stubHandler) Handle(_ context.Context, task core.Task) error {
	h.handled = append(h.handled, task)
	return h.err
}

func TestDispatcher_RegisterRejectsDuplicateTypes(t *testing.T) {
	dispatcher, err := scheduler.NewDispatcher(&fakeTaskStore{}, core.SchedulerConfig{TenantID: "acme"})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.Register(&stubHandler{taskType: core.TaskTypeChargePayment}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := dispatcher.Register(&stubHandler{taskType: core.TaskTypeChargePayment}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := dispatcher.Register(&stubHandler{taskType: "  "}); err == nil {
		t.Fatalf("expected empty task type to fail")
	}
}

func TestDispatcher_RunOnceCompletesHandledTasks(t *testing.T) {
	store := &fakeTaskStore{due: []core.Task{
		{ID: "task_1", TenantID: "acme", TaskType: core.TaskTypeSubscriptionRenewal},
		{ID: "task_2", TenantID: "acme", TaskType: core.TaskTypeSubscriptionRenewal},
	}}
	dispatcher, err := scheduler.NewDispatcher(store, core.SchedulerConfig{TenantID: "acme"})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	handler := &stubHandler{taskType: core.TaskTypeSubscriptionRenewal}
	if err := dispatcher.Register(handler); err != nil {
		t.Fatalf("register: %v", err)
	}

	processed, err := dispatcher.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected 2 processed tasks, got %d", processed)
	}
	if len(handler.handled) != 2 {
		t.Fatalf("expected handler invoked twice, got %d", len(handler.handled))
	}
	if len(store.completed) != 2 || store.completed[0] != "task_1" {
		t.Fatalf("expected both tasks completed, got %v", store.completed)
	}
	if len(store.failed) != 0 {
		t.Fatalf("expected no failures, got %v", store.failed)
	}
}

func TestDispatcher_UnknownTaskTypeIsParkedTerminally(t *testing.T) {
	store := &fakeTaskStore{due: []core.Task{
		{ID: "task_1", TenantID: "acme", TaskType: "SOMETHING_ELSE"},
	}}
	dispatcher, err := scheduler.NewDispatcher(store, core.SchedulerConfig{TenantID: "acme"})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	processed, err := dispatcher.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected the unknown task counted, got %d", processed)
	}
	if len(store.failed) != 1 {
		t.Fatalf("expected one failed mark, got %d", len(store.failed))
	}
	if !store.failed[0].terminal {
		t.Fatalf("expected unknown task type marked terminal")
	}
	var richErr *goerrors.Error
	if !goerrors.As(store.failed[0].cause, &richErr) || richErr.TextCode != core.BillingErrorHandlerUnknown {
		t.Fatalf("expected handler-unknown error, got %v", store.failed[0].cause)
	}
}

func TestDispatcher_ClassifiesTerminalAndTransientFailures(t *testing.T) {
	store := &fakeTaskStore{due: []core.Task{
		{ID: "task_bad", TenantID: "acme", TaskType: core.TaskTypeChargePayment},
		{ID: "task_flaky", TenantID: "acme", TaskType: core.TaskTypeCreateOrder},
	}}
	dispatcher, err := scheduler.NewDispatcher(store, core.SchedulerConfig{TenantID: "acme"})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.Register(&stubHandler{
		taskType: core.TaskTypeChargePayment,
		err:      goerrors.New("malformed payload", goerrors.CategoryBadInput),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := dispatcher.Register(&stubHandler{
		taskType: core.TaskTypeCreateOrder,
		err:      goerrors.New("upstream timeout", goerrors.CategoryExternal),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(store.failed) != 2 {
		t.Fatalf("expected two failed marks, got %d", len(store.failed))
	}
	for _, call := range store.failed {
		switch call.taskID {
		case "task_bad":
			if !call.terminal {
				t.Fatalf("expected bad input failure to be terminal")
			}
		case "task_flaky":
			if call.terminal {
				t.Fatalf("expected external failure to be retryable")
			}
		default:
			t.Fatalf("unexpected task %q marked failed", call.taskID)
		}
	}
}

func TestDispatcher_RunOnceHonoursBatchSize(t *testing.T) {
	store := &fakeTaskStore{due: []core.Task{
		{ID: "task_1", TenantID: "acme", TaskType: core.TaskTypeSubscriptionRenewal},
		{ID: "task_2", TenantID: "acme", TaskType: core.TaskTypeSubscriptionRenewal},
		{ID: "task_3", TenantID: "acme", TaskType: core.TaskTypeSubscriptionRenewal},
	}}
	dispatcher, err := scheduler.NewDispatcher(store, core.SchedulerConfig{TenantID: "acme", BatchSize: 2})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.Register(&stubHandler{taskType: core.TaskTypeSubscriptionRenewal}); err != nil {
		t.Fatalf("register: %v", err)
	}

	processed, err := dispatcher.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected batch of 2, got %d", processed)
	}
	processed, err = dispatcher.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected remaining task, got %d", processed)
	}
}

func TestDispatcher_RunOnceWrapsLeaseErrors(t *testing.T) {
	store := &fakeTaskStore{leaseErr: errors.New("db gone")}
	dispatcher, err := scheduler.NewDispatcher(store, core.SchedulerConfig{TenantID: "acme"})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if _, err := dispatcher.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected lease error to surface")
	}
}

func TestDispatcher_WorkerIDOverride(t *testing.T) {
	dispatcher, err := scheduler.NewDispatcher(&fakeTaskStore{}, core.SchedulerConfig{TenantID: "acme"},
		scheduler.WithDispatcherWorkerID("worker-fixed"))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if dispatcher.WorkerID() != "worker-fixed" {
		t.Fatalf("expected overridden worker id, got %q", dispatcher.WorkerID())
	}

	generated, err := scheduler.NewDispatcher(&fakeTaskStore{}, core.SchedulerConfig{TenantID: "acme"})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if generated.WorkerID() == "" || generated.WorkerID() == dispatcher.WorkerID() {
		t.Fatalf("expected a generated worker id, got %q", generated.WorkerID())
	}
}

func TestDispatcher_TransactionsScopeHandlerAndTransition(t *testing.T) {
	store := &fakeTaskStore{due: []core.Task{
		{ID: "task_ok", TenantID: "acme", TaskType: core.TaskTypeSubscriptionRenewal},
		{ID: "task_declined", TenantID: "acme", TaskType: core.TaskTypeChargePayment},
		{ID: "task_broken", TenantID: "acme", TaskType: core.TaskTypeCreateOrder},
	}}
	runner := &stubTxRunner{}
	dispatcher, err := scheduler.NewDispatcher(store, core.SchedulerConfig{TenantID: "acme", BatchSize: 10},
		scheduler.WithDispatcherTransactions(runner))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.Register(&stubHandler{taskType: core.TaskTypeSubscriptionRenewal}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := dispatcher.Register(&stubHandler{
		taskType: core.TaskTypeChargePayment,
		err:      goerrors.New("payment declined", goerrors.CategoryExternal),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := dispatcher.Register(&stubHandler{
		taskType: core.TaskTypeCreateOrder,
		err:      goerrors.New("store unavailable", goerrors.CategoryInternal),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := dispatcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if runner.begun != 3 {
		t.Fatalf("expected 3 transactions, got %d", runner.begun)
	}
	if runner.committed != 2 || runner.rolledBack != 1 {
		t.Fatalf("expected 2 commits and 1 rollback, got %d/%d", runner.committed, runner.rolledBack)
	}

	if len(store.completed) != 1 || store.completed[0] != "task_ok" {
		t.Fatalf("expected task_ok completed, got %v", store.completed)
	}
	if !store.completedInTx[0] {
		t.Fatalf("expected the COMPLETED transition inside the handler transaction")
	}

	if len(store.failed) != 2 {
		t.Fatalf("expected two failed marks, got %d", len(store.failed))
	}
	for _, call := range store.failed {
		switch call.taskID {
		case "task_declined":
			// The declined charge recorded its outcome, so the retry
			// transition commits with the handler's writes.
			if !call.inTx {
				t.Fatalf("expected declined charge marked failed inside the transaction")
			}
		case "task_broken":
			if call.inTx {
				t.Fatalf("expected rolled-back failure marked failed outside the transaction")
			}
		default:
			t.Fatalf("unexpected task %q marked failed", call.taskID)
		}
	}
}
