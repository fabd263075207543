package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-subscriptions/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

const defaultTaskMaxAttempts = 3

// StepRetrySchedule reschedules failed attempts at fixed offsets: the first
// retry is immediate, then five minutes, then fifteen.
type StepRetrySchedule struct {
	Steps []time.Duration
}

func DefaultRetrySchedule() StepRetrySchedule {
	return StepRetrySchedule{Steps: []time.Duration{0, 5 * time.Minute, 15 * time.Minute}}
}

func (s StepRetrySchedule) NextDelay(attempt int) time.Duration {
	steps := s.Steps
	if len(steps) == 0 {
		steps = DefaultRetrySchedule().Steps
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(steps) {
		return steps[len(steps)-1]
	}
	return steps[attempt-1]
}

type TaskStore struct {
	db            *bun.DB
	repo          repository.Repository[*taskRecord]
	leaseDuration time.Duration
	retrySchedule core.RetrySchedule
	now           func() time.Time
}

type TaskStoreOption func(*TaskStore)

func WithTaskLeaseDuration(lease time.Duration) TaskStoreOption {
	return func(s *TaskStore) {
		if lease > 0 {
			s.leaseDuration = lease
		}
	}
}

func WithTaskRetrySchedule(schedule core.RetrySchedule) TaskStoreOption {
	return func(s *TaskStore) {
		if schedule != nil {
			s.retrySchedule = schedule
		}
	}
}

func WithTaskClock(now func() time.Time) TaskStoreOption {
	return func(s *TaskStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewTaskStore(db *bun.DB, opts ...TaskStoreOption) (*TaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*taskRecord](db, taskHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid task repository wiring: %w", err)
		}
	}
	store := &TaskStore{
		db:            db,
		repo:          repo,
		leaseDuration: 5 * time.Minute,
		retrySchedule: DefaultRetrySchedule(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(store)
	}
	return store, nil
}

func (s *TaskStore) Enqueue(ctx context.Context, input core.EnqueueTaskInput) (core.Task, bool, error) {
	if s == nil || s.db == nil {
		return core.Task{}, false, fmt.Errorf("sqlstore: task store is not configured")
	}
	if err := input.Validate(); err != nil {
		return core.Task{}, false, err
	}

	now := s.now()
	dueAt := input.DueAt.UTC()
	if dueAt.IsZero() {
		dueAt = now
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultTaskMaxAttempts
	}
	record := &taskRecord{
		ID:             uuid.NewString(),
		TenantID:       strings.TrimSpace(input.TenantID),
		TaskType:       strings.TrimSpace(input.TaskType),
		TaskKey:        optionalString(strings.TrimSpace(input.TaskKey)),
		SubscriptionID: optionalString(strings.TrimSpace(input.SubscriptionID)),
		Status:         string(core.TaskStatusReady),
		DueAt:          dueAt,
		AttemptCount:   0,
		MaxAttempts:    maxAttempts,
		Payload:        copyAnyMap(input.Payload),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) && record.TaskKey != nil {
			existing, getErr := s.getByKey(ctx, record.TenantID, *record.TaskKey)
			if getErr != nil {
				return core.Task{}, false, getErr
			}
			return existing, false, nil
		}
		return core.Task{}, false, err
	}
	return taskRecordToDomain(record), true, nil
}

// Lease claims up to batchSize due READY tasks in a single atomic update.
// The inner select filters on status, due time, and lapsed locks; the outer
// update re-checks status so a row claimed between the select and the update
// cannot be claimed twice. Postgres additionally skips rows locked by
// concurrent transactions.
func (s *TaskStore) Lease(ctx context.Context, tenantID string, workerID string, batchSize int) ([]core.Task, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: task store is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	workerID = strings.TrimSpace(workerID)
	if tenantID == "" {
		return nil, fmt.Errorf("sqlstore: tenant id is required")
	}
	if workerID == "" {
		return nil, fmt.Errorf("sqlstore: worker id is required")
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	now := s.now()
	lockedUntil := now.Add(s.leaseDuration)

	rowLock := ""
	if s.db.Dialect().Name() == dialect.PG {
		rowLock = "\n\tFOR UPDATE SKIP LOCKED"
	}

	var records []taskRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM scheduled_tasks
	WHERE tenant_id = ?
	  AND status = ?
	  AND due_at <= ?
	  AND (locked_until IS NULL OR locked_until < ?)
	ORDER BY due_at ASC
	LIMIT ?` + rowLock + `
)
UPDATE scheduled_tasks
SET status = ?, lock_owner = ?, locked_until = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	tenant_id,
	task_type,
	task_key,
	subscription_id,
	status,
	due_at,
	attempt_count,
	max_attempts,
	locked_until,
	lock_owner,
	payload,
	last_error,
	completed_at,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			tenantID,
			string(core.TaskStatusReady),
			now,
			now,
			batchSize,
			string(core.TaskStatusClaimed),
			workerID,
			lockedUntil,
			now,
			string(core.TaskStatusReady),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]core.Task, 0, len(records))
	for i := range records {
		tasks = append(tasks, taskRecordToDomain(&records[i]))
	}
	return tasks, nil
}

func (s *TaskStore) Get(ctx context.Context, tenantID string, taskID string) (core.Task, error) {
	if s == nil || s.db == nil {
		return core.Task{}, fmt.Errorf("sqlstore: task store is not configured")
	}
	record := &taskRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.id = ?", strings.TrimSpace(taskID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Task{}, core.ErrTaskNotFound
		}
		return core.Task{}, err
	}
	return taskRecordToDomain(record), nil
}

func (s *TaskStore) getByKey(ctx context.Context, tenantID string, taskKey string) (core.Task, error) {
	record := &taskRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.task_key = ?", taskKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Task{}, core.ErrTaskNotFound
		}
		return core.Task{}, err
	}
	return taskRecordToDomain(record), nil
}

func (s *TaskStore) MarkCompleted(ctx context.Context, tenantID string, taskID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task store is not configured")
	}
	now := s.now()
	_, err := conn(ctx, s.db).NewUpdate().
		Model((*taskRecord)(nil)).
		Set("status = ?", string(core.TaskStatusCompleted)).
		Set("completed_at = ?", now).
		Set("locked_until = NULL").
		Set("lock_owner = NULL").
		Set("updated_at = ?", now).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(taskID)).
		Exec(ctx)
	return err
}

func (s *TaskStore) MarkFailed(ctx context.Context, tenantID string, taskID string, cause error, terminal bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task store is not configured")
	}
	task, err := s.Get(ctx, tenantID, taskID)
	if err != nil {
		return err
	}

	now := s.now()
	attempts := task.AttemptCount + 1
	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}

	status := string(core.TaskStatusReady)
	dueAt := task.DueAt
	if terminal || attempts >= task.MaxAttempts {
		status = string(core.TaskStatusFailed)
	} else {
		dueAt = now.Add(s.retrySchedule.NextDelay(attempts))
	}

	_, err = conn(ctx, s.db).NewUpdate().
		Model((*taskRecord)(nil)).
		Set("status = ?", status).
		Set("attempt_count = ?", attempts).
		Set("due_at = ?", dueAt).
		Set("last_error = ?", lastError).
		Set("locked_until = NULL").
		Set("lock_owner = NULL").
		Set("updated_at = ?", now).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(taskID)).
		Exec(ctx)
	return err
}

// ReapExpired recovers tasks whose worker died mid-lease. It only touches
// CLAIMED rows with a lapsed lock, so active leases are never disturbed.
// The sweep is deliberately cross-tenant: crash recovery is structural.
func (s *TaskStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: task store is not configured")
	}
	if now.IsZero() {
		now = s.now()
	}
	result, err := conn(ctx, s.db).NewUpdate().
		Model((*taskRecord)(nil)).
		Set("status = ?", string(core.TaskStatusReady)).
		Set("locked_until = NULL").
		Set("lock_owner = NULL").
		Set("updated_at = ?", now.UTC()).
		Where("status = ?", string(core.TaskStatusClaimed)).
		Where("locked_until IS NOT NULL").
		Where("locked_until < ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// CancelForSubscription parks outstanding tasks for a subscription. Rows
// match on the dedicated subscription_id column, never on payload contents.
func (s *TaskStore) CancelForSubscription(ctx context.Context, tenantID string, subscriptionID string, reason string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: task store is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	subscriptionID = strings.TrimSpace(subscriptionID)
	if tenantID == "" || subscriptionID == "" {
		return 0, fmt.Errorf("sqlstore: tenant id and subscription id are required")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}
	now := s.now()
	result, err := conn(ctx, s.db).NewUpdate().
		Model((*taskRecord)(nil)).
		Set("status = ?", string(core.TaskStatusFailed)).
		Set("last_error = ?", strings.TrimSpace(reason)).
		Set("locked_until = NULL").
		Set("lock_owner = NULL").
		Set("updated_at = ?", now).
		Where("tenant_id = ?", tenantID).
		Where("subscription_id = ?", subscriptionID).
		Where("status IN (?, ?)", string(core.TaskStatusReady), string(core.TaskStatusClaimed)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func taskRecordToDomain(record *taskRecord) core.Task {
	if record == nil {
		return core.Task{}
	}
	return core.Task{
		ID:             record.ID,
		TenantID:       record.TenantID,
		TaskType:       record.TaskType,
		TaskKey:        stringOrEmpty(record.TaskKey),
		SubscriptionID: stringOrEmpty(record.SubscriptionID),
		Status:         core.TaskStatus(record.Status),
		DueAt:          record.DueAt,
		AttemptCount:   record.AttemptCount,
		MaxAttempts:    record.MaxAttempts,
		LockedUntil:    cloneTime(record.LockedUntil),
		LockOwner:      stringOrEmpty(record.LockOwner),
		Payload:        copyAnyMap(record.Payload),
		LastError:      record.LastError,
		CompletedAt:    cloneTime(record.CompletedAt),
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

var _ core.TaskStore = (*TaskStore)(nil)
var _ core.RetrySchedule = StepRetrySchedule{}
