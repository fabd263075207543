// Package billing implements the subscription lifecycle and the renewal
// task chain. Each billing cycle walks the same path: a renewal task writes
// an immutable invoice snapshot, a payment task charges it, and successful
// charges fan out fulfillment and entitlement work plus the next cycle's
// renewal. Every step is keyed so replays collapse onto existing rows.
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-subscriptions/core"
)

const (
	defaultTaskMaxAttempts = 3
	defaultCallTimeout     = 30 * time.Second
)

// Service owns subscription lifecycle operations and provides the task
// handlers with their shared collaborators.
type Service struct {
	stores       core.StoreProvider
	payments     core.PaymentAdapter
	commerce     core.CommerceAdapter
	entitlements core.EntitlementAdapter
	logger       core.Logger
	metrics      core.MetricsRecorder
	maxAttempts  int
	callTimeout  time.Duration
	now          func() time.Time
}

type ServiceOption func(*Service)

func WithServiceLogger(logger core.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithServiceMetrics(metrics core.MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithTaskMaxAttempts sets the attempt budget stamped onto enqueued tasks.
func WithTaskMaxAttempts(maxAttempts int) ServiceOption {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
	}
}

// WithCallTimeout bounds every adapter call. The task lease is the only
// backstop against a stuck worker, so external calls must give up first.
func WithCallTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.callTimeout = timeout
		}
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(
	stores core.StoreProvider,
	payments core.PaymentAdapter,
	commerce core.CommerceAdapter,
	entitlements core.EntitlementAdapter,
	opts ...ServiceOption,
) (*Service, error) {
	if stores == nil {
		return nil, fmt.Errorf("billing: store provider is required")
	}
	if payments == nil {
		return nil, fmt.Errorf("billing: payment adapter is required")
	}
	service := &Service{
		stores:       stores,
		payments:     payments,
		commerce:     commerce,
		entitlements: entitlements,
		logger:       glog.Nop(),
		metrics:      core.NopMetricsRecorder{},
		maxAttempts:  defaultTaskMaxAttempts,
		callTimeout:  defaultCallTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(service)
	}
	return service, nil
}

// Handlers returns the task handlers for the renewal chain in registration
// order.
func (s *Service) Handlers() []core.TaskHandler {
	return []core.TaskHandler{
		&RenewalHandler{service: s},
		&ItemRenewalHandler{service: s},
		&ChargePaymentHandler{service: s},
		&CreateDeliveryHandler{service: s},
		&CreateOrderHandler{service: s},
		&EntitlementHandler{service: s},
		&TrialEndHandler{service: s},
	}
}

// CreateSubscription persists the subscription and schedules the task that
// starts its billing clock: a trial end for trialing plans, otherwise the
// first renewal at the next billing date.
func (s *Service) CreateSubscription(ctx context.Context, subscription core.Subscription) (core.Subscription, error) {
	if s == nil {
		return core.Subscription{}, fmt.Errorf("billing: service is not configured")
	}
	startedAt := s.now()
	plan, err := s.stores.PlanStore().Get(ctx, subscription.TenantID, subscription.PlanID)
	if err != nil {
		return core.Subscription{}, goerrors.Wrap(err, goerrors.CategoryNotFound, "load plan for subscription")
	}

	if subscription.CurrentPeriodStart.IsZero() {
		subscription.CurrentPeriodStart = startedAt
	}
	if plan.TrialDays > 0 && subscription.Status == "" {
		subscription.Status = core.SubscriptionStatusTrialing
	}
	if subscription.NextBillingDate.IsZero() {
		if subscription.Status == core.SubscriptionStatusTrialing {
			subscription.NextBillingDate = subscription.CurrentPeriodStart.AddDate(0, 0, plan.TrialDays)
		} else {
			nextBilling, err := PeriodEnd(plan, subscription.CurrentPeriodStart)
			if err != nil {
				return core.Subscription{}, err
			}
			subscription.NextBillingDate = nextBilling
		}
	}

	var created core.Subscription
	err = s.inTransaction(ctx, func(ctx context.Context) error {
		var txErr error
		created, txErr = s.stores.SubscriptionStore().Create(ctx, subscription)
		if txErr != nil {
			return txErr
		}
		if created.Status == core.SubscriptionStatusTrialing {
			return s.ScheduleTrialEnd(ctx, created.TenantID, created.ID, created.NextBillingDate)
		}
		_, _, txErr = s.ScheduleRenewal(ctx, created.TenantID, created.ID, created.NextBillingDate)
		return txErr
	})
	if err != nil {
		return core.Subscription{}, err
	}

	core.LogInfo(ctx, s.logger, "subscription created", map[string]any{
		"tenant_id":       created.TenantID,
		"subscription_id": created.ID,
		"plan_id":         created.PlanID,
		"status":          string(created.Status),
	})
	core.ObserveOperation(ctx, s.logger, s.metrics, startedAt, "subscription_create", nil, map[string]any{
		"tenant_id": created.TenantID,
	})
	return created, nil
}

// ScheduleRenewal enqueues the renewal task for the subscription. Repeated
// calls collapse onto the existing task row.
func (s *Service) ScheduleRenewal(ctx context.Context, tenantID string, subscriptionID string, dueAt time.Time) (core.Task, bool, error) {
	if s == nil {
		return core.Task{}, false, fmt.Errorf("billing: service is not configured")
	}
	payload, err := core.EncodePayload(core.RenewalPayload{SubscriptionID: subscriptionID})
	if err != nil {
		return core.Task{}, false, err
	}
	return s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
		TenantID:       tenantID,
		TaskType:       core.TaskTypeSubscriptionRenewal,
		TaskKey:        core.RenewalTaskKey(subscriptionID),
		SubscriptionID: subscriptionID,
		DueAt:          dueAt,
		MaxAttempts:    s.maxAttempts,
		Payload:        payload,
	})
}

// ScheduleItemRenewal enqueues a renewal for one line item billed on its own
// cadence.
func (s *Service) ScheduleItemRenewal(ctx context.Context, tenantID string, subscriptionID string, itemID string, periodStart, periodEnd time.Time, dueAt time.Time) (core.Task, bool, error) {
	if s == nil {
		return core.Task{}, false, fmt.Errorf("billing: service is not configured")
	}
	payload, err := core.EncodePayload(core.ItemRenewalPayload{
		SubscriptionID: subscriptionID,
		ItemID:         itemID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
	})
	if err != nil {
		return core.Task{}, false, err
	}
	return s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
		TenantID:       tenantID,
		TaskType:       core.TaskTypeSubscriptionItemRenewal,
		TaskKey:        core.ItemRenewalTaskKey(subscriptionID, itemID, periodStart),
		SubscriptionID: subscriptionID,
		DueAt:          dueAt,
		MaxAttempts:    s.maxAttempts,
		Payload:        payload,
	})
}

// ScheduleTrialEnd enqueues the task that converts or cancels the
// subscription when its trial lapses.
func (s *Service) ScheduleTrialEnd(ctx context.Context, tenantID string, subscriptionID string, dueAt time.Time) error {
	if s == nil {
		return fmt.Errorf("billing: service is not configured")
	}
	payload, err := core.EncodePayload(core.TrialEndPayload{SubscriptionID: subscriptionID})
	if err != nil {
		return err
	}
	_, _, err = s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
		TenantID:       tenantID,
		TaskType:       core.TaskTypeTrialEnd,
		TaskKey:        core.TrialEndTaskKey(subscriptionID),
		SubscriptionID: subscriptionID,
		DueAt:          dueAt,
		MaxAttempts:    s.maxAttempts,
		Payload:        payload,
	})
	return err
}

// Cancel moves the subscription to CANCELED, soft-cancels its outstanding
// tasks and pending deliveries, and records the cancellation event. Task
// rows stay behind as FAILED for audit rather than being deleted.
func (s *Service) Cancel(ctx context.Context, tenantID string, subscriptionID string, reason string) error {
	if s == nil {
		return fmt.Errorf("billing: service is not configured")
	}
	startedAt := s.now()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "subscription cancelled"
	}

	var cancelledTasks, cancelledDeliveries int
	err := s.inTransaction(ctx, func(ctx context.Context) error {
		if err := s.stores.SubscriptionStore().UpdateStatus(ctx, tenantID, subscriptionID, core.SubscriptionStatusCanceled); err != nil {
			return err
		}
		var txErr error
		cancelledTasks, txErr = s.stores.TaskStore().CancelForSubscription(ctx, tenantID, subscriptionID, reason)
		if txErr != nil {
			return goerrors.Wrap(txErr, goerrors.CategoryInternal, "cancel outstanding tasks")
		}
		cancelledDeliveries, txErr = s.stores.DeliveryInstanceStore().CancelPending(ctx, tenantID, subscriptionID)
		if txErr != nil {
			return goerrors.Wrap(txErr, goerrors.CategoryInternal, "cancel pending deliveries")
		}

		_, txErr = s.stores.OutboxStore().Emit(ctx, core.EmitEventInput{
			TenantID:  tenantID,
			EventType: core.EventSubscriptionCanceled,
			EventKey:  core.EventSubscriptionCanceled + "_" + subscriptionID,
			Payload: map[string]any{
				"subscription_id": subscriptionID,
				"reason":          reason,
				"canceled_at":     startedAt.Format(time.RFC3339),
			},
		})
		return txErr
	})
	if err != nil {
		return err
	}

	core.LogInfo(ctx, s.logger, "subscription cancelled", map[string]any{
		"tenant_id":            tenantID,
		"subscription_id":      subscriptionID,
		"cancelled_tasks":      cancelledTasks,
		"cancelled_deliveries": cancelledDeliveries,
	})
	core.ObserveOperation(ctx, s.logger, s.metrics, startedAt, "subscription_cancel", nil, map[string]any{
		"tenant_id": tenantID,
	})
	return nil
}

// inTransaction runs fn inside one database transaction when the store
// provider supports it, so the lifecycle mutation and its outbox row commit
// together.
func (s *Service) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if runner, ok := s.stores.(core.TransactionRunner); ok {
		return runner.RunInTransaction(ctx, fn)
	}
	return fn(ctx)
}

// adapterContext bounds an external call so a wedged provider cannot outlive
// the task lease.
func (s *Service) adapterContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}
