package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// RetrySchedule maps a failed attempt number (1-based) to the delay before
// the task becomes due again.
type RetrySchedule interface {
	NextDelay(attempt int) time.Duration
}

// TaskHandler executes one claimed task. Implementations must be idempotent:
// a crash after side effects but before completion replays the task.
type TaskHandler interface {
	TaskType() string
	Handle(ctx context.Context, task Task) error
}

// TaskStore is the scheduling surface backed by the relational store. Every
// tenant-scoped call takes the tenant explicitly; nothing is ambient.
type TaskStore interface {
	// Enqueue inserts a READY task. When the task key already exists for
	// the tenant the existing row is returned with created=false and the
	// new payload is discarded.
	Enqueue(ctx context.Context, input EnqueueTaskInput) (Task, bool, error)
	// Lease atomically claims up to batchSize due READY tasks for workerID.
	// Two concurrent callers never receive the same row.
	Lease(ctx context.Context, tenantID string, workerID string, batchSize int) ([]Task, error)
	Get(ctx context.Context, tenantID string, taskID string) (Task, error)
	MarkCompleted(ctx context.Context, tenantID string, taskID string) error
	// MarkFailed increments the attempt count and either reschedules the
	// task per the retry schedule or parks it FAILED once attempts are
	// exhausted. terminal forces FAILED regardless of remaining attempts.
	MarkFailed(ctx context.Context, tenantID string, taskID string, cause error, terminal bool) error
	// ReapExpired returns CLAIMED tasks with lapsed locks to READY across
	// all tenants and reports how many rows were recovered.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
	// CancelForSubscription parks outstanding READY and CLAIMED tasks for
	// the subscription as FAILED with the given reason.
	CancelForSubscription(ctx context.Context, tenantID string, subscriptionID string, reason string) (int, error)
}

// OutboxStore records events alongside the state change that caused them and
// hands unpublished events to the relay.
type OutboxStore interface {
	Emit(ctx context.Context, input EmitEventInput) (OutboxEvent, error)
	ClaimUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID string) error
}

type WebhookEndpointStore interface {
	Create(ctx context.Context, endpoint WebhookEndpoint) (WebhookEndpoint, error)
	Get(ctx context.Context, tenantID string, endpointID string) (WebhookEndpoint, error)
	ListActive(ctx context.Context, tenantID string, eventType string) ([]WebhookEndpoint, error)
	UpdateStatus(ctx context.Context, tenantID string, endpointID string, status string) error
}

type WebhookDeliveryStore interface {
	CreateBatch(ctx context.Context, deliveries []WebhookDelivery) error
	Get(ctx context.Context, tenantID string, deliveryID string) (WebhookDelivery, error)
	// ClaimDue returns PENDING deliveries whose next attempt is due and
	// whose attempt budget is not exhausted.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]WebhookDelivery, error)
	MarkDelivered(ctx context.Context, deliveryID string, responseStatus int) error
	// MarkRetry records a failed attempt and schedules the next one, or
	// abandons the delivery once attempts are exhausted.
	MarkRetry(ctx context.Context, deliveryID string, responseStatus int, cause string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, deliveryID string, cause string) error
	// Reschedule returns an ABANDONED or FAILED delivery to PENDING with a
	// fresh attempt budget.
	Reschedule(ctx context.Context, tenantID string, deliveryID string, nextAttemptAt time.Time) (WebhookDelivery, error)
}

// IdempotencyDecision is the outcome of an idempotency check.
type IdempotencyDecision struct {
	// Replay is true when a stored response should be returned verbatim.
	Replay     bool
	StatusCode int
	Response   map[string]any
}

type IdempotencyStore interface {
	// Check returns a replay decision when key already completed with a
	// matching fingerprint. A fingerprint mismatch is a conflict error.
	Check(ctx context.Context, tenantID string, key string, fingerprint string) (IdempotencyDecision, error)
	SaveResponse(ctx context.Context, tenantID string, key string, fingerprint string, statusCode int, response map[string]any) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type PlanStore interface {
	Create(ctx context.Context, plan Plan) (Plan, error)
	Get(ctx context.Context, tenantID string, planID string) (Plan, error)
}

type SubscriptionStore interface {
	Create(ctx context.Context, subscription Subscription) (Subscription, error)
	Get(ctx context.Context, tenantID string, subscriptionID string) (Subscription, error)
	UpdateStatus(ctx context.Context, tenantID string, subscriptionID string, status SubscriptionStatus) error
	// AdvancePeriod moves the subscription into its next billing cycle.
	AdvancePeriod(ctx context.Context, tenantID string, subscriptionID string, periodStart time.Time, nextBillingDate time.Time) error
	ListItems(ctx context.Context, tenantID string, subscriptionID string) ([]SubscriptionItem, error)
	AddItem(ctx context.Context, item SubscriptionItem) (SubscriptionItem, error)
}

type InvoiceStore interface {
	// CreateIdempotent inserts the invoice unless one already exists for
	// the same subscription and period, in which case the existing row is
	// returned with created=false.
	CreateIdempotent(ctx context.Context, invoice Invoice) (Invoice, bool, error)
	Get(ctx context.Context, tenantID string, invoiceID string) (Invoice, error)
	MarkPaid(ctx context.Context, tenantID string, invoiceID string, paidAt time.Time) error
}

type PaymentAttemptStore interface {
	Create(ctx context.Context, attempt PaymentAttempt) (PaymentAttempt, error)
	MarkSucceeded(ctx context.Context, tenantID string, attemptID string, externalPaymentID string, completedAt time.Time) error
	MarkFailed(ctx context.Context, tenantID string, attemptID string, reason string) error
	ListByInvoice(ctx context.Context, tenantID string, invoiceID string) ([]PaymentAttempt, error)
}

type DeliveryInstanceStore interface {
	// CreateIdempotent inserts the delivery unless its cycle key already
	// exists for the subscription; the existing row wins.
	CreateIdempotent(ctx context.Context, delivery DeliveryInstance) (DeliveryInstance, bool, error)
	Get(ctx context.Context, tenantID string, deliveryID string) (DeliveryInstance, error)
	MarkOrderCreated(ctx context.Context, tenantID string, deliveryID string, externalOrderRef string) error
	CancelPending(ctx context.Context, tenantID string, subscriptionID string) (int, error)
}

type EntitlementStore interface {
	// Upsert grants or refreshes the entitlement keyed by its entitlement
	// key; repeated grants for the same period are no-ops.
	Upsert(ctx context.Context, entitlement Entitlement) (Entitlement, error)
	RevokeActive(ctx context.Context, tenantID string, subscriptionID string) (int, error)
	ListBySubscription(ctx context.Context, tenantID string, subscriptionID string) ([]Entitlement, error)
}

// PaymentResult is what a payment provider reports for one charge.
type PaymentResult struct {
	ExternalPaymentID string
	Succeeded         bool
	FailureReason     string
}

// PaymentAdapter charges invoices against an external payment provider.
type PaymentAdapter interface {
	Charge(ctx context.Context, tenantID string, invoice Invoice, paymentMethodRef string) (PaymentResult, error)
}

// CommerceAdapter creates fulfillment orders in an external commerce system.
type CommerceAdapter interface {
	CreateOrder(ctx context.Context, tenantID string, delivery DeliveryInstance) (orderRef string, err error)
}

// EntitlementAdapter mirrors grants and revocations into an external
// entitlement system. Both calls must be idempotent on the external side.
type EntitlementAdapter interface {
	Grant(ctx context.Context, tenantID string, entitlement Entitlement) (externalRef string, err error)
	Revoke(ctx context.Context, tenantID string, entitlement Entitlement) error
}

// StoreProvider is what a repository factory exposes after BuildStores.
type StoreProvider interface {
	TaskStore() TaskStore
	OutboxStore() OutboxStore
	WebhookEndpointStore() WebhookEndpointStore
	WebhookDeliveryStore() WebhookDeliveryStore
	IdempotencyStore() IdempotencyStore
	PlanStore() PlanStore
	SubscriptionStore() SubscriptionStore
	InvoiceStore() InvoiceStore
	PaymentAttemptStore() PaymentAttemptStore
	DeliveryInstanceStore() DeliveryInstanceStore
	EntitlementStore() EntitlementStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

// TransactionRunner scopes fn to one database transaction. Store calls made
// with the ctx passed to fn join that transaction, which is how a state
// change and the outbox row describing it commit or roll back together.
type TransactionRunner interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
