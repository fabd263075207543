package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidTaskStatusTransition         = errors.New("core: invalid task status transition")
	ErrInvalidSubscriptionStatusTransition = errors.New("core: invalid subscription status transition")
	ErrTaskNotFound                        = errors.New("core: task not found")
	ErrSubscriptionNotFound                = errors.New("core: subscription not found")
	ErrPlanNotFound                        = errors.New("core: plan not found")
	ErrInvoiceNotFound                     = errors.New("core: invoice not found")
	ErrEndpointNotFound                    = errors.New("core: webhook endpoint not found")
	ErrDeliveryNotFound                    = errors.New("core: webhook delivery not found")
)

type TaskStatus string

// CLAIMED rows carry a lock owner and expiry; COMPLETED and FAILED are
// terminal.
const (
	TaskStatusReady     TaskStatus = "READY"
	TaskStatusClaimed   TaskStatus = "CLAIMED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// Task types handled by the renewal chain.
const (
	TaskTypeSubscriptionRenewal     = "SUBSCRIPTION_RENEWAL"
	TaskTypeSubscriptionItemRenewal = "SUBSCRIPTION_ITEM_RENEWAL"
	TaskTypeChargePayment           = "CHARGE_PAYMENT"
	TaskTypeCreateDelivery          = "CREATE_DELIVERY"
	TaskTypeCreateOrder             = "CREATE_ORDER"
	TaskTypeEntitlementGrant        = "ENTITLEMENT_GRANT"
	TaskTypeTrialEnd                = "TRIAL_END"
)

type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

const (
	InvoiceStatusDraft = "DRAFT"
	InvoiceStatusOpen  = "OPEN"
	InvoiceStatusPaid  = "PAID"
	InvoiceStatusVoid  = "VOID"
)

const (
	PaymentAttemptStatusPending   = "PENDING"
	PaymentAttemptStatusSucceeded = "SUCCEEDED"
	PaymentAttemptStatusFailed    = "FAILED"
)

const (
	DeliveryInstanceStatusPending      = "PENDING"
	DeliveryInstanceStatusOrderCreated = "ORDER_CREATED"
	DeliveryInstanceStatusFailed       = "FAILED"
	DeliveryInstanceStatusCanceled     = "CANCELED"
)

const (
	EntitlementStatusActive  = "ACTIVE"
	EntitlementStatusRevoked = "REVOKED"
)

const (
	EntitlementActionGrant  = "GRANT"
	EntitlementActionRevoke = "REVOKE"
)

const (
	EndpointStatusActive   = "ACTIVE"
	EndpointStatusDisabled = "DISABLED"
)

// Outbound webhook delivery lifecycle. ABANDONED means the attempt budget
// ran out; FAILED means retrying cannot help, such as a missing or disabled
// endpoint.
const (
	WebhookStatusPending   = "PENDING"
	WebhookStatusDelivered = "DELIVERED"
	WebhookStatusFailed    = "FAILED"
	WebhookStatusAbandoned = "ABANDONED"
)

// Plan billing intervals.
const (
	IntervalDaily     = "DAILY"
	IntervalWeekly    = "WEEKLY"
	IntervalMonthly   = "MONTHLY"
	IntervalQuarterly = "QUARTERLY"
	IntervalYearly    = "YEARLY"
)

const (
	ProductTypePhysical = "PHYSICAL"
	ProductTypeDigital  = "DIGITAL"
	ProductTypeHybrid   = "HYBRID"
)

// Outbox event types emitted by the billing pipeline.
const (
	EventPaymentSucceeded     = "payment.succeeded"
	EventPaymentFailed        = "payment.failed"
	EventSubscriptionRenewed  = "subscription.renewed"
	EventSubscriptionCanceled = "subscription.canceled"
	EventSubscriptionPastDue  = "subscription.past_due"
	EventOrderCreated         = "delivery.order_created"
	EventEntitlementGranted   = "entitlement.granted"
	EventEntitlementRevoked   = "entitlement.revoked"
)

type Task struct {
	ID             string
	TenantID       string
	TaskType       string
	TaskKey        string
	SubscriptionID string
	Status         TaskStatus
	DueAt          time.Time
	AttemptCount   int
	MaxAttempts    int
	LockedUntil    *time.Time
	LockOwner      string
	Payload        map[string]any
	LastError      string
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func taskTransitionAllowed(from, to TaskStatus) bool {
	switch from {
	case TaskStatusReady:
		return to == TaskStatusClaimed || to == TaskStatusFailed
	case TaskStatusClaimed:
		return to == TaskStatusReady || to == TaskStatusCompleted || to == TaskStatusFailed
	default:
		return false
	}
}

func (t *Task) TransitionTo(status TaskStatus, now time.Time) error {
	if t == nil {
		return nil
	}
	if t.Status == status {
		t.UpdatedAt = now
		return nil
	}
	if !taskTransitionAllowed(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTaskStatusTransition, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = now
	return nil
}

// LeaseExpired reports whether the task's lock has lapsed at now. Unlocked
// tasks are never expired.
func (t Task) LeaseExpired(now time.Time) bool {
	return t.Status == TaskStatusClaimed && t.LockedUntil != nil && t.LockedUntil.Before(now)
}

type EnqueueTaskInput struct {
	TenantID       string
	TaskType       string
	TaskKey        string
	SubscriptionID string
	DueAt          time.Time
	MaxAttempts    int
	Payload        map[string]any
}

func (in EnqueueTaskInput) Validate() error {
	if strings.TrimSpace(in.TenantID) == "" {
		return fmt.Errorf("core: tenant id is required")
	}
	if strings.TrimSpace(in.TaskType) == "" {
		return fmt.Errorf("core: task type is required")
	}
	return nil
}

type OutboxEvent struct {
	ID          string
	TenantID    string
	EventType   string
	EventKey    string
	Payload     map[string]any
	PublishedAt *time.Time
	CreatedAt   time.Time
}

type EmitEventInput struct {
	TenantID  string
	EventType string
	EventKey  string
	Payload   map[string]any
}

func (in EmitEventInput) Validate() error {
	if strings.TrimSpace(in.TenantID) == "" {
		return fmt.Errorf("core: tenant id is required")
	}
	if strings.TrimSpace(in.EventType) == "" {
		return fmt.Errorf("core: event type is required")
	}
	return nil
}

type WebhookEndpoint struct {
	ID        string
	TenantID  string
	URL       string
	Secret    string
	Events    []string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Accepts reports whether the endpoint subscribes to eventType. An empty
// filter accepts every event.
func (e WebhookEndpoint) Accepts(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, candidate := range e.Events {
		if strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(eventType)) {
			return true
		}
	}
	return false
}

type WebhookDelivery struct {
	ID                 string
	TenantID           string
	EndpointID         string
	OutboxEventID      string
	EventType          string
	Payload            map[string]any
	Status             string
	AttemptCount       int
	MaxAttempts        int
	NextAttemptAt      *time.Time
	LastResponseStatus int
	LastError          string
	DeliveredAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type IdempotencyRecord struct {
	TenantID    string
	Key         string
	Fingerprint string
	StatusCode  int
	Response    map[string]any
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

type Plan struct {
	ID              string
	TenantID        string
	Name            string
	BillingInterval string
	IntervalCount   int
	AmountCents     int64
	Currency        string
	ProductType     string
	TrialDays       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RequiresFulfillment reports whether renewals of this plan ship goods.
func (p Plan) RequiresFulfillment() bool {
	return p.ProductType == ProductTypePhysical || p.ProductType == ProductTypeHybrid
}

// GrantsEntitlements reports whether renewals of this plan grant access.
func (p Plan) GrantsEntitlements() bool {
	return p.ProductType == ProductTypeDigital || p.ProductType == ProductTypeHybrid
}

type Subscription struct {
	ID                 string
	TenantID           string
	CustomerID         string
	PlanID             string
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	NextBillingDate    time.Time
	PaymentMethodRef   string
	Shipping           map[string]any
	CanceledAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func subscriptionTransitionAllowed(from, to SubscriptionStatus) bool {
	switch from {
	case SubscriptionStatusTrialing:
		return to == SubscriptionStatusActive || to == SubscriptionStatusCanceled
	case SubscriptionStatusActive:
		return to == SubscriptionStatusPastDue || to == SubscriptionStatusCanceled
	case SubscriptionStatusPastDue:
		return to == SubscriptionStatusActive || to == SubscriptionStatusCanceled
	default:
		return false
	}
}

func (s *Subscription) TransitionTo(status SubscriptionStatus, now time.Time) error {
	if s == nil {
		return nil
	}
	if s.Status == status {
		s.UpdatedAt = now
		return nil
	}
	if !subscriptionTransitionAllowed(s.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSubscriptionStatusTransition, s.Status, status)
	}
	s.Status = status
	s.UpdatedAt = now
	if status == SubscriptionStatusCanceled {
		canceledAt := now
		s.CanceledAt = &canceledAt
	}
	return nil
}

type SubscriptionItem struct {
	ID             string
	TenantID       string
	SubscriptionID string
	ProductID      string
	PlanID         string
	Quantity       int
	AmountCents    int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Invoice struct {
	ID             string
	TenantID       string
	SubscriptionID string
	InvoiceKey     string
	Status         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	TotalCents     int64
	Currency       string
	Lines          map[string]any
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type PaymentAttempt struct {
	ID                string
	TenantID          string
	InvoiceID         string
	Status            string
	AmountCents       int64
	Currency          string
	ExternalPaymentID string
	FailureReason     string
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type DeliveryInstance struct {
	ID               string
	TenantID         string
	SubscriptionID   string
	InvoiceID        string
	CycleKey         string
	Status           string
	Snapshot         map[string]any
	ExternalOrderRef string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Entitlement struct {
	ID             string
	TenantID       string
	CustomerID     string
	SubscriptionID string
	EntitlementKey string
	Status         string
	ValidFrom      time.Time
	ValidUntil     time.Time
	ExternalRef    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BillingCycleKey identifies one billing period of a subscription. It keys
// delivery instances so a retried renewal never ships twice.
func BillingCycleKey(subscriptionID string, periodStart, periodEnd time.Time) string {
	return fmt.Sprintf("%s_%s_%s",
		strings.TrimSpace(subscriptionID),
		periodStart.UTC().Format("2006-01-02"),
		periodEnd.UTC().Format("2006-01-02"),
	)
}

// EntitlementKeyFor identifies one grant of plan access for a billing period.
func EntitlementKeyFor(subscriptionID, planID string, periodStart, periodEnd time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s",
		strings.TrimSpace(subscriptionID),
		strings.TrimSpace(planID),
		periodStart.UTC().Format("2006-01-02"),
		periodEnd.UTC().Format("2006-01-02"),
	)
}

func RenewalTaskKey(subscriptionID string) string {
	return "subscription_renewal_" + strings.TrimSpace(subscriptionID)
}

// RenewalTaskKeyForCycle keys the renewal of one billing cycle. Chained
// renewals use it so a completed cycle's task row never blocks the next
// cycle's enqueue.
func RenewalTaskKeyForCycle(subscriptionID string, periodStart time.Time) string {
	return fmt.Sprintf("subscription_renewal_%s_%s",
		strings.TrimSpace(subscriptionID),
		periodStart.UTC().Format("2006-01-02"),
	)
}

func DeliveryTaskKey(subscriptionID string, periodStart, periodEnd time.Time) string {
	return "delivery_" + BillingCycleKey(subscriptionID, periodStart, periodEnd)
}

func EntitlementTaskKey(subscriptionID string, action string, periodStart, periodEnd time.Time) string {
	return fmt.Sprintf("entitlement_%s_%s",
		strings.ToLower(strings.TrimSpace(action)),
		BillingCycleKey(subscriptionID, periodStart, periodEnd),
	)
}

func TrialEndTaskKey(subscriptionID string) string {
	return "trial_end_" + strings.TrimSpace(subscriptionID)
}

func PaymentTaskKey(invoiceID string) string {
	return "payment_" + strings.TrimSpace(invoiceID)
}

func OrderTaskKey(deliveryID string) string {
	return "order_" + strings.TrimSpace(deliveryID)
}

func ItemRenewalTaskKey(subscriptionID, itemID string, periodStart time.Time) string {
	return fmt.Sprintf("item_renewal_%s_%s_%s",
		strings.TrimSpace(subscriptionID),
		strings.TrimSpace(itemID),
		periodStart.UTC().Format("2006-01-02"),
	)
}

func InvoiceKeyFor(subscriptionID string, periodStart, periodEnd time.Time) string {
	return fmt.Sprintf("renewal_%s_%s_%s",
		strings.TrimSpace(subscriptionID),
		periodStart.UTC().Format("2006-01-02"),
		periodEnd.UTC().Format("2006-01-02"),
	)
}
