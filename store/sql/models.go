package sqlstore

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type taskRecord struct {
	bun.BaseModel `bun:"table:scheduled_tasks,alias:st"`

	ID             string         `bun:"id,pk"`
	TenantID       string         `bun:"tenant_id,notnull"`
	TaskType       string         `bun:"task_type,notnull"`
	TaskKey        *string        `bun:"task_key"`
	SubscriptionID *string        `bun:"subscription_id"`
	Status         string         `bun:"status,notnull"`
	DueAt          time.Time      `bun:"due_at,notnull"`
	AttemptCount   int            `bun:"attempt_count,notnull"`
	MaxAttempts    int            `bun:"max_attempts,notnull"`
	LockedUntil    *time.Time     `bun:"locked_until,nullzero"`
	LockOwner      *string        `bun:"lock_owner"`
	Payload        map[string]any `bun:"payload,type:jsonb,notnull"`
	LastError      string         `bun:"last_error"`
	CompletedAt    *time.Time     `bun:"completed_at,nullzero"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type outboxEventRecord struct {
	bun.BaseModel `bun:"table:outbox_events,alias:oe"`

	ID          string         `bun:"id,pk"`
	TenantID    string         `bun:"tenant_id,notnull"`
	EventType   string         `bun:"event_type,notnull"`
	EventKey    *string        `bun:"event_key"`
	Payload     map[string]any `bun:"payload,type:jsonb,notnull"`
	PublishedAt *time.Time     `bun:"published_at,nullzero"`
	CreatedAt   time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type webhookEndpointRecord struct {
	bun.BaseModel `bun:"table:webhook_endpoints,alias:we"`

	ID        string    `bun:"id,pk"`
	TenantID  string    `bun:"tenant_id,notnull"`
	URL       string    `bun:"url,notnull"`
	Secret    string    `bun:"secret,notnull"`
	Events    []string  `bun:"events,type:jsonb,notnull"`
	Status    string    `bun:"status,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:webhook_deliveries,alias:wd"`

	ID                 string         `bun:"id,pk"`
	TenantID           string         `bun:"tenant_id,notnull"`
	EndpointID         string         `bun:"endpoint_id,notnull"`
	OutboxEventID      string         `bun:"outbox_event_id,notnull"`
	EventType          string         `bun:"event_type,notnull"`
	Payload            map[string]any `bun:"payload,type:jsonb,notnull"`
	Status             string         `bun:"status,notnull"`
	AttemptCount       int            `bun:"attempt_count,notnull"`
	MaxAttempts        int            `bun:"max_attempts,notnull"`
	NextAttemptAt      *time.Time     `bun:"next_attempt_at,nullzero"`
	LastResponseStatus int            `bun:"last_response_status"`
	LastError          string         `bun:"last_error"`
	DeliveredAt        *time.Time     `bun:"delivered_at,nullzero"`
	CreatedAt          time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt          time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type idempotencyKeyRecord struct {
	bun.BaseModel `bun:"table:idempotency_keys,alias:ik"`

	TenantID    string         `bun:"tenant_id,pk"`
	Key         string         `bun:"key,pk"`
	Fingerprint string         `bun:"request_fingerprint,notnull"`
	StatusCode  int            `bun:"status_code,notnull"`
	Response    map[string]any `bun:"response_snapshot,type:jsonb,notnull"`
	ExpiresAt   time.Time      `bun:"expires_at,notnull"`
	CreatedAt   time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type planRecord struct {
	bun.BaseModel `bun:"table:plans,alias:pl"`

	ID              string    `bun:"id,pk"`
	TenantID        string    `bun:"tenant_id,notnull"`
	Name            string    `bun:"name,notnull"`
	BillingInterval string    `bun:"billing_interval,notnull"`
	IntervalCount   int       `bun:"interval_count,notnull"`
	AmountCents     int64     `bun:"amount_cents,notnull"`
	Currency        string    `bun:"currency,notnull"`
	ProductType     string    `bun:"product_type,notnull"`
	TrialDays       int       `bun:"trial_days,notnull"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:subscriptions,alias:sb"`

	ID                 string         `bun:"id,pk"`
	TenantID           string         `bun:"tenant_id,notnull"`
	CustomerID         string         `bun:"customer_id,notnull"`
	PlanID             string         `bun:"plan_id,notnull"`
	Status             string         `bun:"status,notnull"`
	CurrentPeriodStart time.Time      `bun:"current_period_start,notnull"`
	NextBillingDate    time.Time      `bun:"next_billing_date,notnull"`
	PaymentMethodRef   string         `bun:"payment_method_ref"`
	Shipping           map[string]any `bun:"shipping,type:jsonb"`
	CanceledAt         *time.Time     `bun:"canceled_at,nullzero"`
	CreatedAt          time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt          time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionItemRecord struct {
	bun.BaseModel `bun:"table:subscription_items,alias:si"`

	ID             string    `bun:"id,pk"`
	TenantID       string    `bun:"tenant_id,notnull"`
	SubscriptionID string    `bun:"subscription_id,notnull"`
	ProductID      string    `bun:"product_id,notnull"`
	PlanID         string    `bun:"plan_id,notnull"`
	Quantity       int       `bun:"quantity,notnull"`
	AmountCents    int64     `bun:"amount_cents,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type invoiceRecord struct {
	bun.BaseModel `bun:"table:invoices,alias:iv"`

	ID             string         `bun:"id,pk"`
	TenantID       string         `bun:"tenant_id,notnull"`
	SubscriptionID string         `bun:"subscription_id,notnull"`
	InvoiceKey     string         `bun:"invoice_key,notnull"`
	Status         string         `bun:"status,notnull"`
	PeriodStart    time.Time      `bun:"period_start,notnull"`
	PeriodEnd      time.Time      `bun:"period_end,notnull"`
	TotalCents     int64          `bun:"total_cents,notnull"`
	Currency       string         `bun:"currency,notnull"`
	Lines          map[string]any `bun:"lines,type:jsonb"`
	PaidAt         *time.Time     `bun:"paid_at,nullzero"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type paymentAttemptRecord struct {
	bun.BaseModel `bun:"table:payment_attempts,alias:pa"`

	ID                string     `bun:"id,pk"`
	TenantID          string     `bun:"tenant_id,notnull"`
	InvoiceID         string     `bun:"invoice_id,notnull"`
	Status            string     `bun:"status,notnull"`
	AmountCents       int64      `bun:"amount_cents,notnull"`
	Currency          string     `bun:"currency,notnull"`
	ExternalPaymentID string     `bun:"external_payment_id"`
	FailureReason     string     `bun:"failure_reason"`
	CompletedAt       *time.Time `bun:"completed_at,nullzero"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deliveryInstanceRecord struct {
	bun.BaseModel `bun:"table:delivery_instances,alias:di"`

	ID               string         `bun:"id,pk"`
	TenantID         string         `bun:"tenant_id,notnull"`
	SubscriptionID   string         `bun:"subscription_id,notnull"`
	InvoiceID        string         `bun:"invoice_id,notnull"`
	CycleKey         string         `bun:"cycle_key,notnull"`
	Status           string         `bun:"status,notnull"`
	Snapshot         map[string]any `bun:"snapshot,type:jsonb"`
	ExternalOrderRef string         `bun:"external_order_ref"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type entitlementRecord struct {
	bun.BaseModel `bun:"table:entitlements,alias:en"`

	ID             string    `bun:"id,pk"`
	TenantID       string    `bun:"tenant_id,notnull"`
	CustomerID     string    `bun:"customer_id,notnull"`
	SubscriptionID string    `bun:"subscription_id,notnull"`
	EntitlementKey string    `bun:"entitlement_key,notnull"`
	Status         string    `bun:"status,notnull"`
	ValidFrom      time.Time `bun:"valid_from,notnull"`
	ValidUntil     time.Time `bun:"valid_until,notnull"`
	ExternalRef    string    `bun:"external_ref"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func copyAnyMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(input))
	for key, value := range input {
		copied[key] = value
	}
	return copied
}

func copyStrings(input []string) []string {
	if len(input) == 0 {
		return []string{}
	}
	return append([]string(nil), input...)
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalString(value string) *string {
	trimmed := value
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := value.UTC()
	return &copied
}
