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
)

type PlanStore struct {
	db   *bun.DB
	repo repository.Repository[*planRecord]
	now  func() time.Time
}

func NewPlanStore(db *bun.DB) (*PlanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*planRecord](db, planHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid plan repository wiring: %w", err)
		}
	}
	return &PlanStore{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *PlanStore) Create(ctx context.Context, plan core.Plan) (core.Plan, error) {
	if s == nil || s.db == nil {
		return core.Plan{}, fmt.Errorf("sqlstore: plan store is not configured")
	}
	if strings.TrimSpace(plan.TenantID) == "" {
		return core.Plan{}, fmt.Errorf("sqlstore: tenant id is required")
	}
	if strings.TrimSpace(plan.Name) == "" {
		return core.Plan{}, fmt.Errorf("sqlstore: plan name is required")
	}
	intervalCount := plan.IntervalCount
	if intervalCount <= 0 {
		intervalCount = 1
	}
	now := s.now()
	record := &planRecord{
		ID:              uuid.NewString(),
		TenantID:        strings.TrimSpace(plan.TenantID),
		Name:            strings.TrimSpace(plan.Name),
		BillingInterval: strings.TrimSpace(plan.BillingInterval),
		IntervalCount:   intervalCount,
		AmountCents:     plan.AmountCents,
		Currency:        strings.ToUpper(strings.TrimSpace(plan.Currency)),
		ProductType:     strings.TrimSpace(plan.ProductType),
		TrialDays:       plan.TrialDays,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		return core.Plan{}, err
	}
	return planRecordToDomain(record), nil
}

func (s *PlanStore) Get(ctx context.Context, tenantID string, planID string) (core.Plan, error) {
	if s == nil || s.db == nil {
		return core.Plan{}, fmt.Errorf("sqlstore: plan store is not configured")
	}
	record := &planRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.id = ?", strings.TrimSpace(planID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Plan{}, core.ErrPlanNotFound
		}
		return core.Plan{}, err
	}
	return planRecordToDomain(record), nil
}

func planRecordToDomain(record *planRecord) core.Plan {
	if record == nil {
		return core.Plan{}
	}
	return core.Plan{
		ID:              record.ID,
		TenantID:        record.TenantID,
		Name:            record.Name,
		BillingInterval: record.BillingInterval,
		IntervalCount:   record.IntervalCount,
		AmountCents:     record.AmountCents,
		Currency:        record.Currency,
		ProductType:     record.ProductType,
		TrialDays:       record.TrialDays,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
}

type SubscriptionStore struct {
	db   *bun.DB
	repo repository.Repository[*subscriptionRecord]
	now  func() time.Time
}

func NewSubscriptionStore(db *bun.DB) (*SubscriptionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*subscriptionRecord](db, subscriptionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid subscription repository wiring: %w", err)
		}
	}
	return &SubscriptionStore{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SubscriptionStore) Create(ctx context.Context, subscription core.Subscription) (core.Subscription, error) {
	if s == nil || s.db == nil {
		return core.Subscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	if strings.TrimSpace(subscription.TenantID) == "" {
		return core.Subscription{}, fmt.Errorf("sqlstore: tenant id is required")
	}
	if strings.TrimSpace(subscription.CustomerID) == "" {
		return core.Subscription{}, fmt.Errorf("sqlstore: customer id is required")
	}
	if strings.TrimSpace(subscription.PlanID) == "" {
		return core.Subscription{}, fmt.Errorf("sqlstore: plan id is required")
	}
	status := subscription.Status
	if status == "" {
		status = core.SubscriptionStatusActive
	}
	now := s.now()
	record := &subscriptionRecord{
		ID:                 uuid.NewString(),
		TenantID:           strings.TrimSpace(subscription.TenantID),
		CustomerID:         strings.TrimSpace(subscription.CustomerID),
		PlanID:             strings.TrimSpace(subscription.PlanID),
		Status:             string(status),
		CurrentPeriodStart: subscription.CurrentPeriodStart.UTC(),
		NextBillingDate:    subscription.NextBillingDate.UTC(),
		PaymentMethodRef:   strings.TrimSpace(subscription.PaymentMethodRef),
		Shipping:           copyAnyMap(subscription.Shipping),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		return core.Subscription{}, err
	}
	return subscriptionRecordToDomain(record), nil
}

func (s *SubscriptionStore) Get(ctx context.Context, tenantID string, subscriptionID string) (core.Subscription, error) {
	if s == nil || s.db == nil {
		return core.Subscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	record := &subscriptionRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.id = ?", strings.TrimSpace(subscriptionID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Subscription{}, core.ErrSubscriptionNotFound
		}
		return core.Subscription{}, err
	}
	return subscriptionRecordToDomain(record), nil
}

// UpdateStatus loads the row and runs the domain transition before writing,
// so illegal jumps such as CANCELED back to ACTIVE never reach the database.
func (s *SubscriptionStore) UpdateStatus(ctx context.Context, tenantID string, subscriptionID string, status core.SubscriptionStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: subscription store is not configured")
	}
	subscription, err := s.Get(ctx, tenantID, subscriptionID)
	if err != nil {
		return err
	}
	now := s.now()
	if err := subscription.TransitionTo(status, now); err != nil {
		return err
	}
	query := conn(ctx, s.db).NewUpdate().
		Model((*subscriptionRecord)(nil)).
		Set("status = ?", string(subscription.Status)).
		Set("updated_at = ?", now).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(subscriptionID))
	if subscription.CanceledAt != nil {
		query = query.Set("canceled_at = ?", subscription.CanceledAt.UTC())
	}
	_, err = query.Exec(ctx)
	return err
}

func (s *SubscriptionStore) AdvancePeriod(ctx context.Context, tenantID string, subscriptionID string, periodStart time.Time, nextBillingDate time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: subscription store is not configured")
	}
	result, err := conn(ctx, s.db).NewUpdate().
		Model((*subscriptionRecord)(nil)).
		Set("current_period_start = ?", periodStart.UTC()).
		Set("next_billing_date = ?", nextBillingDate.UTC()).
		Set("updated_at = ?", s.now()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(subscriptionID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrSubscriptionNotFound
	}
	return nil
}

func (s *SubscriptionStore) ListItems(ctx context.Context, tenantID string, subscriptionID string) ([]core.SubscriptionItem, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	var records []subscriptionItemRecord
	err := conn(ctx, s.db).NewSelect().
		Model(&records).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.subscription_id = ?", strings.TrimSpace(subscriptionID)).
		OrderExpr("?TableAlias.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]core.SubscriptionItem, 0, len(records))
	for i := range records {
		items = append(items, subscriptionItemRecordToDomain(&records[i]))
	}
	return items, nil
}

func (s *SubscriptionStore) AddItem(ctx context.Context, item core.SubscriptionItem) (core.SubscriptionItem, error) {
	if s == nil || s.db == nil {
		return core.SubscriptionItem{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	if strings.TrimSpace(item.TenantID) == "" || strings.TrimSpace(item.SubscriptionID) == "" {
		return core.SubscriptionItem{}, fmt.Errorf("sqlstore: tenant id and subscription id are required")
	}
	quantity := item.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	now := s.now()
	record := &subscriptionItemRecord{
		ID:             uuid.NewString(),
		TenantID:       strings.TrimSpace(item.TenantID),
		SubscriptionID: strings.TrimSpace(item.SubscriptionID),
		ProductID:      strings.TrimSpace(item.ProductID),
		PlanID:         strings.TrimSpace(item.PlanID),
		Quantity:       quantity,
		AmountCents:    item.AmountCents,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		return core.SubscriptionItem{}, err
	}
	return subscriptionItemRecordToDomain(record), nil
}

func subscriptionRecordToDomain(record *subscriptionRecord) core.Subscription {
	if record == nil {
		return core.Subscription{}
	}
	return core.Subscription{
		ID:                 record.ID,
		TenantID:           record.TenantID,
		CustomerID:         record.CustomerID,
		PlanID:             record.PlanID,
		Status:             core.SubscriptionStatus(record.Status),
		CurrentPeriodStart: record.CurrentPeriodStart,
		NextBillingDate:    record.NextBillingDate,
		PaymentMethodRef:   record.PaymentMethodRef,
		Shipping:           copyAnyMap(record.Shipping),
		CanceledAt:         cloneTime(record.CanceledAt),
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
	}
}

func subscriptionItemRecordToDomain(record *subscriptionItemRecord) core.SubscriptionItem {
	if record == nil {
		return core.SubscriptionItem{}
	}
	return core.SubscriptionItem{
		ID:             record.ID,
		TenantID:       record.TenantID,
		SubscriptionID: record.SubscriptionID,
		ProductID:      record.ProductID,
		PlanID:         record.PlanID,
		Quantity:       record.Quantity,
		AmountCents:    record.AmountCents,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

type InvoiceStore struct {
	db   *bun.DB
	repo repository.Repository[*invoiceRecord]
	now  func() time.Time
}

func NewInvoiceStore(db *bun.DB) (*InvoiceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*invoiceRecord](db, invoiceHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid invoice repository wiring: %w", err)
		}
	}
	return &InvoiceStore{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

// CreateIdempotent relies on the unique index over (tenant_id, invoice_key):
// a duplicate insert surfaces the existing invoice instead of double billing.
func (s *InvoiceStore) CreateIdempotent(ctx context.Context, invoice core.Invoice) (core.Invoice, bool, error) {
	if s == nil || s.db == nil {
		return core.Invoice{}, false, fmt.Errorf("sqlstore: invoice store is not configured")
	}
	if strings.TrimSpace(invoice.TenantID) == "" || strings.TrimSpace(invoice.SubscriptionID) == "" {
		return core.Invoice{}, false, fmt.Errorf("sqlstore: tenant id and subscription id are required")
	}
	if strings.TrimSpace(invoice.InvoiceKey) == "" {
		return core.Invoice{}, false, fmt.Errorf("sqlstore: invoice key is required")
	}
	status := strings.TrimSpace(invoice.Status)
	if status == "" {
		status = core.InvoiceStatusOpen
	}
	now := s.now()
	record := &invoiceRecord{
		ID:             uuid.NewString(),
		TenantID:       strings.TrimSpace(invoice.TenantID),
		SubscriptionID: strings.TrimSpace(invoice.SubscriptionID),
		InvoiceKey:     strings.TrimSpace(invoice.InvoiceKey),
		Status:         status,
		PeriodStart:    invoice.PeriodStart.UTC(),
		PeriodEnd:      invoice.PeriodEnd.UTC(),
		TotalCents:     invoice.TotalCents,
		Currency:       strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		Lines:          copyAnyMap(invoice.Lines),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.getByKey(ctx, record.TenantID, record.InvoiceKey)
			if getErr != nil {
				return core.Invoice{}, false, getErr
			}
			return existing, false, nil
		}
		return core.Invoice{}, false, err
	}
	return invoiceRecordToDomain(record), true, nil
}

func (s *InvoiceStore) Get(ctx context.Context, tenantID string, invoiceID string) (core.Invoice, error) {
	if s == nil || s.db == nil {
		return core.Invoice{}, fmt.Errorf("sqlstore: invoice store is not configured")
	}
	record := &invoiceRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.id = ?", strings.TrimSpace(invoiceID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Invoice{}, core.ErrInvoiceNotFound
		}
		return core.Invoice{}, err
	}
	return invoiceRecordToDomain(record), nil
}

func (s *InvoiceStore) getByKey(ctx context.Context, tenantID string, invoiceKey string) (core.Invoice, error) {
	record := &invoiceRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.invoice_key = ?", invoiceKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Invoice{}, core.ErrInvoiceNotFound
		}
		return core.Invoice{}, err
	}
	return invoiceRecordToDomain(record), nil
}

func (s *InvoiceStore) MarkPaid(ctx context.Context, tenantID string, invoiceID string, paidAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: invoice store is not configured")
	}
	if paidAt.IsZero() {
		paidAt = s.now()
	}
	result, err := conn(ctx, s.db).NewUpdate().
		Model((*invoiceRecord)(nil)).
		Set("status = ?", core.InvoiceStatusPaid).
		Set("paid_at = ?", paidAt.UTC()).
		Set("updated_at = ?", s.now()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(invoiceID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrInvoiceNotFound
	}
	return nil
}

func invoiceRecordToDomain(record *invoiceRecord) core.Invoice {
	if record == nil {
		return core.Invoice{}
	}
	return core.Invoice{
		ID:             record.ID,
		TenantID:       record.TenantID,
		SubscriptionID: record.SubscriptionID,
		InvoiceKey:     record.InvoiceKey,
		Status:         record.Status,
		PeriodStart:    record.PeriodStart,
		PeriodEnd:      record.PeriodEnd,
		TotalCents:     record.TotalCents,
		Currency:       record.Currency,
		Lines:          copyAnyMap(record.Lines),
		PaidAt:         cloneTime(record.PaidAt),
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

type PaymentAttemptStore struct {
	db   *bun.DB
	repo repository.Repository[*paymentAttemptRecord]
	now  func() time.Time
}

func NewPaymentAttemptStore(db *bun.DB) (*PaymentAttemptStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*paymentAttemptRecord](db, paymentAttemptHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid payment attempt repository wiring: %w", err)
		}
	}
	return &PaymentAttemptStore{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *PaymentAttemptStore) Create(ctx context.Context, attempt core.PaymentAttempt) (core.PaymentAttempt, error) {
	if s == nil || s.db == nil {
		return core.PaymentAttempt{}, fmt.Errorf("sqlstore: payment attempt store is not configured")
	}
	if strings.TrimSpace(attempt.TenantID) == "" || strings.TrimSpace(attempt.InvoiceID) == "" {
		return core.PaymentAttempt{}, fmt.Errorf("sqlstore: tenant id and invoice id are required")
	}
	status := strings.TrimSpace(attempt.Status)
	if status == "" {
		status = core.PaymentAttemptStatusPending
	}
	now := s.now()
	record := &paymentAttemptRecord{
		ID:          uuid.NewString(),
		TenantID:    strings.TrimSpace(attempt.TenantID),
		InvoiceID:   strings.TrimSpace(attempt.InvoiceID),
		Status:      status,
		AmountCents: attempt.AmountCents,
		Currency:    strings.ToUpper(strings.TrimSpace(attempt.Currency)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		return core.PaymentAttempt{}, err
	}
	return paymentAttemptRecordToDomain(record), nil
}

func (s *PaymentAttemptStore) MarkSucceeded(ctx context.Context, tenantID string, attemptID string, externalPaymentID string, completedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: payment attempt store is not configured")
	}
	if completedAt.IsZero() {
		completedAt = s.now()
	}
	_, err := conn(ctx, s.db).NewUpdate().
		Model((*paymentAttemptRecord)(nil)).
		Set("status = ?", core.PaymentAttemptStatusSucceeded).
		Set("external_payment_id = ?", strings.TrimSpace(externalPaymentID)).
		Set("completed_at = ?", completedAt.UTC()).
		Set("updated_at = ?", s.now()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(attemptID)).
		Exec(ctx)
	return err
}

func (s *PaymentAttemptStore) MarkFailed(ctx context.Context, tenantID string, attemptID string, reason string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: payment attempt store is not configured")
	}
	now := s.now()
	_, err := conn(ctx, s.db).NewUpdate().
		Model((*paymentAttemptRecord)(nil)).
		Set("status = ?", core.PaymentAttemptStatusFailed).
		Set("failure_reason = ?", strings.TrimSpace(reason)).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(attemptID)).
		Exec(ctx)
	return err
}

func (s *PaymentAttemptStore) ListByInvoice(ctx context.Context, tenantID string, invoiceID string) ([]core.PaymentAttempt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: payment attempt store is not configured")
	}
	var records []paymentAttemptRecord
	err := conn(ctx, s.db).NewSelect().
		Model(&records).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.invoice_id = ?", strings.TrimSpace(invoiceID)).
		OrderExpr("?TableAlias.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	attempts := make([]core.PaymentAttempt, 0, len(records))
	for i := range records {
		attempts = append(attempts, paymentAttemptRecordToDomain(&records[i]))
	}
	return attempts, nil
}

func paymentAttemptRecordToDomain(record *paymentAttemptRecord) core.PaymentAttempt {
	if record == nil {
		return core.PaymentAttempt{}
	}
	return core.PaymentAttempt{
		ID:                record.ID,
		TenantID:          record.TenantID,
		InvoiceID:         record.InvoiceID,
		Status:            record.Status,
		AmountCents:       record.AmountCents,
		Currency:          record.Currency,
		ExternalPaymentID: record.ExternalPaymentID,
		FailureReason:     record.FailureReason,
		CompletedAt:       cloneTime(record.CompletedAt),
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
}

type DeliveryInstanceStore struct {
	db   *bun.DB
	repo repository.Repository[*deliveryInstanceRecord]
	now  func() time.Time
}

func NewDeliveryInstanceStore(db *bun.DB) (*DeliveryInstanceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deliveryInstanceRecord](db, deliveryInstanceHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid delivery instance repository wiring: %w", err)
		}
	}
	return &DeliveryInstanceStore{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

// CreateIdempotent keys on (tenant_id, subscription_id, cycle_key): one
// shipment per subscription per billing cycle, however many times the
// renewal task retries.
func (s *DeliveryInstanceStore) CreateIdempotent(ctx context.Context, delivery core.DeliveryInstance) (core.DeliveryInstance, bool, error) {
	if s == nil || s.db == nil {
		return core.DeliveryInstance{}, false, fmt.Errorf("sqlstore: delivery instance store is not configured")
	}
	if strings.TrimSpace(delivery.TenantID) == "" || strings.TrimSpace(delivery.SubscriptionID) == "" {
		return core.DeliveryInstance{}, false, fmt.Errorf("sqlstore: tenant id and subscription id are required")
	}
	if strings.TrimSpace(delivery.CycleKey) == "" {
		return core.DeliveryInstance{}, false, fmt.Errorf("sqlstore: cycle key is required")
	}
	status := strings.TrimSpace(delivery.Status)
	if status == "" {
		status = core.DeliveryInstanceStatusPending
	}
	now := s.now()
	record := &deliveryInstanceRecord{
		ID:             uuid.NewString(),
		TenantID:       strings.TrimSpace(delivery.TenantID),
		SubscriptionID: strings.TrimSpace(delivery.SubscriptionID),
		InvoiceID:      strings.TrimSpace(delivery.InvoiceID),
		CycleKey:       strings.TrimSpace(delivery.CycleKey),
		Status:         status,
		Snapshot:       copyAnyMap(delivery.Snapshot),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.getByCycleKey(ctx, record.TenantID, record.SubscriptionID, record.CycleKey)
			if getErr != nil {
				return core.DeliveryInstance{}, false, getErr
			}
			return existing, false, nil
		}
		return core.DeliveryInstance{}, false, err
	}
	return deliveryInstanceRecordToDomain(record), true, nil
}

func (s *DeliveryInstanceStore) Get(ctx context.Context, tenantID string, deliveryID string) (core.DeliveryInstance, error) {
	if s == nil || s.db == nil {
		return core.DeliveryInstance{}, fmt.Errorf("sqlstore: delivery instance store is not configured")
	}
	record := &deliveryInstanceRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.id = ?", strings.TrimSpace(deliveryID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.DeliveryInstance{}, core.ErrDeliveryNotFound
		}
		return core.DeliveryInstance{}, err
	}
	return deliveryInstanceRecordToDomain(record), nil
}

func (s *DeliveryInstanceStore) getByCycleKey(ctx context.Context, tenantID string, subscriptionID string, cycleKey string) (core.DeliveryInstance, error) {
	record := &deliveryInstanceRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.subscription_id = ?", subscriptionID).
		Where("?TableAlias.cycle_key = ?", cycleKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.DeliveryInstance{}, core.ErrDeliveryNotFound
		}
		return core.DeliveryInstance{}, err
	}
	return deliveryInstanceRecordToDomain(record), nil
}

func (s *DeliveryInstanceStore) MarkOrderCreated(ctx context.Context, tenantID string, deliveryID string, externalOrderRef string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery instance store is not configured")
	}
	result, err := conn(ctx, s.db).NewUpdate().
		Model((*deliveryInstanceRecord)(nil)).
		Set("status = ?", core.DeliveryInstanceStatusOrderCreated).
		Set("external_order_ref = ?", strings.TrimSpace(externalOrderRef)).
		Set("updated_at = ?", s.now()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(deliveryID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrDeliveryNotFound
	}
	return nil
}

func (s *DeliveryInstanceStore) CancelPending(ctx context.Context, tenantID string, subscriptionID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: delivery instance store is not configured")
	}
	result, err := conn(ctx, s.db).NewUpdate().
		Model((*deliveryInstanceRecord)(nil)).
		Set("status = ?", core.DeliveryInstanceStatusCanceled).
		Set("updated_at = ?", s.now()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("subscription_id = ?", strings.TrimSpace(subscriptionID)).
		Where("status = ?", core.DeliveryInstanceStatusPending).
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

func deliveryInstanceRecordToDomain(record *deliveryInstanceRecord) core.DeliveryInstance {
	if record == nil {
		return core.DeliveryInstance{}
	}
	return core.DeliveryInstance{
		ID:               record.ID,
		TenantID:         record.TenantID,
		SubscriptionID:   record.SubscriptionID,
		InvoiceID:        record.InvoiceID,
		CycleKey:         record.CycleKey,
		Status:           record.Status,
		Snapshot:         copyAnyMap(record.Snapshot),
		ExternalOrderRef: record.ExternalOrderRef,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

type EntitlementStore struct {
	db   *bun.DB
	repo repository.Repository[*entitlementRecord]
	now  func() time.Time
}

func NewEntitlementStore(db *bun.DB) (*EntitlementStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*entitlementRecord](db, entitlementHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid entitlement repository wiring: %w", err)
		}
	}
	return &EntitlementStore{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Upsert inserts the entitlement; a duplicate entitlement key refreshes the
// validity window and external reference on the existing row instead.
func (s *EntitlementStore) Upsert(ctx context.Context, entitlement core.Entitlement) (core.Entitlement, error) {
	if s == nil || s.db == nil {
		return core.Entitlement{}, fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	if strings.TrimSpace(entitlement.TenantID) == "" || strings.TrimSpace(entitlement.SubscriptionID) == "" {
		return core.Entitlement{}, fmt.Errorf("sqlstore: tenant id and subscription id are required")
	}
	if strings.TrimSpace(entitlement.EntitlementKey) == "" {
		return core.Entitlement{}, fmt.Errorf("sqlstore: entitlement key is required")
	}
	status := strings.TrimSpace(entitlement.Status)
	if status == "" {
		status = core.EntitlementStatusActive
	}
	now := s.now()
	record := &entitlementRecord{
		ID:             uuid.NewString(),
		TenantID:       strings.TrimSpace(entitlement.TenantID),
		CustomerID:     strings.TrimSpace(entitlement.CustomerID),
		SubscriptionID: strings.TrimSpace(entitlement.SubscriptionID),
		EntitlementKey: strings.TrimSpace(entitlement.EntitlementKey),
		Status:         status,
		ValidFrom:      entitlement.ValidFrom.UTC(),
		ValidUntil:     entitlement.ValidUntil.UTC(),
		ExternalRef:    strings.TrimSpace(entitlement.ExternalRef),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return s.refresh(ctx, record)
		}
		return core.Entitlement{}, err
	}
	return entitlementRecordToDomain(record), nil
}

func (s *EntitlementStore) refresh(ctx context.Context, record *entitlementRecord) (core.Entitlement, error) {
	_, err := conn(ctx, s.db).NewUpdate().
		Model((*entitlementRecord)(nil)).
		Set("status = ?", record.Status).
		Set("valid_from = ?", record.ValidFrom).
		Set("valid_until = ?", record.ValidUntil).
		Set("external_ref = ?", record.ExternalRef).
		Set("updated_at = ?", s.now()).
		Where("tenant_id = ?", record.TenantID).
		Where("entitlement_key = ?", record.EntitlementKey).
		Exec(ctx)
	if err != nil {
		return core.Entitlement{}, err
	}
	existing := &entitlementRecord{}
	err = conn(ctx, s.db).NewSelect().
		Model(existing).
		Where("?TableAlias.tenant_id = ?", record.TenantID).
		Where("?TableAlias.entitlement_key = ?", record.EntitlementKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return core.Entitlement{}, err
	}
	return entitlementRecordToDomain(existing), nil
}

func (s *EntitlementStore) RevokeActive(ctx context.Context, tenantID string, subscriptionID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	result, err := conn(ctx, s.db).NewUpdate().
		Model((*entitlementRecord)(nil)).
		Set("status = ?", core.EntitlementStatusRevoked).
		Set("updated_at = ?", s.now()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("subscription_id = ?", strings.TrimSpace(subscriptionID)).
		Where("status = ?", core.EntitlementStatusActive).
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

func (s *EntitlementStore) ListBySubscription(ctx context.Context, tenantID string, subscriptionID string) ([]core.Entitlement, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: entitlement store is not configured")
	}
	var records []entitlementRecord
	err := conn(ctx, s.db).NewSelect().
		Model(&records).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.subscription_id = ?", strings.TrimSpace(subscriptionID)).
		OrderExpr("?TableAlias.valid_from ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	entitlements := make([]core.Entitlement, 0, len(records))
	for i := range records {
		entitlements = append(entitlements, entitlementRecordToDomain(&records[i]))
	}
	return entitlements, nil
}

func entitlementRecordToDomain(record *entitlementRecord) core.Entitlement {
	if record == nil {
		return core.Entitlement{}
	}
	return core.Entitlement{
		ID:             record.ID,
		TenantID:       record.TenantID,
		CustomerID:     record.CustomerID,
		SubscriptionID: record.SubscriptionID,
		EntitlementKey: record.EntitlementKey,
		Status:         record.Status,
		ValidFrom:      record.ValidFrom,
		ValidUntil:     record.ValidUntil,
		ExternalRef:    record.ExternalRef,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

var _ core.PlanStore = (*PlanStore)(nil)
var _ core.SubscriptionStore = (*SubscriptionStore)(nil)
var _ core.InvoiceStore = (*InvoiceStore)(nil)
var _ core.PaymentAttemptStore = (*PaymentAttemptStore)(nil)
var _ core.DeliveryInstanceStore = (*DeliveryInstanceStore)(nil)
var _ core.EntitlementStore = (*EntitlementStore)(nil)
