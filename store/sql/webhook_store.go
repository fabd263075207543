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

type WebhookEndpointStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEndpointRecord]
	now  func() time.Time
}

func NewWebhookEndpointStore(db *bun.DB) (*WebhookEndpointStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEndpointRecord](db, webhookEndpointHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook endpoint repository wiring: %w", err)
		}
	}
	return &WebhookEndpointStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *WebhookEndpointStore) Create(ctx context.Context, endpoint core.WebhookEndpoint) (core.WebhookEndpoint, error) {
	if s == nil || s.db == nil {
		return core.WebhookEndpoint{}, fmt.Errorf("sqlstore: webhook endpoint store is not configured")
	}
	if strings.TrimSpace(endpoint.TenantID) == "" {
		return core.WebhookEndpoint{}, fmt.Errorf("sqlstore: tenant id is required")
	}
	if strings.TrimSpace(endpoint.URL) == "" {
		return core.WebhookEndpoint{}, fmt.Errorf("sqlstore: endpoint url is required")
	}
	if strings.TrimSpace(endpoint.Secret) == "" {
		return core.WebhookEndpoint{}, fmt.Errorf("sqlstore: endpoint secret is required")
	}
	now := s.now()
	status := strings.TrimSpace(endpoint.Status)
	if status == "" {
		status = core.EndpointStatusActive
	}
	record := &webhookEndpointRecord{
		ID:        uuid.NewString(),
		TenantID:  strings.TrimSpace(endpoint.TenantID),
		URL:       strings.TrimSpace(endpoint.URL),
		Secret:    endpoint.Secret,
		Events:    copyStrings(endpoint.Events),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		return core.WebhookEndpoint{}, err
	}
	return webhookEndpointRecordToDomain(record), nil
}

func (s *WebhookEndpointStore) Get(ctx context.Context, tenantID string, endpointID string) (core.WebhookEndpoint, error) {
	if s == nil || s.db == nil {
		return core.WebhookEndpoint{}, fmt.Errorf("sqlstore: webhook endpoint store is not configured")
	}
	record := &webhookEndpointRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.id = ?", strings.TrimSpace(endpointID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.WebhookEndpoint{}, core.ErrEndpointNotFound
		}
		return core.WebhookEndpoint{}, err
	}
	return webhookEndpointRecordToDomain(record), nil
}

// ListActive returns the tenant's ACTIVE endpoints whose event filter accepts
// eventType. Filtering happens in memory: the filter is a JSON array and the
// common tenant has a handful of endpoints.
func (s *WebhookEndpointStore) ListActive(ctx context.Context, tenantID string, eventType string) ([]core.WebhookEndpoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook endpoint store is not configured")
	}
	var records []webhookEndpointRecord
	err := conn(ctx, s.db).NewSelect().
		Model(&records).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.status = ?", core.EndpointStatusActive).
		OrderExpr("?TableAlias.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	endpoints := make([]core.WebhookEndpoint, 0, len(records))
	for i := range records {
		endpoint := webhookEndpointRecordToDomain(&records[i])
		if endpoint.Accepts(eventType) {
			endpoints = append(endpoints, endpoint)
		}
	}
	return endpoints, nil
}

func (s *WebhookEndpointStore) UpdateStatus(ctx context.Context, tenantID string, endpointID string, status string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook endpoint store is not configured")
	}
	status = strings.TrimSpace(status)
	if status != core.EndpointStatusActive && status != core.EndpointStatusDisabled {
		return fmt.Errorf("sqlstore: unsupported endpoint status %q", status)
	}
	result, err := conn(ctx, s.db).NewUpdate().
		Model((*webhookEndpointRecord)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", s.now()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(endpointID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if affected == 0 {
		return core.ErrEndpointNotFound
	}
	return nil
}

func webhookEndpointRecordToDomain(record *webhookEndpointRecord) core.WebhookEndpoint {
	if record == nil {
		return core.WebhookEndpoint{}
	}
	return core.WebhookEndpoint{
		ID:        record.ID,
		TenantID:  record.TenantID,
		URL:       record.URL,
		Secret:    record.Secret,
		Events:    copyStrings(record.Events),
		Status:    record.Status,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

type WebhookDeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookDeliveryRecord]
	now  func() time.Time
}

func NewWebhookDeliveryStore(db *bun.DB) (*WebhookDeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookDeliveryRecord](db, webhookDeliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook delivery repository wiring: %w", err)
		}
	}
	return &WebhookDeliveryStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *WebhookDeliveryStore) CreateBatch(ctx context.Context, deliveries []core.WebhookDelivery) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	if len(deliveries) == 0 {
		return nil
	}
	now := s.now()
	records := make([]webhookDeliveryRecord, 0, len(deliveries))
	for _, delivery := range deliveries {
		id := strings.TrimSpace(delivery.ID)
		if id == "" {
			id = uuid.NewString()
		}
		status := strings.TrimSpace(delivery.Status)
		if status == "" {
			status = core.WebhookStatusPending
		}
		nextAttempt := delivery.NextAttemptAt
		if nextAttempt == nil {
			due := now
			nextAttempt = &due
		}
		records = append(records, webhookDeliveryRecord{
			ID:            id,
			TenantID:      strings.TrimSpace(delivery.TenantID),
			EndpointID:    strings.TrimSpace(delivery.EndpointID),
			OutboxEventID: strings.TrimSpace(delivery.OutboxEventID),
			EventType:     strings.TrimSpace(delivery.EventType),
			Payload:       copyAnyMap(delivery.Payload),
			Status:        status,
			AttemptCount:  delivery.AttemptCount,
			MaxAttempts:   delivery.MaxAttempts,
			NextAttemptAt: cloneTime(nextAttempt),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	_, err := conn(ctx, s.db).NewInsert().Model(&records).Exec(ctx)
	return err
}

func (s *WebhookDeliveryStore) Get(ctx context.Context, tenantID string, deliveryID string) (core.WebhookDelivery, error) {
	if s == nil || s.db == nil {
		return core.WebhookDelivery{}, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	record := &webhookDeliveryRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.id = ?", strings.TrimSpace(deliveryID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.WebhookDelivery{}, core.ErrDeliveryNotFound
		}
		return core.WebhookDelivery{}, err
	}
	return webhookDeliveryRecordToDomain(record), nil
}

// ClaimDue returns PENDING deliveries whose next attempt time has passed,
// oldest first. Deliveries are row-state driven rather than leased: the
// worker that claims a batch also records the outcome before returning.
func (s *WebhookDeliveryStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]core.WebhookDelivery, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	if now.IsZero() {
		now = s.now()
	}
	var records []webhookDeliveryRecord
	err := conn(ctx, s.db).NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", core.WebhookStatusPending).
		Where("?TableAlias.attempt_count < ?TableAlias.max_attempts").
		Where("?TableAlias.next_attempt_at IS NOT NULL").
		Where("?TableAlias.next_attempt_at <= ?", now.UTC()).
		OrderExpr("?TableAlias.next_attempt_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	deliveries := make([]core.WebhookDelivery, 0, len(records))
	for i := range records {
		deliveries = append(deliveries, webhookDeliveryRecordToDomain(&records[i]))
	}
	return deliveries, nil
}

func (s *WebhookDeliveryStore) MarkDelivered(ctx context.Context, deliveryID string, responseStatus int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	now := s.now()
	_, err := conn(ctx, s.db).NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("status = ?", core.WebhookStatusDelivered).
		Set("attempt_count = attempt_count + 1").
		Set("last_response_status = ?", responseStatus).
		Set("last_error = ?", "").
		Set("delivered_at = ?", now).
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", strings.TrimSpace(deliveryID)).
		Exec(ctx)
	return err
}

// MarkRetry records a failed attempt. The CASE expressions flip the row to
// ABANDONED in the same statement once the attempt budget runs out, so a
// crash between two updates cannot leave an exhausted row PENDING.
func (s *WebhookDeliveryStore) MarkRetry(ctx context.Context, deliveryID string, responseStatus int, cause string, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	_, err := conn(ctx, s.db).NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("attempt_count = attempt_count + 1").
		Set("status = CASE WHEN attempt_count + 1 >= max_attempts THEN ? ELSE status END", core.WebhookStatusAbandoned).
		Set("next_attempt_at = CASE WHEN attempt_count + 1 >= max_attempts THEN NULL ELSE ? END", nextAttemptAt.UTC()).
		Set("last_response_status = ?", responseStatus).
		Set("last_error = ?", strings.TrimSpace(cause)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(deliveryID)).
		Exec(ctx)
	return err
}

// MarkFailed ends a delivery without counting an attempt, for structural
// failures such as a disabled or missing endpoint. Exhausted retry budgets
// land in ABANDONED via MarkAbandoned instead.
func (s *WebhookDeliveryStore) MarkFailed(ctx context.Context, deliveryID string, cause string) error {
	return s.finalize(ctx, deliveryID, core.WebhookStatusFailed, cause, false)
}

func (s *WebhookDeliveryStore) finalize(ctx context.Context, deliveryID string, status string, cause string, countAttempt bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	query := conn(ctx, s.db).NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("status = ?", status).
		Set("last_error = ?", strings.TrimSpace(cause)).
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(deliveryID))
	if countAttempt {
		query = query.Set("attempt_count = attempt_count + 1")
	}
	_, err := query.Exec(ctx)
	return err
}

// Reschedule requeues a terminal delivery for another attempt cycle, used by
// the operator replay command.
func (s *WebhookDeliveryStore) Reschedule(ctx context.Context, tenantID string, deliveryID string, nextAttemptAt time.Time) (core.WebhookDelivery, error) {
	if s == nil || s.db == nil {
		return core.WebhookDelivery{}, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	now := s.now()
	result, err := conn(ctx, s.db).NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("status = ?", core.WebhookStatusPending).
		Set("attempt_count = 0").
		Set("last_error = ?", "").
		Set("next_attempt_at = ?", nextAttemptAt.UTC()).
		Set("updated_at = ?", now).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("id = ?", strings.TrimSpace(deliveryID)).
		Where("status IN (?, ?)", core.WebhookStatusFailed, core.WebhookStatusAbandoned).
		Exec(ctx)
	if err != nil {
		return core.WebhookDelivery{}, err
	}
	affected, err := rowsAffected(result)
	if err != nil {
		return core.WebhookDelivery{}, err
	}
	if affected == 0 {
		return core.WebhookDelivery{}, core.ErrDeliveryNotFound
	}
	return s.Get(ctx, tenantID, deliveryID)
}

func webhookDeliveryRecordToDomain(record *webhookDeliveryRecord) core.WebhookDelivery {
	if record == nil {
		return core.WebhookDelivery{}
	}
	return core.WebhookDelivery{
		ID:                 record.ID,
		TenantID:           record.TenantID,
		EndpointID:         record.EndpointID,
		OutboxEventID:      record.OutboxEventID,
		EventType:          record.EventType,
		Payload:            copyAnyMap(record.Payload),
		Status:             record.Status,
		AttemptCount:       record.AttemptCount,
		MaxAttempts:        record.MaxAttempts,
		NextAttemptAt:      cloneTime(record.NextAttemptAt),
		LastResponseStatus: record.LastResponseStatus,
		LastError:          record.LastError,
		DeliveredAt:        cloneTime(record.DeliveredAt),
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
	}
}

var _ core.WebhookEndpointStore = (*WebhookEndpointStore)(nil)
var _ core.WebhookDeliveryStore = (*WebhookDeliveryStore)(nil)
