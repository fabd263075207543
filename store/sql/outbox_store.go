package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-subscriptions/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// OutboxStore persists domain events in the same database as the state they
// describe, so event emission can share the caller's transaction.
type OutboxStore struct {
	db   *bun.DB
	repo repository.Repository[*outboxEventRecord]
	now  func() time.Time
}

func NewOutboxStore(db *bun.DB) (*OutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*outboxEventRecord](db, outboxEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid outbox repository wiring: %w", err)
		}
	}
	return &OutboxStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *OutboxStore) Emit(ctx context.Context, input core.EmitEventInput) (core.OutboxEvent, error) {
	if s == nil || s.db == nil {
		return core.OutboxEvent{}, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if err := input.Validate(); err != nil {
		return core.OutboxEvent{}, err
	}
	record := &outboxEventRecord{
		ID:        uuid.NewString(),
		TenantID:  strings.TrimSpace(input.TenantID),
		EventType: strings.TrimSpace(input.EventType),
		EventKey:  optionalString(strings.TrimSpace(input.EventKey)),
		Payload:   copyAnyMap(input.Payload),
		CreatedAt: s.now(),
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) && record.EventKey != nil {
			return s.getByKey(ctx, record.TenantID, *record.EventKey)
		}
		return core.OutboxEvent{}, err
	}
	return outboxEventRecordToDomain(record), nil
}

func (s *OutboxStore) getByKey(ctx context.Context, tenantID string, eventKey string) (core.OutboxEvent, error) {
	record := &outboxEventRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.event_key = ?", eventKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return core.OutboxEvent{}, err
	}
	return outboxEventRecordToDomain(record), nil
}

// ClaimUnpublished returns unpublished events oldest first. Events stay
// claimable until MarkPublished lands, which keeps fan-out at-least-once.
func (s *OutboxStore) ClaimUnpublished(ctx context.Context, limit int) ([]core.OutboxEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	var records []outboxEventRecord
	err := conn(ctx, s.db).NewSelect().
		Model(&records).
		Where("?TableAlias.published_at IS NULL").
		OrderExpr("?TableAlias.created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	events := make([]core.OutboxEvent, 0, len(records))
	for i := range records {
		events = append(events, outboxEventRecordToDomain(&records[i]))
	}
	return events, nil
}

func (s *OutboxStore) MarkPublished(ctx context.Context, eventID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	now := s.now()
	_, err := conn(ctx, s.db).NewUpdate().
		Model((*outboxEventRecord)(nil)).
		Set("published_at = ?", now).
		Where("id = ?", strings.TrimSpace(eventID)).
		Where("published_at IS NULL").
		Exec(ctx)
	return err
}

func outboxEventRecordToDomain(record *outboxEventRecord) core.OutboxEvent {
	if record == nil {
		return core.OutboxEvent{}
	}
	return core.OutboxEvent{
		ID:          record.ID,
		TenantID:    record.TenantID,
		EventType:   record.EventType,
		EventKey:    stringOrEmpty(record.EventKey),
		Payload:     copyAnyMap(record.Payload),
		PublishedAt: cloneTime(record.PublishedAt),
		CreatedAt:   record.CreatedAt,
	}
}

var _ core.OutboxStore = (*OutboxStore)(nil)
