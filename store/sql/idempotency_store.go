package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-subscriptions/core"
	"github.com/uptrace/bun"
)

// IdempotencyStore backs the request idempotency guard. Completed responses
// are replayed verbatim for the retention window; a reused key with a
// different request body is rejected.
type IdempotencyStore struct {
	db  *bun.DB
	ttl time.Duration
	now func() time.Time
}

type IdempotencyStoreOption func(*IdempotencyStore)

func WithIdempotencyTTL(ttl time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithIdempotencyClock(now func() time.Time) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewIdempotencyStore(db *bun.DB, opts ...IdempotencyStoreOption) (*IdempotencyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	store := &IdempotencyStore{
		db:  db,
		ttl: 24 * time.Hour,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(store)
	}
	return store, nil
}

func (s *IdempotencyStore) Check(ctx context.Context, tenantID string, key string, fingerprint string) (core.IdempotencyDecision, error) {
	if s == nil || s.db == nil {
		return core.IdempotencyDecision{}, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	key = strings.TrimSpace(key)
	if tenantID == "" || key == "" {
		return core.IdempotencyDecision{}, fmt.Errorf("sqlstore: tenant id and idempotency key are required")
	}

	record := &idempotencyKeyRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.IdempotencyDecision{}, nil
		}
		return core.IdempotencyDecision{}, err
	}

	// An expired record no longer guards the key. The row stays until the
	// purge sweep removes it.
	if !record.ExpiresAt.After(s.now()) {
		return core.IdempotencyDecision{}, nil
	}
	if record.Fingerprint != strings.TrimSpace(fingerprint) {
		return core.IdempotencyDecision{}, core.NewIdempotencyConflict(key)
	}
	return core.IdempotencyDecision{
		Replay:     true,
		StatusCode: record.StatusCode,
		Response:   copyAnyMap(record.Response),
	}, nil
}

func (s *IdempotencyStore) SaveResponse(ctx context.Context, tenantID string, key string, fingerprint string, statusCode int, response map[string]any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	key = strings.TrimSpace(key)
	if tenantID == "" || key == "" {
		return fmt.Errorf("sqlstore: tenant id and idempotency key are required")
	}
	now := s.now()
	record := &idempotencyKeyRecord{
		TenantID:    tenantID,
		Key:         key,
		Fingerprint: strings.TrimSpace(fingerprint),
		StatusCode:  statusCode,
		Response:    copyAnyMap(response),
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}
	if _, err := conn(ctx, s.db).NewInsert().Model(record).Exec(ctx); err != nil {
		// Two racing requests with the same key: the first insert wins and
		// the loser replays its response on the next Check.
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	if now.IsZero() {
		now = s.now()
	}
	result, err := conn(ctx, s.db).NewDelete().
		Model((*idempotencyKeyRecord)(nil)).
		Where("expires_at <= ?", now.UTC()).
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

var _ core.IdempotencyStore = (*IdempotencyStore)(nil)
