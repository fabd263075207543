package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-subscriptions/core"
)

const planCacheKeyPrefix = "go-subscriptions::plan::v1"

// CachedPlanStore wraps a PlanStore with read-through caching. Plans are
// read on every renewal but change rarely, which makes them the one hot
// lookup worth caching.
type CachedPlanStore struct {
	base  core.PlanStore
	cache repositorycache.CacheService
}

func NewCachedPlanStore(base core.PlanStore, cacheService repositorycache.CacheService) (*CachedPlanStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base plan store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: plan cache service is required")
	}
	return &CachedPlanStore{base: base, cache: cacheService}, nil
}

// PlanCacheKey returns the deterministic cache key contract for plan reads:
// go-subscriptions::plan::v1::<tenant_id>::<plan_id> with each segment
// URL-path escaped.
func PlanCacheKey(tenantID string, planID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	planID = strings.TrimSpace(planID)
	if tenantID == "" {
		return "", fmt.Errorf("sqlstore: tenant id is required")
	}
	if planID == "" {
		return "", fmt.Errorf("sqlstore: plan id is required")
	}
	segments := []string{url.PathEscape(tenantID), url.PathEscape(planID)}
	return strings.Join(append([]string{planCacheKeyPrefix}, segments...), "::"), nil
}

func (s *CachedPlanStore) Create(ctx context.Context, plan core.Plan) (core.Plan, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Plan{}, fmt.Errorf("sqlstore: cached plan store is not configured")
	}
	created, err := s.base.Create(ctx, plan)
	if err != nil {
		return core.Plan{}, err
	}
	cacheKey, err := PlanCacheKey(created.TenantID, created.ID)
	if err != nil {
		return core.Plan{}, err
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return core.Plan{}, err
	}
	return created, nil
}

func (s *CachedPlanStore) Get(ctx context.Context, tenantID string, planID string) (core.Plan, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Plan{}, fmt.Errorf("sqlstore: cached plan store is not configured")
	}
	cacheKey, err := PlanCacheKey(tenantID, planID)
	if err != nil {
		return core.Plan{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Plan, error) {
		return s.base.Get(ctx, tenantID, planID)
	})
}

var _ core.PlanStore = (*CachedPlanStore)(nil)
