package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-subscriptions/core"
)

type stubPlanStore struct {
	mu          sync.Mutex
	plan        core.Plan
	getCalls    int
	createCalls int
	getErr      error
}

func (s *stubPlanStore) Create(_ context.Context, plan core.Plan) (core.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	s.plan = plan
	return plan, nil
}

func (s *stubPlanStore) Get(_ context.Context, _ string, _ string) (core.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return core.Plan{}, s.getErr
	}
	return s.plan, nil
}

func TestCachedPlanStore_Get_MissFetchThenHit(t *testing.T) {
	cacheService := newTestPlanCacheService(t)
	base := &stubPlanStore{
		plan: core.Plan{
			ID:              "plan_cache_1",
			TenantID:        "acme",
			Name:            "Monthly Box",
			BillingInterval: core.IntervalMonthly,
			IntervalCount:   1,
			AmountCents:     1490,
			Currency:        "USD",
			ProductType:     core.ProductTypeDigital,
		},
	}

	store, err := NewCachedPlanStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached plan store: %v", err)
	}

	if _, err := store.Get(context.Background(), "acme", "plan_cache_1"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected first get to fetch base store once, got %d", base.getCalls)
	}

	plan, err := store.Get(context.Background(), "acme", "plan_cache_1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected second get to be cache hit, base get calls=%d", base.getCalls)
	}
	if plan.AmountCents != 1490 {
		t.Fatalf("expected cached plan amount=1490, got %d", plan.AmountCents)
	}
}

func TestCachedPlanStore_Create_InvalidatesCachedKey(t *testing.T) {
	cacheService := newTestPlanCacheService(t)
	base := &stubPlanStore{
		plan: core.Plan{
			ID:          "plan_cache_2",
			TenantID:    "acme",
			AmountCents: 1490,
		},
	}

	store, err := NewCachedPlanStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached plan store: %v", err)
	}

	if _, err := store.Get(context.Background(), "acme", "plan_cache_2"); err != nil {
		t.Fatalf("prime cache with get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected one base read after cache prime, got %d", base.getCalls)
	}

	if _, err := store.Create(context.Background(), core.Plan{
		ID:          "plan_cache_2",
		TenantID:    "acme",
		AmountCents: 1990,
	}); err != nil {
		t.Fatalf("create through cached store: %v", err)
	}
	if base.createCalls != 1 {
		t.Fatalf("expected base create call count=1, got %d", base.createCalls)
	}

	plan, err := store.Get(context.Background(), "acme", "plan_cache_2")
	if err != nil {
		t.Fatalf("get after create invalidation: %v", err)
	}
	if base.getCalls != 2 {
		t.Fatalf("expected invalidated key to force second base read, got %d", base.getCalls)
	}
	if plan.AmountCents != 1990 {
		t.Fatalf("expected refreshed plan amount=1990, got %d", plan.AmountCents)
	}
}

func TestPlanCacheKey_Contract(t *testing.T) {
	key, err := PlanCacheKey(" acme ", "Plan/Alpha Box")
	if err != nil {
		t.Fatalf("build cache key: %v", err)
	}

	const expected = "go-subscriptions::plan::v1::acme::Plan%2FAlpha%20Box"
	if key != expected {
		t.Fatalf("unexpected cache key contract: got %q want %q", key, expected)
	}

	if _, err := PlanCacheKey("", "plan_1"); err == nil {
		t.Fatal("expected error for empty tenant id")
	}
	if _, err := PlanCacheKey("acme", ""); err == nil {
		t.Fatal("expected error for empty plan id")
	}
}

func TestCachedPlanStore_PropagatesBaseErrors(t *testing.T) {
	cacheService := newTestPlanCacheService(t)
	baseErr := errors.New("plan not found")
	base := &stubPlanStore{getErr: baseErr}

	store, err := NewCachedPlanStore(base, cacheService)
	if err != nil {
		t.Fatalf("new cached plan store: %v", err)
	}

	if _, err := store.Get(context.Background(), "acme", "plan_cache_404"); !errors.Is(err, baseErr) {
		t.Fatalf("expected base error propagation, got %v", err)
	}
}

func newTestPlanCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
