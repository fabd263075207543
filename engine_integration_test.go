package subscriptions_test

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	persistence "github.com/goliatone/go-persistence-bun"
	subscriptions "github.com/goliatone/go-subscriptions"
	"github.com/goliatone/go-subscriptions/command"
	"github.com/goliatone/go-subscriptions/core"
	billingmigrations "github.com/goliatone/go-subscriptions/migrations"
	"github.com/goliatone/go-subscriptions/query"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool                { return false }
func (c testPersistenceConfig) GetDriver() string             { return c.driver }
func (c testPersistenceConfig) GetServer() string             { return c.server }
func (c testPersistenceConfig) GetPingTimeout() time.Duration { return time.Second }
func (c testPersistenceConfig) GetOtelIdentifier() string     { return "go-subscriptions-tests" }

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:engine-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = billingmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != billingmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, billingmigrations.WithValidationTargets(billingmigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}

type recordingPaymentAdapter struct {
	charges int
}

func (a *recordingPaymentAdapter) Charge(_ context.Context, _ string, _ core.Invoice, _ string) (core.PaymentResult, error) {
	a.charges++
	return core.PaymentResult{Succeeded: true, ExternalPaymentID: fmt.Sprintf("pay_%d", a.charges)}, nil
}

type recordingCommerceAdapter struct {
	orders int
}

func (a *recordingCommerceAdapter) CreateOrder(_ context.Context, _ string, _ core.DeliveryInstance) (string, error) {
	a.orders++
	return fmt.Sprintf("order_%d", a.orders), nil
}

type recordingEntitlementAdapter struct {
	grants int
}

func (a *recordingEntitlementAdapter) Grant(_ context.Context, _ string, _ core.Entitlement) (string, error) {
	a.grants++
	return fmt.Sprintf("ent_ref_%d", a.grants), nil
}

func (a *recordingEntitlementAdapter) Revoke(context.Context, string, core.Entitlement) error {
	return nil
}

func newEngine(t *testing.T, ctx context.Context, tenantID string) (*subscriptions.Engine, *recordingPaymentAdapter, func()) {
	t.Helper()

	client, cleanup := newSQLiteClient(t)
	payments := &recordingPaymentAdapter{}
	engine, err := subscriptions.New(ctx,
		core.Config{Scheduler: core.SchedulerConfig{TenantID: tenantID}},
		core.WithPersistenceClient(client),
		core.WithPaymentAdapter(payments),
		core.WithCommerceAdapter(&recordingCommerceAdapter{}),
		core.WithEntitlementAdapter(&recordingEntitlementAdapter{}),
	)
	if err != nil {
		cleanup()
		t.Fatalf("new engine: %v", err)
	}
	return engine, payments, cleanup
}

func drainDispatcher(t *testing.T, ctx context.Context, engine *subscriptions.Engine) {
	t.Helper()
	for cycle := 0; cycle < 20; cycle++ {
		processed, err := engine.Dispatcher().RunOnce(ctx)
		if err != nil {
			t.Fatalf("dispatch cycle: %v", err)
		}
		if processed == 0 {
			return
		}
	}
	t.Fatalf("task chain did not settle after 20 dispatch cycles")
}

func TestEngine_RenewalFlowsThroughFacade(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant_engine"
	engine, payments, cleanup := newEngine(t, ctx, tenantID)
	defer cleanup()

	plan, err := engine.Stores().PlanStore().Create(ctx, core.Plan{
		TenantID:        tenantID,
		Name:            "Streaming",
		BillingInterval: core.IntervalMonthly,
		IntervalCount:   1,
		AmountCents:     1490,
		Currency:        "usd",
		ProductType:     core.ProductTypeDigital,
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	// A period that ended an hour ago makes the scheduled renewal due
	// immediately while keeping the following cycle in the future.
	periodStart := time.Now().UTC().AddDate(0, -1, 0).Add(-time.Hour)
	collector := gocmd.NewResult[core.Subscription]()
	createCtx := gocmd.ContextWithResult(ctx, collector)
	err = engine.Facade().Commands().CreateSubscription.Execute(createCtx, command.CreateSubscriptionMessage{
		Subscription: core.Subscription{
			TenantID:           tenantID,
			CustomerID:         "cust_1",
			PlanID:             plan.ID,
			Status:             core.SubscriptionStatusActive,
			CurrentPeriodStart: periodStart,
			PaymentMethodRef:   "pm_123",
		},
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	created, ok := collector.Load()
	if !ok {
		t.Fatalf("expected subscription result")
	}

	drainDispatcher(t, ctx, engine)

	if payments.charges != 1 {
		t.Fatalf("expected 1 charge, got %d", payments.charges)
	}
	sub, err := engine.Facade().Queries().GetSubscription.Query(ctx, query.GetSubscriptionMessage{
		TenantID:       tenantID,
		SubscriptionID: created.ID,
	})
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if !sub.CurrentPeriodStart.After(periodStart) {
		t.Fatalf("expected period to advance past %s, got %s", periodStart, sub.CurrentPeriodStart)
	}
	entitlements, err := engine.Facade().Queries().ListEntitlements.Query(ctx, query.ListEntitlementsMessage{
		TenantID:       tenantID,
		SubscriptionID: created.ID,
	})
	if err != nil {
		t.Fatalf("list entitlements: %v", err)
	}
	if len(entitlements) != 1 || entitlements[0].Status != core.EntitlementStatusActive {
		t.Fatalf("expected one active entitlement, got %+v", entitlements)
	}
}

func TestEngine_WebhooksFlowThroughRelayAndWorker(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant_hooks"
	engine, _, cleanup := newEngine(t, ctx, tenantID)
	defer cleanup()

	var mu sync.Mutex
	var signatures []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		signatures = append(signatures, r.Header.Get("X-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := engine.Facade().Commands().RegisterEndpoint.Execute(ctx, command.RegisterEndpointMessage{
		Endpoint: core.WebhookEndpoint{
			TenantID: tenantID,
			URL:      server.URL,
			Secret:   "whsec_engine",
			Status:   core.EndpointStatusActive,
		},
	})
	if err != nil {
		t.Fatalf("register endpoint: %v", err)
	}

	if _, err := engine.Stores().OutboxStore().Emit(ctx, core.EmitEventInput{
		TenantID:  tenantID,
		EventType: core.EventPaymentSucceeded,
		EventKey:  core.EventPaymentSucceeded + "_inv_1",
		Payload:   map[string]any{"invoice_id": "inv_1"},
	}); err != nil {
		t.Fatalf("emit event: %v", err)
	}

	if _, err := engine.Relay().FanOutOnce(ctx); err != nil {
		t.Fatalf("fan out: %v", err)
	}
	delivered, err := engine.WebhookWorker().DeliverOnce(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(signatures) != 1 {
		t.Fatalf("expected 1 webhook request, got %d", len(signatures))
	}
	if len(signatures[0]) == 0 {
		t.Fatalf("expected signed request")
	}
}

func TestEngine_StartAndStop(t *testing.T) {
	ctx := context.Background()
	engine, _, cleanup := newEngine(t, ctx, "tenant_lifecycle")
	defer cleanup()

	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Start(ctx); err == nil {
		t.Fatalf("expected second start to be rejected")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := engine.Stop(stopCtx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

func TestNew_RequiresPersistenceBacking(t *testing.T) {
	_, err := subscriptions.New(context.Background(),
		core.Config{},
		core.WithPaymentAdapter(&recordingPaymentAdapter{}),
	)
	if err == nil {
		t.Fatalf("expected error without persistence client or repository factory")
	}
}
