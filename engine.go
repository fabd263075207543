// Package subscriptions wires the billing engine together: stores over one
// bun handle, the task dispatcher and lock reaper, the outbox relay, and the
// webhook delivery worker, all configured from one core.Config.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-subscriptions/billing"
	"github.com/goliatone/go-subscriptions/core"
	"github.com/goliatone/go-subscriptions/outbox"
	"github.com/goliatone/go-subscriptions/scheduler"
	sqlstore "github.com/goliatone/go-subscriptions/store/sql"
	"github.com/uptrace/bun"
)

// Engine owns the four background loops and the service they feed. Loops do
// not run until Start; every loop shares the Start context and stops when it
// is cancelled.
type Engine struct {
	config     core.Config
	logger     core.Logger
	metrics    core.MetricsRecorder
	stores     core.StoreProvider
	service    *billing.Service
	dispatcher *scheduler.Dispatcher
	reaper     *scheduler.Reaper
	relay      *outbox.Relay
	worker     *outbox.Worker
	facade     *Facade

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New resolves options against the runtime config and assembles the engine.
// A persistence client (or a pre-built repository factory) and a payment
// adapter are required; everything else has defaults.
func New(ctx context.Context, runtime core.Config, opts ...core.Option) (*Engine, error) {
	deps, err := core.ResolveEngineOptions(ctx, runtime, opts...)
	if err != nil {
		return nil, err
	}

	stores, err := resolveStores(deps)
	if err != nil {
		return nil, err
	}

	serviceOpts := []billing.ServiceOption{
		billing.WithServiceLogger(componentLogger(deps, "billing")),
		billing.WithServiceMetrics(deps.Metrics),
		billing.WithServiceClock(deps.Now),
	}
	if deps.Config.Scheduler.MaxAttempts > 0 {
		serviceOpts = append(serviceOpts, billing.WithTaskMaxAttempts(deps.Config.Scheduler.MaxAttempts))
	}
	service, err := billing.NewService(stores, deps.PaymentAdapter, deps.CommerceAdapter, deps.Entitlements, serviceOpts...)
	if err != nil {
		return nil, err
	}

	dispatcherOpts := []scheduler.DispatcherOption{
		scheduler.WithDispatcherLogger(componentLogger(deps, "scheduler")),
		scheduler.WithDispatcherMetrics(deps.Metrics),
		scheduler.WithDispatcherClock(deps.Now),
	}
	if deps.WorkerID != "" {
		dispatcherOpts = append(dispatcherOpts, scheduler.WithDispatcherWorkerID(deps.WorkerID))
	}
	if runner, ok := stores.(core.TransactionRunner); ok {
		dispatcherOpts = append(dispatcherOpts, scheduler.WithDispatcherTransactions(runner))
	}
	dispatcher, err := scheduler.NewDispatcher(stores.TaskStore(), deps.Config.Scheduler, dispatcherOpts...)
	if err != nil {
		return nil, err
	}
	for _, handler := range service.Handlers() {
		if err := dispatcher.Register(handler); err != nil {
			return nil, err
		}
	}

	reaper, err := scheduler.NewReaper(stores.TaskStore(),
		scheduler.WithReaperLogger(componentLogger(deps, "scheduler")),
		scheduler.WithReaperMetrics(deps.Metrics),
		scheduler.WithReaperInterval(deps.Config.Scheduler.ReapInterval),
		scheduler.WithReaperClock(deps.Now),
	)
	if err != nil {
		return nil, err
	}

	relayOpts := []outbox.RelayOption{
		outbox.WithRelayLogger(componentLogger(deps, "outbox")),
		outbox.WithRelayMetrics(deps.Metrics),
		outbox.WithRelayClock(deps.Now),
	}
	if deps.Config.Webhooks.MaxAttempts > 0 {
		relayOpts = append(relayOpts, outbox.WithRelayDeliveryMaxAttempts(deps.Config.Webhooks.MaxAttempts))
	}
	relay, err := outbox.NewRelay(
		stores.OutboxStore(),
		stores.WebhookEndpointStore(),
		stores.WebhookDeliveryStore(),
		deps.Config.Outbox,
		relayOpts...,
	)
	if err != nil {
		return nil, err
	}

	worker, err := outbox.NewWorker(
		stores.WebhookDeliveryStore(),
		stores.WebhookEndpointStore(),
		deps.Config.Webhooks,
		outbox.WithWorkerLogger(componentLogger(deps, "outbox")),
		outbox.WithWorkerMetrics(deps.Metrics),
		outbox.WithWorkerClock(deps.Now),
	)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:     deps.Config,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		stores:     stores,
		service:    service,
		dispatcher: dispatcher,
		reaper:     reaper,
		relay:      relay,
		worker:     worker,
	}
	facade, err := NewFacade(service, stores)
	if err != nil {
		return nil, err
	}
	engine.facade = facade
	return engine, nil
}

func resolveStores(deps core.EngineDeps) (core.StoreProvider, error) {
	if deps.RepositoryFactory != nil {
		switch factory := deps.RepositoryFactory.(type) {
		case core.RepositoryStoreFactory:
			return factory.BuildStores(deps.PersistenceClient)
		case core.StoreProvider:
			return factory, nil
		default:
			return nil, fmt.Errorf("subscriptions: unsupported repository factory %T", deps.RepositoryFactory)
		}
	}

	factoryOpts := []sqlstore.FactoryOption{
		sqlstore.WithFactoryLeaseDuration(deps.Config.Scheduler.LeaseDuration),
		sqlstore.WithFactoryIdempotencyTTL(deps.Config.Idempotency.TTL),
	}
	if deps.RetrySchedule != nil {
		factoryOpts = append(factoryOpts, sqlstore.WithFactoryRetrySchedule(deps.RetrySchedule))
	}

	switch client := deps.PersistenceClient.(type) {
	case *persistence.Client:
		return sqlstore.NewRepositoryFactoryFromPersistence(client, factoryOpts...)
	case *bun.DB:
		return sqlstore.NewRepositoryFactoryFromDB(client, factoryOpts...)
	case nil:
		return nil, fmt.Errorf("subscriptions: persistence client or repository factory is required")
	default:
		return nil, fmt.Errorf("subscriptions: unsupported persistence client %T", deps.PersistenceClient)
	}
}

func componentLogger(deps core.EngineDeps, name string) core.Logger {
	if deps.LoggerProvider != nil {
		if named := deps.LoggerProvider.GetLogger(name); named != nil {
			return glog.Ensure(named)
		}
	}
	return deps.Logger
}

// Start launches the dispatcher, reaper, outbox relay, and webhook worker.
// It returns immediately; the loops run until the given context is cancelled
// or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("subscriptions: engine is not configured")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("subscriptions: engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	done := make(chan struct{})
	e.done = done

	loops := []struct {
		name string
		run  func(context.Context) error
	}{
		{"dispatcher", e.dispatcher.Run},
		{"reaper", e.reaper.Run},
		{"outbox_relay", e.relay.Run},
		{"webhook_worker", e.worker.Run},
		{"idempotency_purge", e.runIdempotencyPurge},
	}

	var wg sync.WaitGroup
	wg.Add(len(loops))
	for _, loop := range loops {
		go func() {
			defer wg.Done()
			if err := loop.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				core.LogError(runCtx, e.logger, "engine loop stopped", err, map[string]any{
					"loop": loop.name,
				})
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	core.LogInfo(runCtx, e.logger, "engine started", map[string]any{
		"service":   e.config.ServiceName,
		"worker_id": e.dispatcher.WorkerID(),
	})
	return nil
}

const idempotencyPurgeInterval = time.Hour

// runIdempotencyPurge drops expired idempotency keys on a slow cadence so
// the table stays bounded by the configured TTL.
func (e *Engine) runIdempotencyPurge(ctx context.Context) error {
	ticker := time.NewTicker(idempotencyPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		purged, err := e.stores.IdempotencyStore().PurgeExpired(ctx, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			core.LogError(ctx, e.logger, "idempotency purge failed", err, nil)
			continue
		}
		if purged > 0 {
			core.LogInfo(ctx, e.logger, "idempotency keys purged", map[string]any{
				"purged": purged,
			})
		}
	}
}

// Stop cancels the background loops and waits for them to drain, or until
// ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		core.LogInfo(ctx, e.logger, "engine stopped", map[string]any{
			"service": e.config.ServiceName,
		})
		return nil
	case <-ctx.Done():
		return fmt.Errorf("subscriptions: engine shutdown timed out: %w", ctx.Err())
	}
}

// Service exposes the lifecycle service for direct use.
func (e *Engine) Service() *billing.Service {
	if e == nil {
		return nil
	}
	return e.service
}

// Stores exposes the store provider the engine was built over.
func (e *Engine) Stores() core.StoreProvider {
	if e == nil {
		return nil
	}
	return e.stores
}

// Dispatcher exposes the task dispatcher, mainly so callers can drive
// RunOnce in tests and one-shot jobs.
func (e *Engine) Dispatcher() *scheduler.Dispatcher {
	if e == nil {
		return nil
	}
	return e.dispatcher
}

// Reaper exposes the lock reaper.
func (e *Engine) Reaper() *scheduler.Reaper {
	if e == nil {
		return nil
	}
	return e.reaper
}

// Relay exposes the outbox fan-out relay.
func (e *Engine) Relay() *outbox.Relay {
	if e == nil {
		return nil
	}
	return e.relay
}

// WebhookWorker exposes the webhook delivery worker.
func (e *Engine) WebhookWorker() *outbox.Worker {
	if e == nil {
		return nil
	}
	return e.worker
}

// Facade exposes the command and query surface.
func (e *Engine) Facade() *Facade {
	if e == nil {
		return nil
	}
	return e.facade
}
