package sqlstore

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-subscriptions/core"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every store over one bun handle so the whole
// engine shares a single connection pool and transaction scope.
type RepositoryFactory struct {
	db *bun.DB

	leaseDuration  time.Duration
	retrySchedule  core.RetrySchedule
	idempotencyTTL time.Duration
	planCache      repositorycache.CacheService

	taskStore             *TaskStore
	outboxStore           *OutboxStore
	webhookEndpointStore  *WebhookEndpointStore
	webhookDeliveryStore  *WebhookDeliveryStore
	idempotencyStore      *IdempotencyStore
	planStore             core.PlanStore
	subscriptionStore     *SubscriptionStore
	invoiceStore          *InvoiceStore
	paymentAttemptStore   *PaymentAttemptStore
	deliveryInstanceStore *DeliveryInstanceStore
	entitlementStore      *EntitlementStore
}

type FactoryOption func(*RepositoryFactory)

func WithFactoryLeaseDuration(lease time.Duration) FactoryOption {
	return func(f *RepositoryFactory) {
		if lease > 0 {
			f.leaseDuration = lease
		}
	}
}

func WithFactoryRetrySchedule(schedule core.RetrySchedule) FactoryOption {
	return func(f *RepositoryFactory) {
		if schedule != nil {
			f.retrySchedule = schedule
		}
	}
}

func WithFactoryIdempotencyTTL(ttl time.Duration) FactoryOption {
	return func(f *RepositoryFactory) {
		if ttl > 0 {
			f.idempotencyTTL = ttl
		}
	}
}

// WithFactoryPlanCache wraps the plan store in a read-through cache.
func WithFactoryPlanCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.planCache = cacheService
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(factory)
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.taskStore != nil && f.outboxStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) TaskStore() core.TaskStore {
	if f == nil {
		return nil
	}
	return f.taskStore
}

func (f *RepositoryFactory) OutboxStore() core.OutboxStore {
	if f == nil {
		return nil
	}
	return f.outboxStore
}

func (f *RepositoryFactory) WebhookEndpointStore() core.WebhookEndpointStore {
	if f == nil {
		return nil
	}
	return f.webhookEndpointStore
}

func (f *RepositoryFactory) WebhookDeliveryStore() core.WebhookDeliveryStore {
	if f == nil {
		return nil
	}
	return f.webhookDeliveryStore
}

func (f *RepositoryFactory) IdempotencyStore() core.IdempotencyStore {
	if f == nil {
		return nil
	}
	return f.idempotencyStore
}

func (f *RepositoryFactory) PlanStore() core.PlanStore {
	if f == nil {
		return nil
	}
	return f.planStore
}

func (f *RepositoryFactory) SubscriptionStore() core.SubscriptionStore {
	if f == nil {
		return nil
	}
	return f.subscriptionStore
}

func (f *RepositoryFactory) InvoiceStore() core.InvoiceStore {
	if f == nil {
		return nil
	}
	return f.invoiceStore
}

func (f *RepositoryFactory) PaymentAttemptStore() core.PaymentAttemptStore {
	if f == nil {
		return nil
	}
	return f.paymentAttemptStore
}

func (f *RepositoryFactory) DeliveryInstanceStore() core.DeliveryInstanceStore {
	if f == nil {
		return nil
	}
	return f.deliveryInstanceStore
}

func (f *RepositoryFactory) EntitlementStore() core.EntitlementStore {
	if f == nil {
		return nil
	}
	return f.entitlementStore
}

func (f *RepositoryFactory) initStores() error {
	var taskOpts []TaskStoreOption
	if f.leaseDuration > 0 {
		taskOpts = append(taskOpts, WithTaskLeaseDuration(f.leaseDuration))
	}
	if f.retrySchedule != nil {
		taskOpts = append(taskOpts, WithTaskRetrySchedule(f.retrySchedule))
	}
	taskStore, err := NewTaskStore(f.db, taskOpts...)
	if err != nil {
		return err
	}
	f.taskStore = taskStore

	outboxStore, err := NewOutboxStore(f.db)
	if err != nil {
		return err
	}
	f.outboxStore = outboxStore

	webhookEndpointStore, err := NewWebhookEndpointStore(f.db)
	if err != nil {
		return err
	}
	f.webhookEndpointStore = webhookEndpointStore

	webhookDeliveryStore, err := NewWebhookDeliveryStore(f.db)
	if err != nil {
		return err
	}
	f.webhookDeliveryStore = webhookDeliveryStore

	var idempotencyOpts []IdempotencyStoreOption
	if f.idempotencyTTL > 0 {
		idempotencyOpts = append(idempotencyOpts, WithIdempotencyTTL(f.idempotencyTTL))
	}
	idempotencyStore, err := NewIdempotencyStore(f.db, idempotencyOpts...)
	if err != nil {
		return err
	}
	f.idempotencyStore = idempotencyStore

	planStore, err := NewPlanStore(f.db)
	if err != nil {
		return err
	}
	if f.planCache != nil {
		cached, err := NewCachedPlanStore(planStore, f.planCache)
		if err != nil {
			return err
		}
		f.planStore = cached
	} else {
		f.planStore = planStore
	}

	subscriptionStore, err := NewSubscriptionStore(f.db)
	if err != nil {
		return err
	}
	f.subscriptionStore = subscriptionStore

	invoiceStore, err := NewInvoiceStore(f.db)
	if err != nil {
		return err
	}
	f.invoiceStore = invoiceStore

	paymentAttemptStore, err := NewPaymentAttemptStore(f.db)
	if err != nil {
		return err
	}
	f.paymentAttemptStore = paymentAttemptStore

	deliveryInstanceStore, err := NewDeliveryInstanceStore(f.db)
	if err != nil {
		return err
	}
	f.deliveryInstanceStore = deliveryInstanceStore

	entitlementStore, err := NewEntitlementStore(f.db)
	if err != nil {
		return err
	}
	f.entitlementStore = entitlementStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

var _ core.StoreProvider = (*RepositoryFactory)(nil)
var _ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
