package core

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type engineBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	paymentAdapter    PaymentAdapter
	commerceAdapter   CommerceAdapter
	entitlements      EntitlementAdapter
	retrySchedule     RetrySchedule
	workerID          string
	now               func() time.Time
}

type Option func(*engineBuilder)

func WithLogger(logger Logger) Option {
	return func(b *engineBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *engineBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *engineBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *engineBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *engineBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *engineBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *engineBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *engineBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *engineBuilder) {
		b.optionsResolver = resolver
	}
}

func WithPaymentAdapter(adapter PaymentAdapter) Option {
	return func(b *engineBuilder) {
		b.paymentAdapter = adapter
	}
}

func WithCommerceAdapter(adapter CommerceAdapter) Option {
	return func(b *engineBuilder) {
		b.commerceAdapter = adapter
	}
}

func WithEntitlementAdapter(adapter EntitlementAdapter) Option {
	return func(b *engineBuilder) {
		b.entitlements = adapter
	}
}

func WithRetrySchedule(schedule RetrySchedule) Option {
	return func(b *engineBuilder) {
		b.retrySchedule = schedule
	}
}

func WithWorkerID(workerID string) Option {
	return func(b *engineBuilder) {
		b.workerID = workerID
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(b *engineBuilder) {
		b.now = now
	}
}

func defaultEngineBuilder(runtime Config) engineBuilder {
	loggerProvider, logger := glog.Resolve("subscriptions", nil, nil)
	return engineBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// EngineDeps is the fully resolved dependency set an engine assembles its
// services from. Config has already been merged across defaults, the config
// provider, and the runtime layer by the time it lands here.
type EngineDeps struct {
	Config            Config
	Logger            Logger
	LoggerProvider    LoggerProvider
	Metrics           MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	PersistenceClient any
	RepositoryFactory any
	PaymentAdapter    PaymentAdapter
	CommerceAdapter   CommerceAdapter
	Entitlements      EntitlementAdapter
	RetrySchedule     RetrySchedule
	WorkerID          string
	Now               func() time.Time
}

// ResolveEngineOptions applies the given options over the defaults, loads
// configuration through the configured provider, and merges the layers with
// the options resolver.
func ResolveEngineOptions(ctx context.Context, runtime Config, options ...Option) (EngineDeps, error) {
	builder := defaultEngineBuilder(runtime)
	for _, opt := range options {
		if opt != nil {
			opt(&builder)
		}
	}

	defaults := DefaultConfig()
	loaded := defaults
	if builder.configProvider != nil {
		var err error
		loaded, err = builder.configProvider.Load(ctx, defaults)
		if err != nil {
			return EngineDeps{}, fmt.Errorf("core: config load failed: %w", err)
		}
	}

	resolved := loaded
	if builder.optionsResolver != nil {
		var err error
		resolved, err = builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
		if err != nil {
			return EngineDeps{}, fmt.Errorf("core: config resolve failed: %w", err)
		}
	}
	if err := resolved.Validate(); err != nil {
		return EngineDeps{}, err
	}

	logger := builder.logger
	if logger == nil && builder.loggerProvider != nil {
		if named := builder.loggerProvider.GetLogger(resolved.ServiceName); named != nil {
			logger = glog.Ensure(named)
		}
	}
	if logger == nil {
		logger = glog.Nop()
	}
	metrics := builder.metricsRecorder
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	now := builder.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return EngineDeps{
		Config:            resolved,
		Logger:            logger,
		LoggerProvider:    builder.loggerProvider,
		Metrics:           metrics,
		ErrorFactory:      builder.errorFactory,
		ErrorMapper:       builder.errorMapper,
		PersistenceClient: builder.persistenceClient,
		RepositoryFactory: builder.repositoryFactory,
		PaymentAdapter:    builder.paymentAdapter,
		CommerceAdapter:   builder.commerceAdapter,
		Entitlements:      builder.entitlements,
		RetrySchedule:     builder.retrySchedule,
		WorkerID:          builder.workerID,
		Now:               now,
	}, nil
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return billingErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || cfg.ServiceName != "" {
		layer["service_name"] = cfg.ServiceName
	}

	scheduler := map[string]any{}
	if includeZero || cfg.Scheduler.TenantID != "" {
		scheduler["tenant_id"] = cfg.Scheduler.TenantID
	}
	if includeZero || cfg.Scheduler.BatchSize != 0 {
		scheduler["batch_size"] = cfg.Scheduler.BatchSize
	}
	if includeZero || cfg.Scheduler.LeaseDuration != 0 {
		scheduler["lease_duration"] = cfg.Scheduler.LeaseDuration
	}
	if includeZero || cfg.Scheduler.PollInterval != 0 {
		scheduler["poll_interval"] = cfg.Scheduler.PollInterval
	}
	if includeZero || cfg.Scheduler.ReapInterval != 0 {
		scheduler["reap_interval"] = cfg.Scheduler.ReapInterval
	}
	if includeZero || cfg.Scheduler.MaxAttempts != 0 {
		scheduler["max_attempts"] = cfg.Scheduler.MaxAttempts
	}
	if len(scheduler) > 0 {
		layer["scheduler"] = scheduler
	}

	outbox := map[string]any{}
	if includeZero || cfg.Outbox.FanOutInterval != 0 {
		outbox["fan_out_interval"] = cfg.Outbox.FanOutInterval
	}
	if includeZero || cfg.Outbox.FanOutBatchSize != 0 {
		outbox["fan_out_batch_size"] = cfg.Outbox.FanOutBatchSize
	}
	if len(outbox) > 0 {
		layer["outbox"] = outbox
	}

	webhooks := map[string]any{}
	if includeZero || cfg.Webhooks.DeliverInterval != 0 {
		webhooks["deliver_interval"] = cfg.Webhooks.DeliverInterval
	}
	if includeZero || cfg.Webhooks.BatchSize != 0 {
		webhooks["batch_size"] = cfg.Webhooks.BatchSize
	}
	if includeZero || cfg.Webhooks.MaxAttempts != 0 {
		webhooks["max_attempts"] = cfg.Webhooks.MaxAttempts
	}
	if includeZero || cfg.Webhooks.BackoffBase != 0 {
		webhooks["backoff_base"] = cfg.Webhooks.BackoffBase
	}
	if includeZero || cfg.Webhooks.RequestTimeout != 0 {
		webhooks["request_timeout"] = cfg.Webhooks.RequestTimeout
	}
	if len(webhooks) > 0 {
		layer["webhooks"] = webhooks
	}

	if includeZero || cfg.Idempotency.TTL != 0 {
		layer["idempotency"] = map[string]any{
			"ttl": cfg.Idempotency.TTL,
		}
	}
	return layer
}
