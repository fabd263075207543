// Package outbox publishes recorded events to webhook endpoints. The relay
// fans each unpublished event out into per-endpoint delivery rows, and the
// worker posts those deliveries with signed bodies and bounded retries. Both
// halves are poll loops over the database, same as the task scheduler.
package outbox

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-subscriptions/core"
)

const (
	defaultFanOutBatchSize     = 50
	defaultDeliveryMaxAttempts = 5
)

// Relay turns unpublished outbox events into webhook delivery rows, one per
// matching endpoint.
type Relay struct {
	outbox      core.OutboxStore
	endpoints   core.WebhookEndpointStore
	deliveries  core.WebhookDeliveryStore
	config      core.OutboxConfig
	maxAttempts int
	logger      core.Logger
	metrics     core.MetricsRecorder
	now         func() time.Time
}

type RelayOption func(*Relay)

func WithRelayLogger(logger core.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRelayMetrics(metrics core.MetricsRecorder) RelayOption {
	return func(r *Relay) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithRelayDeliveryMaxAttempts sets the attempt budget stamped onto created
// deliveries.
func WithRelayDeliveryMaxAttempts(maxAttempts int) RelayOption {
	return func(r *Relay) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
	}
}

func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRelay(
	outbox core.OutboxStore,
	endpoints core.WebhookEndpointStore,
	deliveries core.WebhookDeliveryStore,
	config core.OutboxConfig,
	opts ...RelayOption,
) (*Relay, error) {
	if outbox == nil {
		return nil, fmt.Errorf("outbox: outbox store is required")
	}
	if endpoints == nil {
		return nil, fmt.Errorf("outbox: endpoint store is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("outbox: delivery store is required")
	}
	relay := &Relay{
		outbox:      outbox,
		endpoints:   endpoints,
		deliveries:  deliveries,
		config:      config,
		maxAttempts: defaultDeliveryMaxAttempts,
		logger:      glog.Nop(),
		metrics:     core.NopMetricsRecorder{},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(relay)
	}
	return relay, nil
}

// Run fans out unpublished events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("outbox: relay is not configured")
	}
	interval := r.config.FanOutInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	core.LogInfo(ctx, r.logger, "outbox relay started", map[string]any{
		"fan_out_interval": interval.String(),
	})

	for {
		if _, err := r.FanOutOnce(ctx); err != nil && ctx.Err() == nil {
			core.LogError(ctx, r.logger, "fan out cycle failed", err, nil)
		}
		select {
		case <-ctx.Done():
			core.LogInfo(ctx, r.logger, "outbox relay stopped", nil)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FanOutOnce claims one batch of unpublished events, oldest first, and
// publishes each. A failure on one event is logged and skipped; the event
// stays unpublished for the next sweep.
func (r *Relay) FanOutOnce(ctx context.Context) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("outbox: relay is not configured")
	}
	startedAt := r.now()
	batchSize := r.config.FanOutBatchSize
	if batchSize <= 0 {
		batchSize = defaultFanOutBatchSize
	}

	events, err := r.outbox.ClaimUnpublished(ctx, batchSize)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "claim unpublished events")
	}

	published := 0
	for _, event := range events {
		if err := r.fanOut(ctx, event); err != nil {
			core.LogError(ctx, r.logger, "fan out event failed", err, map[string]any{
				"event_id":   event.ID,
				"tenant_id":  event.TenantID,
				"event_type": event.EventType,
			})
			continue
		}
		published++
	}

	core.ObserveOperation(ctx, r.logger, r.metrics, startedAt, "outbox_fan_out", nil, map[string]any{
		"claimed":   len(events),
		"published": published,
	})
	return published, nil
}

func (r *Relay) fanOut(ctx context.Context, event core.OutboxEvent) error {
	endpoints, err := r.endpoints.ListActive(ctx, event.TenantID, event.EventType)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "list endpoints")
	}

	if len(endpoints) > 0 {
		now := r.now()
		deliveries := make([]core.WebhookDelivery, 0, len(endpoints))
		for _, endpoint := range endpoints {
			deliveries = append(deliveries, core.WebhookDelivery{
				TenantID:      event.TenantID,
				EndpointID:    endpoint.ID,
				OutboxEventID: event.ID,
				EventType:     event.EventType,
				Payload:       event.Payload,
				MaxAttempts:   r.maxAttempts,
				NextAttemptAt: &now,
			})
		}
		if err := r.deliveries.CreateBatch(ctx, deliveries); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "create deliveries")
		}
	}

	if err := r.outbox.MarkPublished(ctx, event.ID); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "mark event published")
	}
	return nil
}
