package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-subscriptions/core"
)

const (
	defaultDeliverBatchSize = 25
	defaultBackoffBase      = time.Minute
)

// Worker drains due webhook deliveries and posts them. Failed attempts back
// off exponentially until the delivery's attempt budget runs out.
type Worker struct {
	deliveries core.WebhookDeliveryStore
	endpoints  core.WebhookEndpointStore
	sender     *Sender
	config     core.WebhookConfig
	logger     core.Logger
	metrics    core.MetricsRecorder
	now        func() time.Time
}

type WorkerOption func(*Worker)

func WithWorkerLogger(logger core.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithWorkerMetrics(metrics core.MetricsRecorder) WorkerOption {
	return func(w *Worker) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

func WithWorkerSender(sender *Sender) WorkerOption {
	return func(w *Worker) {
		if sender != nil {
			w.sender = sender
		}
	}
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWorker(
	deliveries core.WebhookDeliveryStore,
	endpoints core.WebhookEndpointStore,
	config core.WebhookConfig,
	opts ...WorkerOption,
) (*Worker, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("outbox: delivery store is required")
	}
	if endpoints == nil {
		return nil, fmt.Errorf("outbox: endpoint store is required")
	}
	worker := &Worker{
		deliveries: deliveries,
		endpoints:  endpoints,
		config:     config,
		logger:     glog.Nop(),
		metrics:    core.NopMetricsRecorder{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(worker)
	}
	if worker.sender == nil {
		senderOpts := []SenderOption{}
		if config.RequestTimeout > 0 {
			senderOpts = append(senderOpts, WithSenderTimeout(config.RequestTimeout))
		}
		worker.sender = NewSender(senderOpts...)
	}
	return worker, nil
}

// Run delivers due webhooks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("outbox: worker is not configured")
	}
	interval := w.config.DeliverInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	core.LogInfo(ctx, w.logger, "webhook worker started", map[string]any{
		"deliver_interval": interval.String(),
	})

	for {
		if _, err := w.DeliverOnce(ctx); err != nil && ctx.Err() == nil {
			core.LogError(ctx, w.logger, "delivery cycle failed", err, nil)
		}
		select {
		case <-ctx.Done():
			core.LogInfo(ctx, w.logger, "webhook worker stopped", nil)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeliverOnce claims one batch of due deliveries and posts each. It returns
// the number delivered successfully.
func (w *Worker) DeliverOnce(ctx context.Context) (int, error) {
	if w == nil {
		return 0, fmt.Errorf("outbox: worker is not configured")
	}
	startedAt := w.now()
	batchSize := w.config.BatchSize
	if batchSize <= 0 {
		batchSize = defaultDeliverBatchSize
	}

	due, err := w.deliveries.ClaimDue(ctx, batchSize, startedAt)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "claim due deliveries")
	}

	delivered := 0
	for _, delivery := range due {
		if w.deliver(ctx, delivery) {
			delivered++
		}
	}

	core.ObserveOperation(ctx, w.logger, w.metrics, startedAt, "webhook_deliver", nil, map[string]any{
		"claimed":   len(due),
		"delivered": delivered,
	})
	return delivered, nil
}

func (w *Worker) deliver(ctx context.Context, delivery core.WebhookDelivery) bool {
	fields := map[string]any{
		"delivery_id": delivery.ID,
		"tenant_id":   delivery.TenantID,
		"endpoint_id": delivery.EndpointID,
		"event_type":  delivery.EventType,
		"attempt":     delivery.AttemptCount + 1,
	}

	endpoint, err := w.endpoints.Get(ctx, delivery.TenantID, delivery.EndpointID)
	if err != nil {
		reason := "endpoint_error"
		if errors.Is(err, core.ErrEndpointNotFound) {
			reason = "endpoint_missing"
		}
		core.LogError(ctx, w.logger, "delivery endpoint unavailable", err, fields)
		if markErr := w.deliveries.MarkFailed(ctx, delivery.ID, reason); markErr != nil {
			core.LogError(ctx, w.logger, "mark delivery failed", markErr, fields)
		}
		return false
	}
	if endpoint.Status != core.EndpointStatusActive {
		if markErr := w.deliveries.MarkFailed(ctx, delivery.ID, "endpoint_disabled"); markErr != nil {
			core.LogError(ctx, w.logger, "mark delivery failed", markErr, fields)
		}
		return false
	}

	status, sendErr := w.sender.Send(ctx, endpoint.URL, endpoint.Secret, delivery.ID, WebhookBody{
		ID:         delivery.OutboxEventID,
		Type:       delivery.EventType,
		Payload:    delivery.Payload,
		OccurredAt: delivery.CreatedAt,
	})

	if sendErr == nil && status >= 200 && status < 300 {
		if markErr := w.deliveries.MarkDelivered(ctx, delivery.ID, status); markErr != nil {
			core.LogError(ctx, w.logger, "mark delivery delivered", markErr, fields)
			return false
		}
		return true
	}

	reason := classifyReason(sendErr, status)
	fields["reason"] = reason
	fields["response_status"] = status
	core.LogError(ctx, w.logger, "webhook attempt failed", sendErr, fields)

	nextAttemptAt := w.now().Add(w.backoffDelay(delivery.AttemptCount + 1))
	if markErr := w.deliveries.MarkRetry(ctx, delivery.ID, status, reason, nextAttemptAt); markErr != nil {
		core.LogError(ctx, w.logger, "mark delivery retry", markErr, fields)
	}
	return false
}

// backoffDelay doubles per recorded attempt: base, 2x, 4x, then onward.
func (w *Worker) backoffDelay(attempt int) time.Duration {
	base := w.config.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	if attempt < 1 {
		attempt = 1
	}
	// Cap the shift so a large attempt count cannot overflow the duration.
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	return base << shift
}
