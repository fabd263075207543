// Package command wraps the administrative write operations in go-command
// messages so transports can dispatch them uniformly.
package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-subscriptions/core"
)

// LifecycleService is the slice of the billing service the commands mutate
// through.
type LifecycleService interface {
	CreateSubscription(ctx context.Context, subscription core.Subscription) (core.Subscription, error)
	ScheduleRenewal(ctx context.Context, tenantID string, subscriptionID string, dueAt time.Time) (core.Task, bool, error)
	Cancel(ctx context.Context, tenantID string, subscriptionID string, reason string) error
}

// ScheduleRenewalResult reports the renewal task and whether this call
// created it.
type ScheduleRenewalResult struct {
	Task    core.Task
	Created bool
}

type CreateSubscriptionCommand struct {
	service LifecycleService
}

func NewCreateSubscriptionCommand(service LifecycleService) *CreateSubscriptionCommand {
	return &CreateSubscriptionCommand{service: service}
}

func (c *CreateSubscriptionCommand) Execute(ctx context.Context, msg CreateSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: lifecycle service is required")
	}
	out, err := c.service.CreateSubscription(ctx, msg.Subscription)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ScheduleRenewalCommand struct {
	service LifecycleService
}

func NewScheduleRenewalCommand(service LifecycleService) *ScheduleRenewalCommand {
	return &ScheduleRenewalCommand{service: service}
}

func (c *ScheduleRenewalCommand) Execute(ctx context.Context, msg ScheduleRenewalMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: lifecycle service is required")
	}
	dueAt := msg.DueAt
	if dueAt.IsZero() {
		dueAt = time.Now().UTC()
	}
	task, created, err := c.service.ScheduleRenewal(ctx, msg.TenantID, msg.SubscriptionID, dueAt)
	if err != nil {
		return err
	}
	storeResult(ctx, ScheduleRenewalResult{Task: task, Created: created})
	return nil
}

type CancelSubscriptionCommand struct {
	service LifecycleService
}

func NewCancelSubscriptionCommand(service LifecycleService) *CancelSubscriptionCommand {
	return &CancelSubscriptionCommand{service: service}
}

func (c *CancelSubscriptionCommand) Execute(ctx context.Context, msg CancelSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: lifecycle service is required")
	}
	return c.service.Cancel(ctx, msg.TenantID, msg.SubscriptionID, msg.Reason)
}

type EnqueueTaskCommand struct {
	tasks core.TaskStore
}

func NewEnqueueTaskCommand(tasks core.TaskStore) *EnqueueTaskCommand {
	return &EnqueueTaskCommand{tasks: tasks}
}

func (c *EnqueueTaskCommand) Execute(ctx context.Context, msg EnqueueTaskMessage) error {
	if c == nil || c.tasks == nil {
		return commandDependencyError("command: task store is required")
	}
	task, _, err := c.tasks.Enqueue(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, task)
	return nil
}

type RegisterEndpointCommand struct {
	endpoints core.WebhookEndpointStore
}

func NewRegisterEndpointCommand(endpoints core.WebhookEndpointStore) *RegisterEndpointCommand {
	return &RegisterEndpointCommand{endpoints: endpoints}
}

func (c *RegisterEndpointCommand) Execute(ctx context.Context, msg RegisterEndpointMessage) error {
	if c == nil || c.endpoints == nil {
		return commandDependencyError("command: endpoint store is required")
	}
	endpoint, err := c.endpoints.Create(ctx, msg.Endpoint)
	if err != nil {
		return err
	}
	storeResult(ctx, endpoint)
	return nil
}

type UpdateEndpointStatusCommand struct {
	endpoints core.WebhookEndpointStore
}

func NewUpdateEndpointStatusCommand(endpoints core.WebhookEndpointStore) *UpdateEndpointStatusCommand {
	return &UpdateEndpointStatusCommand{endpoints: endpoints}
}

func (c *UpdateEndpointStatusCommand) Execute(ctx context.Context, msg UpdateEndpointStatusMessage) error {
	if c == nil || c.endpoints == nil {
		return commandDependencyError("command: endpoint store is required")
	}
	return c.endpoints.UpdateStatus(ctx, msg.TenantID, msg.EndpointID, msg.Status)
}

type ReplayDeliveryCommand struct {
	deliveries core.WebhookDeliveryStore
}

func NewReplayDeliveryCommand(deliveries core.WebhookDeliveryStore) *ReplayDeliveryCommand {
	return &ReplayDeliveryCommand{deliveries: deliveries}
}

func (c *ReplayDeliveryCommand) Execute(ctx context.Context, msg ReplayDeliveryMessage) error {
	if c == nil || c.deliveries == nil {
		return commandDependencyError("command: delivery store is required")
	}
	nextAttemptAt := msg.NextAttemptAt
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	delivery, err := c.deliveries.Reschedule(ctx, msg.TenantID, msg.DeliveryID, nextAttemptAt)
	if err != nil {
		return err
	}
	storeResult(ctx, delivery)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
