package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-subscriptions/core"
)

const (
	TypeCreateSubscription   = "subscriptions.command.subscription.create"
	TypeScheduleRenewal      = "subscriptions.command.renewal.schedule"
	TypeCancelSubscription   = "subscriptions.command.subscription.cancel"
	TypeEnqueueTask          = "subscriptions.command.task.enqueue"
	TypeRegisterEndpoint     = "subscriptions.command.webhook.register"
	TypeUpdateEndpointStatus = "subscriptions.command.webhook.update_status"
	TypeReplayDelivery       = "subscriptions.command.webhook.replay"
)

type CreateSubscriptionMessage struct {
	Subscription core.Subscription
}

func (CreateSubscriptionMessage) Type() string { return TypeCreateSubscription }

func (m CreateSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.Subscription.TenantID) == "" {
		return fmt.Errorf("command: tenant id is required")
	}
	if strings.TrimSpace(m.Subscription.CustomerID) == "" {
		return fmt.Errorf("command: customer id is required")
	}
	if strings.TrimSpace(m.Subscription.PlanID) == "" {
		return fmt.Errorf("command: plan id is required")
	}
	return nil
}

type ScheduleRenewalMessage struct {
	TenantID       string
	SubscriptionID string
	DueAt          time.Time
}

func (ScheduleRenewalMessage) Type() string { return TypeScheduleRenewal }

func (m ScheduleRenewalMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("command: tenant id is required")
	}
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return fmt.Errorf("command: subscription id is required")
	}
	return nil
}

type CancelSubscriptionMessage struct {
	TenantID       string
	SubscriptionID string
	Reason         string
}

func (CancelSubscriptionMessage) Type() string { return TypeCancelSubscription }

func (m CancelSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("command: tenant id is required")
	}
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return fmt.Errorf("command: subscription id is required")
	}
	return nil
}

type EnqueueTaskMessage struct {
	Input core.EnqueueTaskInput
}

func (EnqueueTaskMessage) Type() string { return TypeEnqueueTask }

func (m EnqueueTaskMessage) Validate() error {
	return m.Input.Validate()
}

type RegisterEndpointMessage struct {
	Endpoint core.WebhookEndpoint
}

func (RegisterEndpointMessage) Type() string { return TypeRegisterEndpoint }

func (m RegisterEndpointMessage) Validate() error {
	if strings.TrimSpace(m.Endpoint.TenantID) == "" {
		return fmt.Errorf("command: tenant id is required")
	}
	if strings.TrimSpace(m.Endpoint.URL) == "" {
		return fmt.Errorf("command: endpoint url is required")
	}
	if strings.TrimSpace(m.Endpoint.Secret) == "" {
		return fmt.Errorf("command: endpoint secret is required")
	}
	return nil
}

type UpdateEndpointStatusMessage struct {
	TenantID   string
	EndpointID string
	Status     string
}

func (UpdateEndpointStatusMessage) Type() string { return TypeUpdateEndpointStatus }

func (m UpdateEndpointStatusMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("command: tenant id is required")
	}
	if strings.TrimSpace(m.EndpointID) == "" {
		return fmt.Errorf("command: endpoint id is required")
	}
	switch strings.TrimSpace(m.Status) {
	case core.EndpointStatusActive, core.EndpointStatusDisabled:
		return nil
	default:
		return fmt.Errorf("command: endpoint status %q is not supported", m.Status)
	}
}

type ReplayDeliveryMessage struct {
	TenantID   string
	DeliveryID string
	// NextAttemptAt defaults to now, making the replay due immediately.
	NextAttemptAt time.Time
}

func (ReplayDeliveryMessage) Type() string { return TypeReplayDelivery }

func (m ReplayDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("command: tenant id is required")
	}
	if strings.TrimSpace(m.DeliveryID) == "" {
		return fmt.Errorf("command: delivery id is required")
	}
	return nil
}
