package query

import (
	"fmt"
	"strings"
)

const (
	TypeGetSubscription     = "subscriptions.query.subscription.get"
	TypeListItems           = "subscriptions.query.subscription.items"
	TypeGetInvoice          = "subscriptions.query.invoice.get"
	TypeListPaymentAttempts = "subscriptions.query.payment_attempts.list"
	TypeListEntitlements    = "subscriptions.query.entitlements.list"
	TypeGetWebhookDelivery  = "subscriptions.query.webhook_delivery.get"
)

type GetSubscriptionMessage struct {
	TenantID       string
	SubscriptionID string
}

func (GetSubscriptionMessage) Type() string { return TypeGetSubscription }

func (m GetSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("query: tenant id is required")
	}
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return fmt.Errorf("query: subscription id is required")
	}
	return nil
}

type ListItemsMessage struct {
	TenantID       string
	SubscriptionID string
}

func (ListItemsMessage) Type() string { return TypeListItems }

func (m ListItemsMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("query: tenant id is required")
	}
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return fmt.Errorf("query: subscription id is required")
	}
	return nil
}

type GetInvoiceMessage struct {
	TenantID  string
	InvoiceID string
}

func (GetInvoiceMessage) Type() string { return TypeGetInvoice }

func (m GetInvoiceMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("query: tenant id is required")
	}
	if strings.TrimSpace(m.InvoiceID) == "" {
		return fmt.Errorf("query: invoice id is required")
	}
	return nil
}

type ListPaymentAttemptsMessage struct {
	TenantID  string
	InvoiceID string
}

func (ListPaymentAttemptsMessage) Type() string { return TypeListPaymentAttempts }

func (m ListPaymentAttemptsMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("query: tenant id is required")
	}
	if strings.TrimSpace(m.InvoiceID) == "" {
		return fmt.Errorf("query: invoice id is required")
	}
	return nil
}

type ListEntitlementsMessage struct {
	TenantID       string
	SubscriptionID string
}

func (ListEntitlementsMessage) Type() string { return TypeListEntitlements }

func (m ListEntitlementsMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("query: tenant id is required")
	}
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return fmt.Errorf("query: subscription id is required")
	}
	return nil
}

type GetWebhookDeliveryMessage struct {
	TenantID   string
	DeliveryID string
}

func (GetWebhookDeliveryMessage) Type() string { return TypeGetWebhookDelivery }

func (m GetWebhookDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("query: tenant id is required")
	}
	if strings.TrimSpace(m.DeliveryID) == "" {
		return fmt.Errorf("query: delivery id is required")
	}
	return nil
}
