// Package query exposes the read side of the billing engine as go-command
// queries. Each query wraps one narrow reader interface so callers can wire a
// store provider, a single store, or a test stub.
package query

import (
	"context"

	"github.com/goliatone/go-subscriptions/core"
)

type SubscriptionReader interface {
	Get(ctx context.Context, tenantID string, subscriptionID string) (core.Subscription, error)
	ListItems(ctx context.Context, tenantID string, subscriptionID string) ([]core.SubscriptionItem, error)
}

type InvoiceReader interface {
	Get(ctx context.Context, tenantID string, invoiceID string) (core.Invoice, error)
}

type PaymentAttemptReader interface {
	ListByInvoice(ctx context.Context, tenantID string, invoiceID string) ([]core.PaymentAttempt, error)
}

type EntitlementReader interface {
	ListBySubscription(ctx context.Context, tenantID string, subscriptionID string) ([]core.Entitlement, error)
}

type WebhookDeliveryReader interface {
	Get(ctx context.Context, tenantID string, deliveryID string) (core.WebhookDelivery, error)
}

type GetSubscriptionQuery struct {
	reader SubscriptionReader
}

func NewGetSubscriptionQuery(reader SubscriptionReader) *GetSubscriptionQuery {
	return &GetSubscriptionQuery{reader: reader}
}

func (q *GetSubscriptionQuery) Query(ctx context.Context, msg GetSubscriptionMessage) (core.Subscription, error) {
	if q == nil || q.reader == nil {
		return core.Subscription{}, queryDependencyError("query: subscription reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Subscription{}, err
	}
	return q.reader.Get(ctx, msg.TenantID, msg.SubscriptionID)
}

type ListItemsQuery struct {
	reader SubscriptionReader
}

func NewListItemsQuery(reader SubscriptionReader) *ListItemsQuery {
	return &ListItemsQuery{reader: reader}
}

func (q *ListItemsQuery) Query(ctx context.Context, msg ListItemsMessage) ([]core.SubscriptionItem, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: subscription reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.ListItems(ctx, msg.TenantID, msg.SubscriptionID)
}

type GetInvoiceQuery struct {
	reader InvoiceReader
}

func NewGetInvoiceQuery(reader InvoiceReader) *GetInvoiceQuery {
	return &GetInvoiceQuery{reader: reader}
}

func (q *GetInvoiceQuery) Query(ctx context.Context, msg GetInvoiceMessage) (core.Invoice, error) {
	if q == nil || q.reader == nil {
		return core.Invoice{}, queryDependencyError("query: invoice reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Invoice{}, err
	}
	return q.reader.Get(ctx, msg.TenantID, msg.InvoiceID)
}

type ListPaymentAttemptsQuery struct {
	reader PaymentAttemptReader
}

func NewListPaymentAttemptsQuery(reader PaymentAttemptReader) *ListPaymentAttemptsQuery {
	return &ListPaymentAttemptsQuery{reader: reader}
}

func (q *ListPaymentAttemptsQuery) Query(ctx context.Context, msg ListPaymentAttemptsMessage) ([]core.PaymentAttempt, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: payment attempt reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.ListByInvoice(ctx, msg.TenantID, msg.InvoiceID)
}

type ListEntitlementsQuery struct {
	reader EntitlementReader
}

func NewListEntitlementsQuery(reader EntitlementReader) *ListEntitlementsQuery {
	return &ListEntitlementsQuery{reader: reader}
}

func (q *ListEntitlementsQuery) Query(ctx context.Context, msg ListEntitlementsMessage) ([]core.Entitlement, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: entitlement reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.ListBySubscription(ctx, msg.TenantID, msg.SubscriptionID)
}

type GetWebhookDeliveryQuery struct {
	reader WebhookDeliveryReader
}

func NewGetWebhookDeliveryQuery(reader WebhookDeliveryReader) *GetWebhookDeliveryQuery {
	return &GetWebhookDeliveryQuery{reader: reader}
}

func (q *GetWebhookDeliveryQuery) Query(ctx context.Context, msg GetWebhookDeliveryMessage) (core.WebhookDelivery, error) {
	if q == nil || q.reader == nil {
		return core.WebhookDelivery{}, queryDependencyError("query: delivery reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.WebhookDelivery{}, err
	}
	return q.reader.Get(ctx, msg.TenantID, msg.DeliveryID)
}
