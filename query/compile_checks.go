package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-subscriptions/core"
)

var (
	_ gocmd.Querier[GetSubscriptionMessage, core.Subscription]         = (*GetSubscriptionQuery)(nil)
	_ gocmd.Querier[ListItemsMessage, []core.SubscriptionItem]         = (*ListItemsQuery)(nil)
	_ gocmd.Querier[GetInvoiceMessage, core.Invoice]                   = (*GetInvoiceQuery)(nil)
	_ gocmd.Querier[ListPaymentAttemptsMessage, []core.PaymentAttempt] = (*ListPaymentAttemptsQuery)(nil)
	_ gocmd.Querier[ListEntitlementsMessage, []core.Entitlement]       = (*ListEntitlementsQuery)(nil)
	_ gocmd.Querier[GetWebhookDeliveryMessage, core.WebhookDelivery]   = (*GetWebhookDeliveryQuery)(nil)
)
