package subscriptions

import (
	"fmt"

	"github.com/goliatone/go-subscriptions/command"
	"github.com/goliatone/go-subscriptions/core"
	"github.com/goliatone/go-subscriptions/query"
)

// Commands groups the mutating admin surface: lifecycle operations plus the
// raw task and webhook management commands.
type Commands struct {
	CreateSubscription   *command.CreateSubscriptionCommand
	ScheduleRenewal      *command.ScheduleRenewalCommand
	CancelSubscription   *command.CancelSubscriptionCommand
	EnqueueTask          *command.EnqueueTaskCommand
	RegisterEndpoint     *command.RegisterEndpointCommand
	UpdateEndpointStatus *command.UpdateEndpointStatusCommand
	ReplayDelivery       *command.ReplayDeliveryCommand
}

// Queries groups the read surface over the same stores the engine writes.
type Queries struct {
	GetSubscription     *query.GetSubscriptionQuery
	ListItems           *query.ListItemsQuery
	GetInvoice          *query.GetInvoiceQuery
	ListPaymentAttempts *query.ListPaymentAttemptsQuery
	ListEntitlements    *query.ListEntitlementsQuery
	GetWebhookDelivery  *query.GetWebhookDeliveryQuery
}

type Facade struct {
	commands Commands
	queries  Queries
}

func NewFacade(service command.LifecycleService, stores core.StoreProvider) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("subscriptions: lifecycle service is required")
	}
	if stores == nil {
		return nil, fmt.Errorf("subscriptions: store provider is required")
	}

	facade := &Facade{}
	facade.commands = Commands{
		CreateSubscription:   command.NewCreateSubscriptionCommand(service),
		ScheduleRenewal:      command.NewScheduleRenewalCommand(service),
		CancelSubscription:   command.NewCancelSubscriptionCommand(service),
		EnqueueTask:          command.NewEnqueueTaskCommand(stores.TaskStore()),
		RegisterEndpoint:     command.NewRegisterEndpointCommand(stores.WebhookEndpointStore()),
		UpdateEndpointStatus: command.NewUpdateEndpointStatusCommand(stores.WebhookEndpointStore()),
		ReplayDelivery:       command.NewReplayDeliveryCommand(stores.WebhookDeliveryStore()),
	}
	facade.queries = Queries{
		GetSubscription:     query.NewGetSubscriptionQuery(stores.SubscriptionStore()),
		ListItems:           query.NewListItemsQuery(stores.SubscriptionStore()),
		GetInvoice:          query.NewGetInvoiceQuery(stores.InvoiceStore()),
		ListPaymentAttempts: query.NewListPaymentAttemptsQuery(stores.PaymentAttemptStore()),
		ListEntitlements:    query.NewListEntitlementsQuery(stores.EntitlementStore()),
		GetWebhookDelivery:  query.NewGetWebhookDeliveryQuery(stores.WebhookDeliveryStore()),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}
