package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[CreateSubscriptionMessage]   = (*CreateSubscriptionCommand)(nil)
	_ gocmd.Commander[ScheduleRenewalMessage]      = (*ScheduleRenewalCommand)(nil)
	_ gocmd.Commander[CancelSubscriptionMessage]   = (*CancelSubscriptionCommand)(nil)
	_ gocmd.Commander[EnqueueTaskMessage]          = (*EnqueueTaskCommand)(nil)
	_ gocmd.Commander[RegisterEndpointMessage]     = (*RegisterEndpointCommand)(nil)
	_ gocmd.Commander[UpdateEndpointStatusMessage] = (*UpdateEndpointStatusCommand)(nil)
	_ gocmd.Commander[ReplayDeliveryMessage]       = (*ReplayDeliveryCommand)(nil)
)
