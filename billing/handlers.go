package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-subscriptions/core"
)

// RenewalHandler turns a due renewal into an immutable invoice snapshot and
// chains the payment task. Reruns land on the existing invoice and task rows.
type RenewalHandler struct {
	service *Service
}

func (h *RenewalHandler) TaskType() string { return core.TaskTypeSubscriptionRenewal }

func (h *RenewalHandler) Handle(ctx context.Context, task core.Task) error {
	payload, err := core.DecodePayload[core.RenewalPayload](task.Payload)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "decode renewal payload")
	}
	s := h.service

	subscription, err := s.stores.SubscriptionStore().Get(ctx, task.TenantID, payload.SubscriptionID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load subscription")
	}
	if subscription.Status == core.SubscriptionStatusCanceled {
		core.LogInfo(ctx, s.logger, "skipping renewal of cancelled subscription", map[string]any{
			"tenant_id":       task.TenantID,
			"subscription_id": subscription.ID,
		})
		return nil
	}
	plan, err := s.stores.PlanStore().Get(ctx, task.TenantID, subscription.PlanID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load plan")
	}

	periodStart := subscription.CurrentPeriodStart
	periodEnd, err := PeriodEnd(plan, periodStart)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "compute billing period")
	}

	lines := []map[string]any{{
		"kind":         "plan",
		"plan_id":      plan.ID,
		"description":  plan.Name,
		"amount_cents": plan.AmountCents,
	}}
	total := plan.AmountCents
	items, err := s.stores.SubscriptionStore().ListItems(ctx, task.TenantID, subscription.ID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "list subscription items")
	}
	for _, item := range items {
		// Items carrying their own plan renew on their own cadence and
		// are billed by the item renewal task instead.
		if strings.TrimSpace(item.PlanID) != "" {
			continue
		}
		quantity := item.Quantity
		if quantity < 1 {
			quantity = 1
		}
		lineTotal := item.AmountCents * int64(quantity)
		lines = append(lines, map[string]any{
			"kind":         "item",
			"item_id":      item.ID,
			"product_id":   item.ProductID,
			"quantity":     quantity,
			"amount_cents": lineTotal,
		})
		total += lineTotal
	}

	invoice, created, err := s.stores.InvoiceStore().CreateIdempotent(ctx, core.Invoice{
		TenantID:       task.TenantID,
		SubscriptionID: subscription.ID,
		InvoiceKey:     core.InvoiceKeyFor(subscription.ID, periodStart, periodEnd),
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		TotalCents:     total,
		Currency:       plan.Currency,
		Lines:          map[string]any{"lines": lines},
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "create renewal invoice")
	}
	if !created {
		core.LogInfo(ctx, s.logger, "reusing existing invoice for billing period", map[string]any{
			"tenant_id":  task.TenantID,
			"invoice_id": invoice.ID,
		})
	}

	chargePayload, err := core.EncodePayload(core.ChargePaymentPayload{
		SubscriptionID: subscription.ID,
		InvoiceID:      invoice.ID,
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode charge payload")
	}
	_, _, err = s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
		TenantID:       task.TenantID,
		TaskType:       core.TaskTypeChargePayment,
		TaskKey:        core.PaymentTaskKey(invoice.ID),
		SubscriptionID: subscription.ID,
		DueAt:          s.now(),
		MaxAttempts:    s.maxAttempts,
		Payload:        chargePayload,
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue payment task")
	}
	return nil
}

// ItemRenewalHandler bills a single line item that runs on its own cadence,
// then schedules the item's next cycle.
type ItemRenewalHandler struct {
	service *Service
}

func (h *ItemRenewalHandler) TaskType() string { return core.TaskTypeSubscriptionItemRenewal }

func (h *ItemRenewalHandler) Handle(ctx context.Context, task core.Task) error {
	payload, err := core.DecodePayload[core.ItemRenewalPayload](task.Payload)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "decode item renewal payload")
	}
	s := h.service

	subscription, err := s.stores.SubscriptionStore().Get(ctx, task.TenantID, payload.SubscriptionID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load subscription")
	}
	if subscription.Status == core.SubscriptionStatusCanceled {
		return nil
	}

	items, err := s.stores.SubscriptionStore().ListItems(ctx, task.TenantID, subscription.ID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "list subscription items")
	}
	var item core.SubscriptionItem
	found := false
	for _, candidate := range items {
		if candidate.ID == payload.ItemID {
			item = candidate
			found = true
			break
		}
	}
	if !found {
		return goerrors.New(
			fmt.Sprintf("billing: subscription item %q not found", payload.ItemID),
			goerrors.CategoryNotFound,
		).WithTextCode(core.BillingErrorNotFound)
	}

	planID := item.PlanID
	if strings.TrimSpace(planID) == "" {
		planID = subscription.PlanID
	}
	plan, err := s.stores.PlanStore().Get(ctx, task.TenantID, planID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load item plan")
	}

	periodStart := payload.PeriodStart
	if periodStart.IsZero() {
		periodStart = s.now()
	}
	periodEnd := payload.PeriodEnd
	if periodEnd.IsZero() {
		periodEnd, err = PeriodEnd(plan, periodStart)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryBadInput, "compute item billing period")
		}
	}

	quantity := item.Quantity
	if quantity < 1 {
		quantity = 1
	}
	total := item.AmountCents * int64(quantity)

	invoice, _, err := s.stores.InvoiceStore().CreateIdempotent(ctx, core.Invoice{
		TenantID:       task.TenantID,
		SubscriptionID: subscription.ID,
		InvoiceKey:     "item_renewal_" + core.BillingCycleKey(item.ID, periodStart, periodEnd),
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		TotalCents:     total,
		Currency:       plan.Currency,
		Lines: map[string]any{
			"lines": []map[string]any{{
				"kind":         "item",
				"item_id":      item.ID,
				"product_id":   item.ProductID,
				"quantity":     quantity,
				"amount_cents": total,
			}},
		},
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "create item invoice")
	}

	chargePayload, err := core.EncodePayload(core.ChargePaymentPayload{
		SubscriptionID: subscription.ID,
		InvoiceID:      invoice.ID,
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode charge payload")
	}
	if _, _, err := s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
		TenantID:       task.TenantID,
		TaskType:       core.TaskTypeChargePayment,
		TaskKey:        core.PaymentTaskKey(invoice.ID),
		SubscriptionID: subscription.ID,
		DueAt:          s.now(),
		MaxAttempts:    s.maxAttempts,
		Payload:        chargePayload,
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue payment task")
	}

	nextEnd, err := PeriodEnd(plan, periodEnd)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "compute next item period")
	}
	if _, _, err := s.ScheduleItemRenewal(ctx, task.TenantID, subscription.ID, item.ID, periodEnd, nextEnd, periodEnd); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue next item renewal")
	}
	return nil
}

// ChargePaymentHandler attempts the charge for one invoice. Success advances
// the billing period and fans out delivery, entitlement, and the next
// renewal; exhausting the attempt budget parks the subscription PAST_DUE and
// queues an entitlement revoke.
type ChargePaymentHandler struct {
	service *Service
}

func (h *ChargePaymentHandler) TaskType() string { return core.TaskTypeChargePayment }

func (h *ChargePaymentHandler) Handle(ctx context.Context, task core.Task) error {
	payload, err := core.DecodePayload[core.ChargePaymentPayload](task.Payload)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "decode charge payload")
	}
	s := h.service

	invoice, err := s.stores.InvoiceStore().Get(ctx, task.TenantID, payload.InvoiceID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load invoice")
	}
	if invoice.Status == core.InvoiceStatusPaid {
		return nil
	}
	subscription, err := s.stores.SubscriptionStore().Get(ctx, task.TenantID, payload.SubscriptionID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load subscription")
	}
	if subscription.Status == core.SubscriptionStatusCanceled {
		return nil
	}

	attempt, err := s.stores.PaymentAttemptStore().Create(ctx, core.PaymentAttempt{
		TenantID:    task.TenantID,
		InvoiceID:   invoice.ID,
		AmountCents: invoice.TotalCents,
		Currency:    invoice.Currency,
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "record payment attempt")
	}

	chargeCtx, cancel := s.adapterContext(ctx)
	result, chargeErr := s.payments.Charge(chargeCtx, task.TenantID, invoice, subscription.PaymentMethodRef)
	cancel()

	if chargeErr != nil || !result.Succeeded {
		reason := result.FailureReason
		if chargeErr != nil {
			reason = chargeErr.Error()
		}
		if strings.TrimSpace(reason) == "" {
			reason = "payment declined"
		}
		if err := s.stores.PaymentAttemptStore().MarkFailed(ctx, task.TenantID, attempt.ID, reason); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "record failed attempt")
		}

		finalAttempt := task.MaxAttempts > 0 && task.AttemptCount+1 >= task.MaxAttempts
		if finalAttempt {
			if err := h.handleExhaustedCharge(ctx, task, subscription, invoice, reason); err != nil {
				return err
			}
		}
		if chargeErr != nil {
			return goerrors.Wrap(chargeErr, goerrors.CategoryExternal, "charge payment")
		}
		return goerrors.New(
			fmt.Sprintf("billing: payment declined: %s", reason),
			goerrors.CategoryExternal,
		).WithTextCode(core.BillingErrorPaymentDeclined)
	}

	completedAt := s.now()
	if err := s.stores.PaymentAttemptStore().MarkSucceeded(ctx, task.TenantID, attempt.ID, result.ExternalPaymentID, completedAt); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "record successful attempt")
	}
	if err := s.stores.InvoiceStore().MarkPaid(ctx, task.TenantID, invoice.ID, completedAt); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "mark invoice paid")
	}

	if _, err := s.stores.OutboxStore().Emit(ctx, core.EmitEventInput{
		TenantID:  task.TenantID,
		EventType: core.EventPaymentSucceeded,
		EventKey:  core.EventPaymentSucceeded + "_" + invoice.ID,
		Payload: map[string]any{
			"invoice_id":          invoice.ID,
			"subscription_id":     subscription.ID,
			"amount_cents":        invoice.TotalCents,
			"currency":            invoice.Currency,
			"external_payment_id": result.ExternalPaymentID,
		},
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "emit payment event")
	}

	if subscription.Status == core.SubscriptionStatusPastDue {
		if err := s.stores.SubscriptionStore().UpdateStatus(ctx, task.TenantID, subscription.ID, core.SubscriptionStatusActive); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "recover past due subscription")
		}
	}

	// Item invoices stop here; period advancement and fulfillment follow
	// the primary renewal invoice only.
	if !strings.HasPrefix(invoice.InvoiceKey, "renewal_") {
		return nil
	}
	return h.fanOutRenewal(ctx, task, subscription, invoice)
}

func (h *ChargePaymentHandler) fanOutRenewal(ctx context.Context, task core.Task, subscription core.Subscription, invoice core.Invoice) error {
	s := h.service
	plan, err := s.stores.PlanStore().Get(ctx, task.TenantID, subscription.PlanID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load plan")
	}

	newStart := invoice.PeriodEnd
	nextBilling, err := PeriodEnd(plan, newStart)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "compute next billing date")
	}
	if err := s.stores.SubscriptionStore().AdvancePeriod(ctx, task.TenantID, subscription.ID, newStart, nextBilling); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "advance billing period")
	}

	if plan.RequiresFulfillment() {
		deliveryPayload, err := core.EncodePayload(core.CreateDeliveryPayload{
			SubscriptionID: subscription.ID,
			InvoiceID:      invoice.ID,
			PeriodStart:    invoice.PeriodStart,
			PeriodEnd:      invoice.PeriodEnd,
		})
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode delivery payload")
		}
		if _, _, err := s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
			TenantID:       task.TenantID,
			TaskType:       core.TaskTypeCreateDelivery,
			TaskKey:        core.DeliveryTaskKey(subscription.ID, invoice.PeriodStart, invoice.PeriodEnd),
			SubscriptionID: subscription.ID,
			DueAt:          s.now(),
			MaxAttempts:    s.maxAttempts,
			Payload:        deliveryPayload,
		}); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue delivery task")
		}
	}

	if plan.GrantsEntitlements() {
		entitlementPayload, err := core.EncodePayload(core.EntitlementPayload{
			SubscriptionID: subscription.ID,
			Action:         core.EntitlementActionGrant,
			PeriodStart:    invoice.PeriodStart,
			PeriodEnd:      invoice.PeriodEnd,
		})
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode entitlement payload")
		}
		if _, _, err := s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
			TenantID:       task.TenantID,
			TaskType:       core.TaskTypeEntitlementGrant,
			TaskKey:        core.EntitlementTaskKey(subscription.ID, core.EntitlementActionGrant, invoice.PeriodStart, invoice.PeriodEnd),
			SubscriptionID: subscription.ID,
			DueAt:          s.now(),
			MaxAttempts:    s.maxAttempts,
			Payload:        entitlementPayload,
		}); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue entitlement task")
		}
	}

	if _, err := s.stores.OutboxStore().Emit(ctx, core.EmitEventInput{
		TenantID:  task.TenantID,
		EventType: core.EventSubscriptionRenewed,
		EventKey:  core.EventSubscriptionRenewed + "_" + core.BillingCycleKey(subscription.ID, invoice.PeriodStart, invoice.PeriodEnd),
		Payload: map[string]any{
			"subscription_id":   subscription.ID,
			"invoice_id":        invoice.ID,
			"period_start":      invoice.PeriodStart.Format(time.RFC3339),
			"period_end":        invoice.PeriodEnd.Format(time.RFC3339),
			"next_billing_date": nextBilling.Format(time.RFC3339),
		},
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "emit renewal event")
	}

	renewalPayload, err := core.EncodePayload(core.RenewalPayload{SubscriptionID: subscription.ID})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode renewal payload")
	}
	if _, _, err := s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
		TenantID:       task.TenantID,
		TaskType:       core.TaskTypeSubscriptionRenewal,
		TaskKey:        core.RenewalTaskKeyForCycle(subscription.ID, newStart),
		SubscriptionID: subscription.ID,
		DueAt:          nextBilling,
		MaxAttempts:    s.maxAttempts,
		Payload:        renewalPayload,
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue next renewal")
	}
	return nil
}

func (h *ChargePaymentHandler) handleExhaustedCharge(ctx context.Context, task core.Task, subscription core.Subscription, invoice core.Invoice, reason string) error {
	s := h.service
	core.LogError(ctx, s.logger, "payment attempts exhausted", nil, map[string]any{
		"tenant_id":       task.TenantID,
		"subscription_id": subscription.ID,
		"invoice_id":      invoice.ID,
		"reason":          reason,
	})

	if subscription.Status == core.SubscriptionStatusActive {
		if err := s.stores.SubscriptionStore().UpdateStatus(ctx, task.TenantID, subscription.ID, core.SubscriptionStatusPastDue); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "mark subscription past due")
		}
		if _, err := s.stores.OutboxStore().Emit(ctx, core.EmitEventInput{
			TenantID:  task.TenantID,
			EventType: core.EventSubscriptionPastDue,
			EventKey:  core.EventSubscriptionPastDue + "_" + core.BillingCycleKey(subscription.ID, invoice.PeriodStart, invoice.PeriodEnd),
			Payload: map[string]any{
				"subscription_id": subscription.ID,
				"invoice_id":      invoice.ID,
				"reason":          reason,
			},
		}); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "emit past due event")
		}
	}

	revokePayload, err := core.EncodePayload(core.EntitlementPayload{
		SubscriptionID: subscription.ID,
		Action:         core.EntitlementActionRevoke,
		PeriodStart:    invoice.PeriodStart,
		PeriodEnd:      invoice.PeriodEnd,
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode revoke payload")
	}
	if _, _, err := s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
		TenantID:       task.TenantID,
		TaskType:       core.TaskTypeEntitlementGrant,
		TaskKey:        core.EntitlementTaskKey(subscription.ID, core.EntitlementActionRevoke, invoice.PeriodStart, invoice.PeriodEnd),
		SubscriptionID: subscription.ID,
		DueAt:          s.now(),
		MaxAttempts:    s.maxAttempts,
		Payload:        revokePayload,
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue revoke task")
	}

	if _, err := s.stores.OutboxStore().Emit(ctx, core.EmitEventInput{
		TenantID:  task.TenantID,
		EventType: core.EventPaymentFailed,
		EventKey:  core.EventPaymentFailed + "_" + invoice.ID,
		Payload: map[string]any{
			"invoice_id":      invoice.ID,
			"subscription_id": subscription.ID,
			"amount_cents":    invoice.TotalCents,
			"currency":        invoice.Currency,
			"reason":          reason,
		},
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "emit payment failed event")
	}
	return nil
}

// CreateDeliveryHandler snapshots the shipment for one billing cycle. The
// cycle key guarantees a retried renewal never ships twice.
type CreateDeliveryHandler struct {
	service *Service
}

func (h *CreateDeliveryHandler) TaskType() string { return core.TaskTypeCreateDelivery }

func (h *CreateDeliveryHandler) Handle(ctx context.Context, task core.Task) error {
	payload, err := core.DecodePayload[core.CreateDeliveryPayload](task.Payload)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "decode delivery payload")
	}
	s := h.service

	subscription, err := s.stores.SubscriptionStore().Get(ctx, task.TenantID, payload.SubscriptionID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load subscription")
	}
	if subscription.Status == core.SubscriptionStatusCanceled {
		return nil
	}
	items, err := s.stores.SubscriptionStore().ListItems(ctx, task.TenantID, subscription.ID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "list subscription items")
	}

	snapshotItems := make([]map[string]any, 0, len(items))
	for _, item := range items {
		snapshotItems = append(snapshotItems, map[string]any{
			"item_id":    item.ID,
			"product_id": item.ProductID,
			"quantity":   item.Quantity,
		})
	}
	delivery, _, err := s.stores.DeliveryInstanceStore().CreateIdempotent(ctx, core.DeliveryInstance{
		TenantID:       task.TenantID,
		SubscriptionID: subscription.ID,
		InvoiceID:      payload.InvoiceID,
		CycleKey:       core.BillingCycleKey(subscription.ID, payload.PeriodStart, payload.PeriodEnd),
		Snapshot: map[string]any{
			"shipping": subscription.Shipping,
			"items":    snapshotItems,
		},
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "create delivery instance")
	}
	if delivery.Status == core.DeliveryInstanceStatusCanceled {
		return nil
	}

	orderPayload, err := core.EncodePayload(core.CreateOrderPayload{
		SubscriptionID: subscription.ID,
		DeliveryID:     delivery.ID,
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode order payload")
	}
	if _, _, err := s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
		TenantID:       task.TenantID,
		TaskType:       core.TaskTypeCreateOrder,
		TaskKey:        core.OrderTaskKey(delivery.ID),
		SubscriptionID: subscription.ID,
		DueAt:          s.now(),
		MaxAttempts:    s.maxAttempts,
		Payload:        orderPayload,
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue order task")
	}
	return nil
}

// CreateOrderHandler places the fulfillment order with the commerce system.
type CreateOrderHandler struct {
	service *Service
}

func (h *CreateOrderHandler) TaskType() string { return core.TaskTypeCreateOrder }

func (h *CreateOrderHandler) Handle(ctx context.Context, task core.Task) error {
	payload, err := core.DecodePayload[core.CreateOrderPayload](task.Payload)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "decode order payload")
	}
	s := h.service
	if s.commerce == nil {
		return goerrors.New("billing: commerce adapter is not configured", goerrors.CategoryBadInput).
			WithTextCode(core.BillingErrorBadInput)
	}

	delivery, err := s.stores.DeliveryInstanceStore().Get(ctx, task.TenantID, payload.DeliveryID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load delivery")
	}
	switch delivery.Status {
	case core.DeliveryInstanceStatusOrderCreated, core.DeliveryInstanceStatusCanceled:
		return nil
	}

	orderCtx, cancel := s.adapterContext(ctx)
	orderRef, err := s.commerce.CreateOrder(orderCtx, task.TenantID, delivery)
	cancel()
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "create commerce order")
	}

	if err := s.stores.DeliveryInstanceStore().MarkOrderCreated(ctx, task.TenantID, delivery.ID, orderRef); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "record order reference")
	}
	if _, err := s.stores.OutboxStore().Emit(ctx, core.EmitEventInput{
		TenantID:  task.TenantID,
		EventType: core.EventOrderCreated,
		EventKey:  core.EventOrderCreated + "_" + delivery.ID,
		Payload: map[string]any{
			"delivery_id":        delivery.ID,
			"subscription_id":    delivery.SubscriptionID,
			"external_order_ref": orderRef,
		},
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "emit order event")
	}
	return nil
}

// EntitlementHandler mirrors access grants and revocations into the
// entitlement system.
type EntitlementHandler struct {
	service *Service
}

func (h *EntitlementHandler) TaskType() string { return core.TaskTypeEntitlementGrant }

func (h *EntitlementHandler) Handle(ctx context.Context, task core.Task) error {
	payload, err := core.DecodePayload[core.EntitlementPayload](task.Payload)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "decode entitlement payload")
	}
	s := h.service

	subscription, err := s.stores.SubscriptionStore().Get(ctx, task.TenantID, payload.SubscriptionID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load subscription")
	}

	switch strings.TrimSpace(payload.Action) {
	case core.EntitlementActionGrant:
		return h.grant(ctx, task, subscription, payload)
	case core.EntitlementActionRevoke:
		return h.revoke(ctx, task, subscription, payload)
	default:
		return goerrors.New(
			fmt.Sprintf("billing: entitlement action %q is not supported", payload.Action),
			goerrors.CategoryBadInput,
		).WithTextCode(core.BillingErrorBadInput)
	}
}

func (h *EntitlementHandler) grant(ctx context.Context, task core.Task, subscription core.Subscription, payload core.EntitlementPayload) error {
	s := h.service
	if subscription.Status == core.SubscriptionStatusCanceled {
		return nil
	}

	entitlement, err := s.stores.EntitlementStore().Upsert(ctx, core.Entitlement{
		TenantID:       task.TenantID,
		CustomerID:     subscription.CustomerID,
		SubscriptionID: subscription.ID,
		EntitlementKey: core.EntitlementKeyFor(subscription.ID, subscription.PlanID, payload.PeriodStart, payload.PeriodEnd),
		Status:         core.EntitlementStatusActive,
		ValidFrom:      payload.PeriodStart,
		ValidUntil:     payload.PeriodEnd,
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "upsert entitlement")
	}

	if s.entitlements != nil {
		grantCtx, cancel := s.adapterContext(ctx)
		externalRef, err := s.entitlements.Grant(grantCtx, task.TenantID, entitlement)
		cancel()
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryExternal, "grant entitlement")
		}
		if externalRef != "" && externalRef != entitlement.ExternalRef {
			entitlement.ExternalRef = externalRef
			if _, err := s.stores.EntitlementStore().Upsert(ctx, entitlement); err != nil {
				return goerrors.Wrap(err, goerrors.CategoryInternal, "record entitlement reference")
			}
		}
	}

	if _, err := s.stores.OutboxStore().Emit(ctx, core.EmitEventInput{
		TenantID:  task.TenantID,
		EventType: core.EventEntitlementGranted,
		EventKey:  core.EventEntitlementGranted + "_" + entitlement.EntitlementKey,
		Payload: map[string]any{
			"subscription_id": subscription.ID,
			"customer_id":     subscription.CustomerID,
			"entitlement_key": entitlement.EntitlementKey,
			"valid_from":      payload.PeriodStart.Format(time.RFC3339),
			"valid_until":     payload.PeriodEnd.Format(time.RFC3339),
		},
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "emit entitlement event")
	}
	return nil
}

func (h *EntitlementHandler) revoke(ctx context.Context, task core.Task, subscription core.Subscription, payload core.EntitlementPayload) error {
	s := h.service
	entitlements, err := s.stores.EntitlementStore().ListBySubscription(ctx, task.TenantID, subscription.ID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "list entitlements")
	}

	// External revocation runs before the local flip so a failure retries
	// the whole task; the adapter contract makes the replayed call a no-op.
	if s.entitlements != nil {
		for _, entitlement := range entitlements {
			if entitlement.Status != core.EntitlementStatusActive {
				continue
			}
			revokeCtx, cancel := s.adapterContext(ctx)
			err := s.entitlements.Revoke(revokeCtx, task.TenantID, entitlement)
			cancel()
			if err != nil {
				return goerrors.Wrap(err, goerrors.CategoryExternal, "revoke entitlement")
			}
		}
	}

	revoked, err := s.stores.EntitlementStore().RevokeActive(ctx, task.TenantID, subscription.ID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "revoke entitlements")
	}
	if revoked == 0 {
		return nil
	}

	if _, err := s.stores.OutboxStore().Emit(ctx, core.EmitEventInput{
		TenantID:  task.TenantID,
		EventType: core.EventEntitlementRevoked,
		EventKey:  core.EventEntitlementRevoked + "_" + core.BillingCycleKey(subscription.ID, payload.PeriodStart, payload.PeriodEnd),
		Payload: map[string]any{
			"subscription_id": subscription.ID,
			"customer_id":     subscription.CustomerID,
			"revoked":         revoked,
		},
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "emit revoke event")
	}
	return nil
}

// TrialEndHandler converts a lapsed trial into a paying subscription and
// kicks off its first billing cycle immediately.
type TrialEndHandler struct {
	service *Service
}

func (h *TrialEndHandler) TaskType() string { return core.TaskTypeTrialEnd }

func (h *TrialEndHandler) Handle(ctx context.Context, task core.Task) error {
	payload, err := core.DecodePayload[core.TrialEndPayload](task.Payload)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "decode trial end payload")
	}
	s := h.service

	subscription, err := s.stores.SubscriptionStore().Get(ctx, task.TenantID, payload.SubscriptionID)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryNotFound, "load subscription")
	}
	if subscription.Status != core.SubscriptionStatusTrialing {
		return nil
	}

	// A trial with no payment method cannot convert; cancelling beats
	// letting the renewal chain burn its attempts on guaranteed declines.
	if strings.TrimSpace(subscription.PaymentMethodRef) == "" {
		return s.Cancel(ctx, task.TenantID, subscription.ID, "trial ended without payment method")
	}

	if err := s.stores.SubscriptionStore().UpdateStatus(ctx, task.TenantID, subscription.ID, core.SubscriptionStatusActive); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "activate subscription")
	}
	periodStart := s.now()
	if err := s.stores.SubscriptionStore().AdvancePeriod(ctx, task.TenantID, subscription.ID, periodStart, periodStart); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "anchor paid period")
	}

	renewalPayload, err := core.EncodePayload(core.RenewalPayload{SubscriptionID: subscription.ID})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode renewal payload")
	}
	if _, _, err := s.stores.TaskStore().Enqueue(ctx, core.EnqueueTaskInput{
		TenantID:       task.TenantID,
		TaskType:       core.TaskTypeSubscriptionRenewal,
		TaskKey:        core.RenewalTaskKeyForCycle(subscription.ID, periodStart),
		SubscriptionID: subscription.ID,
		DueAt:          periodStart,
		MaxAttempts:    s.maxAttempts,
		Payload:        renewalPayload,
	}); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "enqueue first renewal")
	}

	core.LogInfo(ctx, s.logger, "trial converted to active subscription", map[string]any{
		"tenant_id":       task.TenantID,
		"subscription_id": subscription.ID,
	})
	return nil
}

var (
	_ core.TaskHandler = (*RenewalHandler)(nil)
	_ core.TaskHandler = (*ItemRenewalHandler)(nil)
	_ core.TaskHandler = (*ChargePaymentHandler)(nil)
	_ core.TaskHandler = (*CreateDeliveryHandler)(nil)
	_ core.TaskHandler = (*CreateOrderHandler)(nil)
	_ core.TaskHandler = (*EntitlementHandler)(nil)
	_ core.TaskHandler = (*TrialEndHandler)(nil)
)
