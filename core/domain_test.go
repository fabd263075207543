package core

import (
	"testing"
	"time"
)

func TestTaskTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	task := &Task{Status: TaskStatusReady}
	if err := task.TransitionTo(TaskStatusClaimed, now); err != nil {
		t.Fatalf("ready -> claimed: %v", err)
	}
	if err := task.TransitionTo(TaskStatusCompleted, now); err != nil {
		t.Fatalf("claimed -> completed: %v", err)
	}
	if err := task.TransitionTo(TaskStatusReady, now); err == nil {
		t.Fatalf("expected completed to be terminal")
	}

	failed := &Task{Status: TaskStatusClaimed}
	if err := failed.TransitionTo(TaskStatusReady, now); err != nil {
		t.Fatalf("claimed -> ready (retry): %v", err)
	}
	if err := failed.TransitionTo(TaskStatusCompleted, now); err == nil {
		t.Fatalf("expected ready -> completed to be rejected")
	}
}

func TestTaskLeaseExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (Task{Status: TaskStatusClaimed, LockedUntil: &future}).LeaseExpired(now) {
		t.Fatalf("valid lease reported expired")
	}
	if !(Task{Status: TaskStatusClaimed, LockedUntil: &past}).LeaseExpired(now) {
		t.Fatalf("lapsed lease not reported expired")
	}
	if (Task{Status: TaskStatusReady, LockedUntil: &past}).LeaseExpired(now) {
		t.Fatalf("ready task should never report an expired lease")
	}
}

func TestSubscriptionTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	sub := &Subscription{Status: SubscriptionStatusActive}
	if err := sub.TransitionTo(SubscriptionStatusPastDue, now); err != nil {
		t.Fatalf("active -> past_due: %v", err)
	}
	if err := sub.TransitionTo(SubscriptionStatusActive, now); err != nil {
		t.Fatalf("past_due -> active: %v", err)
	}
	if err := sub.TransitionTo(SubscriptionStatusCanceled, now); err != nil {
		t.Fatalf("active -> canceled: %v", err)
	}
	if sub.CanceledAt == nil {
		t.Fatalf("expected canceled_at to be stamped")
	}
	if err := sub.TransitionTo(SubscriptionStatusActive, now); err == nil {
		t.Fatalf("expected canceled to be terminal")
	}
}

func TestEndpointAccepts(t *testing.T) {
	all := WebhookEndpoint{}
	if !all.Accepts(EventPaymentSucceeded) {
		t.Fatalf("empty filter should accept every event")
	}
	filtered := WebhookEndpoint{Events: []string{EventPaymentFailed, EventSubscriptionCanceled}}
	if filtered.Accepts(EventPaymentSucceeded) {
		t.Fatalf("filter should reject unlisted events")
	}
	if !filtered.Accepts("Payment.Failed ") {
		t.Fatalf("filter match should be case and whitespace insensitive")
	}
}

func TestCycleAndInvoiceKeys(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	if got := BillingCycleKey("sub_1", start, end); got != "sub_1_2026-03-01_2026-04-01" {
		t.Fatalf("unexpected cycle key: %q", got)
	}
	if got := InvoiceKeyFor("sub_1", start, end); got != "renewal_sub_1_2026-03-01_2026-04-01" {
		t.Fatalf("unexpected invoice key: %q", got)
	}
	if got := EntitlementKeyFor("sub_1", "plan_1", start, end); got != "sub_1_plan_1_2026-03-01_2026-04-01" {
		t.Fatalf("unexpected entitlement key: %q", got)
	}
}

func TestDecodePayload(t *testing.T) {
	payload, err := DecodePayload[ChargePaymentPayload](map[string]any{
		"subscription_id": "sub_1",
		"invoice_id":      "inv_1",
	})
	if err != nil {
		t.Fatalf("decode charge payload: %v", err)
	}
	if payload.InvoiceID != "inv_1" {
		t.Fatalf("unexpected invoice id: %q", payload.InvoiceID)
	}

	if _, err := DecodePayload[ChargePaymentPayload](map[string]any{
		"subscription_id": "sub_1",
	}); err == nil {
		t.Fatalf("expected missing invoice_id to fail validation")
	}

	if _, err := DecodePayload[EntitlementPayload](map[string]any{
		"subscription_id": "sub_1",
		"action":          "RESET",
	}); err == nil {
		t.Fatalf("expected unsupported action to fail validation")
	}
}

func TestEncodePayloadRoundTrip(t *testing.T) {
	raw, err := EncodePayload(CreateOrderPayload{SubscriptionID: "sub_1", DeliveryID: "del_1"})
	if err != nil {
		t.Fatalf("encode order payload: %v", err)
	}
	decoded, err := DecodePayload[CreateOrderPayload](raw)
	if err != nil {
		t.Fatalf("decode order payload: %v", err)
	}
	if decoded.DeliveryID != "del_1" {
		t.Fatalf("unexpected delivery id: %q", decoded.DeliveryID)
	}
}
