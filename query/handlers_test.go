package query

import (
	"context"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-subscriptions/core"
)

type stubSubscriptionReader struct {
	subscription core.Subscription
	items        []core.SubscriptionItem
	gotTenant    string
	gotID        string
}

func (s *stubSubscriptionReader) Get(_ context.Context, tenantID string, subscriptionID string) (core.Subscription, error) {
	s.gotTenant = tenantID
	s.gotID = subscriptionID
	return s.subscription, nil
}

func (s *stubSubscriptionReader) ListItems(_ context.Context, tenantID string, subscriptionID string) ([]core.SubscriptionItem, error) {
	s.gotTenant = tenantID
	s.gotID = subscriptionID
	return s.items, nil
}

type stubInvoiceReader struct {
	invoice core.Invoice
}

func (s *stubInvoiceReader) Get(context.Context, string, string) (core.Invoice, error) {
	return s.invoice, nil
}

type stubAttemptReader struct {
	attempts []core.PaymentAttempt
}

func (s *stubAttemptReader) ListByInvoice(context.Context, string, string) ([]core.PaymentAttempt, error) {
	return s.attempts, nil
}

type stubEntitlementReader struct {
	entitlements []core.Entitlement
}

func (s *stubEntitlementReader) ListBySubscription(context.Context, string, string) ([]core.Entitlement, error) {
	return s.entitlements, nil
}

type stubDeliveryReader struct {
	delivery core.WebhookDelivery
}

func (s *stubDeliveryReader) Get(context.Context, string, string) (core.WebhookDelivery, error) {
	return s.delivery, nil
}

func TestGetSubscriptionQuery_DelegatesToReader(t *testing.T) {
	reader := &stubSubscriptionReader{
		subscription: core.Subscription{ID: "sub_1", TenantID: "tenant_a", Status: core.SubscriptionStatusActive},
	}
	got, err := NewGetSubscriptionQuery(reader).Query(context.Background(), GetSubscriptionMessage{
		TenantID:       "tenant_a",
		SubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.ID != "sub_1" || got.Status != core.SubscriptionStatusActive {
		t.Fatalf("unexpected subscription %+v", got)
	}
	if reader.gotTenant != "tenant_a" || reader.gotID != "sub_1" {
		t.Fatalf("reader called with %q/%q", reader.gotTenant, reader.gotID)
	}
}

func TestGetSubscriptionQuery_RejectsInvalidMessage(t *testing.T) {
	_, err := NewGetSubscriptionQuery(&stubSubscriptionReader{}).Query(context.Background(), GetSubscriptionMessage{
		TenantID: "tenant_a",
	})
	if err == nil {
		t.Fatalf("expected validation error for missing subscription id")
	}
}

func TestGetSubscriptionQuery_NilReaderReturnsRichError(t *testing.T) {
	var q *GetSubscriptionQuery
	_, err := q.Query(context.Background(), GetSubscriptionMessage{TenantID: "t", SubscriptionID: "s"})
	if err == nil {
		t.Fatalf("expected dependency error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
	if rich.TextCode != core.BillingErrorInternal {
		t.Fatalf("expected %q text code, got %q", core.BillingErrorInternal, rich.TextCode)
	}
}

func TestListItemsQuery_ReturnsItems(t *testing.T) {
	reader := &stubSubscriptionReader{
		items: []core.SubscriptionItem{{ID: "item_1", ProductID: "prod_1", Quantity: 2}},
	}
	items, err := NewListItemsQuery(reader).Query(context.Background(), ListItemsMessage{
		TenantID:       "tenant_a",
		SubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 1 || items[0].ID != "item_1" {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestGetInvoiceQuery_DelegatesToReader(t *testing.T) {
	reader := &stubInvoiceReader{invoice: core.Invoice{ID: "inv_1", Status: core.InvoiceStatusPaid}}
	got, err := NewGetInvoiceQuery(reader).Query(context.Background(), GetInvoiceMessage{
		TenantID:  "tenant_a",
		InvoiceID: "inv_1",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.ID != "inv_1" || got.Status != core.InvoiceStatusPaid {
		t.Fatalf("unexpected invoice %+v", got)
	}
}

func TestListPaymentAttemptsQuery_ReturnsAttempts(t *testing.T) {
	reader := &stubAttemptReader{attempts: []core.PaymentAttempt{{ID: "attempt_1"}, {ID: "attempt_2"}}}
	attempts, err := NewListPaymentAttemptsQuery(reader).Query(context.Background(), ListPaymentAttemptsMessage{
		TenantID:  "tenant_a",
		InvoiceID: "inv_1",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
}

func TestListEntitlementsQuery_ReturnsEntitlements(t *testing.T) {
	reader := &stubEntitlementReader{entitlements: []core.Entitlement{{ID: "ent_1", Status: core.EntitlementStatusActive}}}
	got, err := NewListEntitlementsQuery(reader).Query(context.Background(), ListEntitlementsMessage{
		TenantID:       "tenant_a",
		SubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Status != core.EntitlementStatusActive {
		t.Fatalf("unexpected entitlements %+v", got)
	}
}

func TestGetWebhookDeliveryQuery_DelegatesToReader(t *testing.T) {
	now := time.Now().UTC()
	reader := &stubDeliveryReader{delivery: core.WebhookDelivery{ID: "del_1", CreatedAt: now}}
	got, err := NewGetWebhookDeliveryQuery(reader).Query(context.Background(), GetWebhookDeliveryMessage{
		TenantID:   "tenant_a",
		DeliveryID: "del_1",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.ID != "del_1" {
		t.Fatalf("unexpected delivery %+v", got)
	}
}

func TestQueryMessages_ValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"subscription", GetSubscriptionMessage{}.Validate()},
		{"items", ListItemsMessage{TenantID: "t"}.Validate()},
		{"invoice", GetInvoiceMessage{InvoiceID: "inv"}.Validate()},
		{"attempts", ListPaymentAttemptsMessage{TenantID: "t"}.Validate()},
		{"entitlements", ListEntitlementsMessage{SubscriptionID: "sub"}.Validate()},
		{"delivery", GetWebhookDeliveryMessage{TenantID: "t"}.Validate()},
	}
	for _, tc := range cases {
		if tc.err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
