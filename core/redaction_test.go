package core

import "testing"

func TestRedactSensitiveMapPreservesTraceabilityMetadata(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"trace_id":        "trace_1",
		"tenant_id":       "tenant_1",
		"subscription_id": "sub_1",
		"access_token":    "secret-token",
		"authorization":   "Bearer secret-token",
		"nested":          map[string]any{"webhook_secret": "whsec_1", "trace_id": "trace_nested"},
		"events":          []any{map[string]any{"api_key": "key_1"}, map[string]any{"invoice_id": "inv_1"}},
		"task_key":        "subscription_renewal_sub_1",
	})

	if redacted["trace_id"] != "trace_1" {
		t.Fatalf("expected trace_id to remain visible, got %#v", redacted["trace_id"])
	}
	if redacted["task_key"] != "subscription_renewal_sub_1" {
		t.Fatalf("expected task_key to remain visible, got %#v", redacted["task_key"])
	}
	if redacted["access_token"] != RedactedValue {
		t.Fatalf("expected access_token to be redacted, got %#v", redacted["access_token"])
	}
	nested, ok := redacted["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested redacted map")
	}
	if nested["webhook_secret"] != RedactedValue {
		t.Fatalf("expected nested webhook_secret to be redacted, got %#v", nested["webhook_secret"])
	}
	if nested["trace_id"] != "trace_nested" {
		t.Fatalf("expected nested trace_id to remain visible, got %#v", nested["trace_id"])
	}
	events, ok := redacted["events"].([]any)
	if !ok || len(events) != 2 {
		t.Fatalf("expected events slice to survive redaction, got %#v", redacted["events"])
	}
	first, ok := events[0].(map[string]any)
	if !ok || first["api_key"] != RedactedValue {
		t.Fatalf("expected api_key inside events to be redacted, got %#v", events[0])
	}
}
