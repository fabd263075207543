package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestBillingErrorMapper_ClassifiesPlainErrors(t *testing.T) {
	cases := []struct {
		name     string
		input    error
		category goerrors.Category
		textCode string
	}{
		{
			name:     "not found",
			input:    fmt.Errorf("core: subscription not found"),
			category: goerrors.CategoryNotFound,
			textCode: BillingErrorNotFound,
		},
		{
			name:     "idempotency conflict",
			input:    fmt.Errorf("idempotency fingerprint mismatch"),
			category: goerrors.CategoryConflict,
			textCode: BillingErrorIdempotencyConflict,
		},
		{
			name:     "declined payment",
			input:    fmt.Errorf("card declined by issuer"),
			category: goerrors.CategoryExternal,
			textCode: BillingErrorPaymentDeclined,
		},
		{
			name:     "bad input",
			input:    fmt.Errorf("core: tenant id is required"),
			category: goerrors.CategoryBadInput,
			textCode: BillingErrorBadInput,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := MapError(tc.input)
			if mapped == nil {
				t.Fatalf("expected mapped error")
			}
			if mapped.Category != tc.category {
				t.Fatalf("category = %v, want %v", mapped.Category, tc.category)
			}
			if mapped.TextCode != tc.textCode {
				t.Fatalf("text code = %q, want %q", mapped.TextCode, tc.textCode)
			}
			if mapped.Code == 0 {
				t.Fatalf("expected status code to be filled in")
			}
		})
	}
}

func TestBillingErrorMapper_PreservesRichErrors(t *testing.T) {
	rich := goerrors.New("boom", goerrors.CategoryConflict).WithTextCode("CUSTOM")
	mapped := MapError(rich)
	if mapped.TextCode != "CUSTOM" {
		t.Fatalf("expected custom text code preserved, got %q", mapped.TextCode)
	}
	if mapped.Code != http.StatusConflict {
		t.Fatalf("expected conflict status filled in, got %d", mapped.Code)
	}
}

func TestIsTerminalTaskError(t *testing.T) {
	if IsTerminalTaskError(nil) {
		t.Fatalf("nil error should not be terminal")
	}
	if IsTerminalTaskError(errors.New("connection reset")) {
		t.Fatalf("plain errors are presumed transient")
	}
	if !IsTerminalTaskError(goerrors.New("bad payload", goerrors.CategoryBadInput)) {
		t.Fatalf("bad input should be terminal")
	}
	if !IsTerminalTaskError(goerrors.New("missing row", goerrors.CategoryNotFound)) {
		t.Fatalf("not found should be terminal")
	}
	if IsTerminalTaskError(goerrors.New("gateway timeout", goerrors.CategoryExternal)) {
		t.Fatalf("external failures should be retried")
	}
}

func TestNewIdempotencyConflict(t *testing.T) {
	err := NewIdempotencyConflict("key_1")
	if err.Category != goerrors.CategoryConflict {
		t.Fatalf("category = %v", err.Category)
	}
	if err.Code != http.StatusConflict {
		t.Fatalf("code = %d", err.Code)
	}
	if err.Metadata["idempotency_key"] != "key_1" {
		t.Fatalf("metadata = %#v", err.Metadata)
	}
}
