package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	BillingErrorBadInput            = "BILLING_BAD_INPUT"
	BillingErrorNotFound            = "BILLING_NOT_FOUND"
	BillingErrorIdempotencyConflict = "BILLING_IDEMPOTENCY_CONFLICT"
	BillingErrorPaymentDeclined     = "BILLING_PAYMENT_DECLINED"
	BillingErrorHandlerUnknown      = "BILLING_HANDLER_UNKNOWN"
	BillingErrorExternal            = "BILLING_EXTERNAL_ERROR"
	BillingErrorInternal            = "BILLING_INTERNAL_ERROR"
)

func billingErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureBillingErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return newBillingError(err.Error(), goerrors.CategoryNotFound, BillingErrorNotFound)
	case strings.Contains(msg, "idempotency"), strings.Contains(msg, "fingerprint"):
		return newBillingError(err.Error(), goerrors.CategoryConflict, BillingErrorIdempotencyConflict)
	case strings.Contains(msg, "declined"), strings.Contains(msg, "insufficient funds"):
		return newBillingError(err.Error(), goerrors.CategoryExternal, BillingErrorPaymentDeclined)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "not supported"):
		return newBillingError(err.Error(), goerrors.CategoryBadInput, BillingErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureBillingErrorEnvelope(mapped)
}

func newBillingError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureBillingErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureBillingErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = billingHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultBillingTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultBillingTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return BillingErrorBadInput
	case goerrors.CategoryNotFound:
		return BillingErrorNotFound
	case goerrors.CategoryConflict:
		return BillingErrorIdempotencyConflict
	case goerrors.CategoryExternal:
		return BillingErrorExternal
	default:
		return BillingErrorInternal
	}
}

func billingHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MapError normalizes any error into the billing error envelope.
func MapError(err error) *goerrors.Error {
	return billingErrorMapper(err)
}

// IsTerminalTaskError reports whether a handler failure should skip the
// retry schedule. Malformed payloads, missing rows, and rejected input stay
// wrong no matter how often the task reruns; everything else is presumed
// transient.
func IsTerminalTaskError(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	switch richErr.Category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation, goerrors.CategoryNotFound:
		return true
	default:
		return false
	}
}

// IsRecordedTaskError reports whether the handler persisted the failure as
// domain state before returning it. Payment outcomes are facts about the
// outside world: the attempt ledger, a PAST_DUE transition, and the revoke
// enqueue must survive the failed dispatch, so the surrounding transaction
// commits instead of rolling back.
func IsRecordedTaskError(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.Category == goerrors.CategoryExternal
}

// NewIdempotencyConflict builds the error returned when a reused key
// arrives with a different request fingerprint.
func NewIdempotencyConflict(key string) *goerrors.Error {
	return goerrors.New(
		"core: idempotency key reused with a different request fingerprint",
		goerrors.CategoryConflict,
	).
		WithCode(http.StatusConflict).
		WithTextCode(BillingErrorIdempotencyConflict).
		WithMetadata(map[string]any{"idempotency_key": key})
}
