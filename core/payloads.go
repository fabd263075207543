package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Task payloads are stored as JSON but decoded into typed structs before a
// handler runs. A payload that does not decode or validate is a terminal
// failure; retrying cannot fix malformed data.

type RenewalPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

func (p RenewalPayload) Validate() error {
	if strings.TrimSpace(p.SubscriptionID) == "" {
		return fmt.Errorf("core: renewal payload requires subscription_id")
	}
	return nil
}

type ItemRenewalPayload struct {
	SubscriptionID string    `json:"subscription_id"`
	ItemID         string    `json:"item_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}

func (p ItemRenewalPayload) Validate() error {
	if strings.TrimSpace(p.SubscriptionID) == "" {
		return fmt.Errorf("core: item renewal payload requires subscription_id")
	}
	if strings.TrimSpace(p.ItemID) == "" {
		return fmt.Errorf("core: item renewal payload requires item_id")
	}
	return nil
}

type ChargePaymentPayload struct {
	SubscriptionID string `json:"subscription_id"`
	InvoiceID      string `json:"invoice_id"`
}

func (p ChargePaymentPayload) Validate() error {
	if strings.TrimSpace(p.SubscriptionID) == "" {
		return fmt.Errorf("core: charge payload requires subscription_id")
	}
	if strings.TrimSpace(p.InvoiceID) == "" {
		return fmt.Errorf("core: charge payload requires invoice_id")
	}
	return nil
}

type CreateDeliveryPayload struct {
	SubscriptionID string    `json:"subscription_id"`
	InvoiceID      string    `json:"invoice_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}

func (p CreateDeliveryPayload) Validate() error {
	if strings.TrimSpace(p.SubscriptionID) == "" {
		return fmt.Errorf("core: delivery payload requires subscription_id")
	}
	if strings.TrimSpace(p.InvoiceID) == "" {
		return fmt.Errorf("core: delivery payload requires invoice_id")
	}
	return nil
}

type CreateOrderPayload struct {
	SubscriptionID string `json:"subscription_id"`
	DeliveryID     string `json:"delivery_id"`
}

func (p CreateOrderPayload) Validate() error {
	if strings.TrimSpace(p.DeliveryID) == "" {
		return fmt.Errorf("core: order payload requires delivery_id")
	}
	return nil
}

type EntitlementPayload struct {
	SubscriptionID string    `json:"subscription_id"`
	Action         string    `json:"action"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}

func (p EntitlementPayload) Validate() error {
	if strings.TrimSpace(p.SubscriptionID) == "" {
		return fmt.Errorf("core: entitlement payload requires subscription_id")
	}
	switch strings.TrimSpace(p.Action) {
	case EntitlementActionGrant, EntitlementActionRevoke:
		return nil
	default:
		return fmt.Errorf("core: entitlement payload action %q is not supported", p.Action)
	}
}

type TrialEndPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

func (p TrialEndPayload) Validate() error {
	if strings.TrimSpace(p.SubscriptionID) == "" {
		return fmt.Errorf("core: trial end payload requires subscription_id")
	}
	return nil
}

// DecodePayload round-trips raw through JSON into out and validates it.
func DecodePayload[T interface{ Validate() error }](raw map[string]any) (T, error) {
	var out T
	encoded, err := json.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("core: encode task payload: %w", err)
	}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return out, fmt.Errorf("core: decode task payload: %w", err)
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// EncodePayload flattens a typed payload into the map shape task rows store.
func EncodePayload(payload any) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: encode task payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("core: encode task payload: %w", err)
	}
	return out, nil
}
