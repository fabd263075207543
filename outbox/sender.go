package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	signatureHeader = "X-Signature" // sha256=<hex>
	eventTypeHeader = "X-Event-Type"
	deliveryHeader  = "X-Delivery-ID"

	defaultRequestTimeout = 10 * time.Second
)

// WebhookBody is the wire shape posted to endpoints. Receivers verify the
// signature over these exact raw bytes, so the body is marshalled once and
// both signed and sent as-is.
type WebhookBody struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sender posts signed webhook bodies. It is safe for concurrent use.
type Sender struct {
	client  *http.Client
	timeout time.Duration
}

type SenderOption func(*Sender)

func WithSenderHTTPClient(client *http.Client) SenderOption {
	return func(s *Sender) {
		if client != nil {
			s.client = client
		}
	}
}

func WithSenderTimeout(timeout time.Duration) SenderOption {
	return func(s *Sender) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func NewSender(opts ...SenderOption) *Sender {
	sender := &Sender{
		client:  &http.Client{},
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(sender)
	}
	return sender
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send posts the body to url with the signature header and returns the HTTP
// status. A non-nil error means no response was received.
func (s *Sender) Send(ctx context.Context, url string, secret string, deliveryID string, body WebhookBody) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("outbox: sender is not configured")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("outbox: encode webhook body: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("outbox: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, "sha256="+Sign(secret, raw))
	req.Header.Set(eventTypeHeader, body.Type)
	req.Header.Set(deliveryHeader, deliveryID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// classifyReason buckets a failed attempt for last_error and metrics.
func classifyReason(sendErr error, status int) string {
	if sendErr != nil {
		msg := strings.ToLower(sendErr.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return "timeout"
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "no such host"):
			return "dns_error"
		default:
			return "network"
		}
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	default:
		return "other"
	}
}
