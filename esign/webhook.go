package esign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidSignature means a webhook's HMAC did not match the raw body.
var ErrInvalidSignature = errors.New("esign: invalid webhook signature")

// VerifySignature checks the provider's hex-encoded HMAC-SHA256 over the raw
// request body. Comparison is constant-time.
func VerifySignature(secret, body []byte, signature string) error {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature the provider would attach to body. Used by
// tests and local tooling.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookEvent is the envelope-status payload the provider posts. EventID is
// unique per delivery attempt group and drives replay suppression.
type WebhookEvent struct {
	EventID    string `json:"eventId"`
	Event      string `json:"event"`
	EnvelopeID string `json:"envelopeId"`
	Status     string `json:"status"`
	Signer     struct {
		Email  string `json:"email"`
		Status string `json:"status"`
	} `json:"signer"`
}

// Envelope status values carried by webhook events.
const (
	EventEnvelopeCompleted = "envelope-completed"
	EventEnvelopeDeclined  = "envelope-declined"
	EventEnvelopeVoided    = "envelope-voided"
	EventRecipientSigned   = "recipient-signed"
	EventRecipientDeclined = "recipient-declined"
)

// StatusCompleted is the provider-side envelope status once every recipient
// has finished signing.
const StatusCompleted = "completed"

// ParseWebhook decodes an already-verified webhook body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("esign: decode webhook: %w", err)
	}
	if event.EnvelopeID == "" {
		return WebhookEvent{}, errors.New("esign: webhook missing envelope id")
	}
	return event, nil
}
