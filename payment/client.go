// Package payment integrates with the payment provider: intent creation for
// agreement deposits and verification of the provider's signed events.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("payment: provider not configured")

// Intent statuses the rest of the system cares about.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Intent is a created payment intent.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// Client talks to the payment provider's REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

// CreateIntent opens a payment intent for an agreement's deposit. The
// agreement ID rides along as provider metadata so events can be routed back.
func (c *Client) CreateIntent(ctx context.Context, amountCents int64, currency, agreementID string) (Intent, error) {
	if c.apiKey == "" {
		return Intent{}, ErrNotConfigured
	}
	if amountCents <= 0 {
		return Intent{}, fmt.Errorf("payment: amount must be positive, got %d", amountCents)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", currency)
	form.Set("metadata[agreement_id]", agreementID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return Intent{}, fmt.Errorf("payment: build intent request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return Intent{}, fmt.Errorf("payment: create intent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Intent{}, fmt.Errorf("payment: provider returned %d: %s", resp.StatusCode, detail)
	}

	var intent Intent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return Intent{}, fmt.Errorf("payment: decode intent: %w", err)
	}
	if intent.ID == "" {
		return Intent{}, errors.New("payment: provider returned no intent id")
	}
	return intent, nil
}
