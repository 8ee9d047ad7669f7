package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EmailClient sends mail through a SendGrid-compatible REST API.
type EmailClient struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
}

func NewEmailClient(baseURL, apiKey, from string, client *http.Client) *EmailClient {
	if baseURL == "" {
		baseURL = "https://api.sendgrid.com"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &EmailClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		from:    from,
		client:  client,
	}
}

func (c *EmailClient) SendEmail(ctx context.Context, to, subject, body string) error {
	if c.apiKey == "" || c.from == "" {
		return ErrNotConfigured
	}

	payload := map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": to}}},
		},
		"from":    map[string]string{"email": c.from},
		"subject": subject,
		"content": []map[string]string{
			{"type": "text/plain", "value": body},
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/mail/send", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("notify: build email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: email provider returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}
