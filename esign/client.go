// Package esign integrates with the e-signature provider: envelope creation
// and status reads over its REST API, JWT-grant authentication with a cached
// access token, and webhook signature verification.
package esign

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNotConfigured    = errors.New("esign: provider not configured")
	ErrEnvelopeNotFound = errors.New("esign: envelope not found")
)

const (
	// Provider access tokens live one hour; caching slightly under that
	// avoids using a token at the edge of expiry.
	tokenTTL      = 3000 * time.Second
	tokenCacheKey = "esign:access-token"
)

// TokenCache stores the provider access token between requests. Get returns
// ok=false on a miss.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Signer is one envelope recipient.
type Signer struct {
	Email string
	Name  string
	Role  string
}

// Client talks to the e-signature provider's REST API.
type Client struct {
	baseURL        string
	authBaseURL    string
	accountID      string
	integrationKey string
	userID         string
	privateKey     *rsa.PrivateKey
	tokens         TokenCache
	client         *http.Client
}

// ClientParams carries provider credentials. PrivateKeyPEM is the RSA key
// registered with the integration.
type ClientParams struct {
	BaseURL        string
	AuthBaseURL    string
	AccountID      string
	IntegrationKey string
	UserID         string
	PrivateKeyPEM  string
	Tokens         TokenCache
	HTTPClient     *http.Client
}

func NewClient(p ClientParams) (*Client, error) {
	if p.AccountID == "" || p.IntegrationKey == "" || p.UserID == "" || p.PrivateKeyPEM == "" {
		return nil, ErrNotConfigured
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(p.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("esign: parse private key: %w", err)
	}
	if p.AuthBaseURL == "" {
		p.AuthBaseURL = "https://account-d.docusign.com"
	}
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:        strings.TrimRight(p.BaseURL, "/"),
		authBaseURL:    strings.TrimRight(p.AuthBaseURL, "/"),
		accountID:      p.AccountID,
		integrationKey: p.IntegrationKey,
		userID:         p.UserID,
		privateKey:     key,
		tokens:         p.Tokens,
		client:         p.HTTPClient,
	}, nil
}

// accessToken returns a cached provider token, minting a fresh one through
// the JWT grant when the cache misses.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.tokens != nil {
		token, ok, err := c.tokens.Get(ctx, tokenCacheKey)
		if err == nil && ok {
			return token, nil
		}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   c.integrationKey,
		"sub":   c.userID,
		"aud":   strings.TrimPrefix(strings.TrimPrefix(c.authBaseURL, "https://"), "http://"),
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": "signature impersonation",
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("esign: sign grant assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("esign: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("esign: token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("esign: token request returned %d: %s", resp.StatusCode, detail)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("esign: decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("esign: empty access token")
	}

	if c.tokens != nil {
		if err := c.tokens.Set(ctx, tokenCacheKey, body.AccessToken, tokenTTL); err != nil {
			// A cold cache just means an extra grant on the next call.
			return body.AccessToken, nil
		}
	}
	return body.AccessToken, nil
}

// CreateEnvelope sends the provider template to the signers and returns the
// new envelope's ID.
func (c *Client) CreateEnvelope(ctx context.Context, providerTemplateID, emailSubject string, signers []Signer) (string, error) {
	roles := make([]map[string]string, 0, len(signers))
	for _, s := range signers {
		roles = append(roles, map[string]string{
			"email":    s.Email,
			"name":     s.Name,
			"roleName": s.Role,
		})
	}
	payload := map[string]any{
		"templateId":    providerTemplateID,
		"emailSubject":  emailSubject,
		"templateRoles": roles,
		"status":        "sent",
	}

	var body struct {
		EnvelopeID string `json:"envelopeId"`
	}
	path := fmt.Sprintf("/v2.1/accounts/%s/envelopes", c.accountID)
	if err := c.do(ctx, http.MethodPost, path, payload, &body); err != nil {
		return "", err
	}
	if body.EnvelopeID == "" {
		return "", errors.New("esign: provider returned no envelope id")
	}
	return body.EnvelopeID, nil
}

// EnvelopeStatus reads an envelope's current provider-side status.
func (c *Client) EnvelopeStatus(ctx context.Context, envelopeID string) (string, error) {
	var body struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/v2.1/accounts/%s/envelopes/%s", c.accountID, envelopeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return "", err
	}
	return body.Status, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("esign: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("esign: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("esign: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrEnvelopeNotFound
	}
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("esign: %s %s returned %d: %s", method, path, resp.StatusCode, detail)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("esign: decode response: %w", err)
		}
	}
	return nil
}
