package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("payment: invalid event signature")
	ErrStaleEvent       = errors.New("payment: event timestamp outside tolerance")
)

// signatureTolerance bounds how old a signed event may be before it is
// rejected as a possible replay of a captured request.
const signatureTolerance = 5 * time.Minute

// Event is a provider webhook event.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Status   string            `json:"status"`
			Amount   int64             `json:"amount"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Event types the system reacts to.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

// AgreementID returns the agreement the event's intent was opened for.
func (e Event) AgreementID() string {
	return e.Data.Object.Metadata["agreement_id"]
}

// VerifyAndParse checks the provider signature header over the raw body and
// decodes the event. The header carries a unix timestamp and an HMAC-SHA256
// of "<timestamp>.<body>" under v1, e.g. "t=1712000000,v1=abc123".
func VerifyAndParse(secret, body []byte, header string, now time.Time) (Event, error) {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Event{}, ErrInvalidSignature
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return Event{}, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	matched := false
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			matched = true
		}
	}
	if !matched {
		return Event{}, ErrInvalidSignature
	}

	eventTime := time.Unix(ts, 0)
	if now.Sub(eventTime) > signatureTolerance || eventTime.Sub(now) > signatureTolerance {
		return Event{}, ErrStaleEvent
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("payment: decode event: %w", err)
	}
	if event.ID == "" {
		return Event{}, errors.New("payment: event missing id")
	}
	return event, nil
}

// SignHeader builds the signature header for body at ts. Used by tests and
// local tooling.
func SignHeader(secret, body []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
