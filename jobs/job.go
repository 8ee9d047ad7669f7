// Package jobs is the queueing layer: four independently configured queues
// with bounded worker pools, exponential retry backoff, and at-least-once
// delivery.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Queue names.
const (
	QueueDataSync        = "data-sync"
	QueueAgreementUpdate = "agreement-update"
	QueueEnvelope        = "docusign-envelope"
	QueueNotification    = "notification"
)

// Job types carried on the notification queue.
const (
	TypeThresholdBreach = "threshold-breach"
	TypeEnvelopeSigned  = "envelope-signed"
)

// ErrEmpty is returned by backends when a blocking pop times out.
var ErrEmpty = errors.New("jobs: queue empty")

// Job is one unit of queued work. Attempt counts deliveries so far; it is
// zero until a worker first picks the job up.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
}

// Policy configures one queue. Concurrency bounds simultaneous external-API
// calls against downstream rate limits, not CPU.
type Policy struct {
	Attempts    int
	BackoffBase time.Duration
	Concurrency int
	Repeat      time.Duration
}

// DefaultPolicies returns the per-queue retry/backoff/concurrency settings.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		QueueDataSync:        {Attempts: 3, BackoffBase: time.Second, Concurrency: 5, Repeat: 5 * time.Minute},
		QueueAgreementUpdate: {Attempts: 3, BackoffBase: time.Second, Concurrency: 3},
		QueueEnvelope:        {Attempts: 5, BackoffBase: 2 * time.Second, Concurrency: 2},
		QueueNotification:    {Attempts: 3, BackoffBase: time.Second, Concurrency: 5},
	}
}

const maxBackoff = time.Minute

// backoffDelay computes the delay before delivery attempt n: none for the
// first attempt, then base*2^(n-2) capped at maxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	shift := attempt - 2
	if shift > 20 {
		return maxBackoff
	}
	delay := base << shift
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// SyncPayload is carried by data-sync and agreement-update jobs.
type SyncPayload struct {
	AgreementID string `json:"agreementId"`
}

// EnvelopePayload is carried by docusign-envelope jobs.
type EnvelopePayload struct {
	AgreementID string `json:"agreementId"`
}

// NotificationPayload is carried by notification jobs.
type NotificationPayload struct {
	Type         string  `json:"type"`
	AgreementID  string  `json:"agreementId"`
	Field        string  `json:"field,omitempty"`
	CurrentValue float64 `json:"currentValue,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
	Operator     string  `json:"operator,omitempty"`
}

// permanentError marks a handler failure that must not be retried
// (validation-class errors: missing entities, rejected transitions).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker moves the job straight to the failed
// list instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
