// Package webhook ingests provider callbacks: signature verification, replay
// suppression, and dispatch into the agreement lifecycle.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docuflow/agreement"
	"docuflow/esign"
	"docuflow/jobs"
	"docuflow/payment"
)

var (
	// ErrDuplicateEvent marks a replayed delivery. Callers acknowledge it
	// without re-processing.
	ErrDuplicateEvent = errors.New("webhook: duplicate event")
	// ErrUnknownEnvelope means no agreement references the envelope.
	ErrUnknownEnvelope = errors.New("webhook: no agreement for envelope")
)

// Agreements is the read access the ingestor needs.
type Agreements interface {
	GetByEnvelope(ctx context.Context, envelopeID string) (agreement.Agreement, error)
}

// Lifecycle applies the state changes webhook events map to.
type Lifecycle interface {
	Transition(ctx context.Context, params agreement.TransitionParams) (agreement.Agreement, error)
	ApplySignerStatus(ctx context.Context, agreementID, email string, status agreement.SignerStatus) (agreement.Agreement, error)
	UpdateMetadata(ctx context.Context, agreementID string, updates, auditMeta map[string]any) (agreement.Agreement, error)
}

// Envelopes reads the provider-side envelope state. A completion event is
// only acted on once the provider itself reports the envelope completed.
type Envelopes interface {
	EnvelopeStatus(ctx context.Context, envelopeID string) (string, error)
}

// Enqueuer pushes follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, jobType string, payload any) (jobs.Job, error)
}

// Ingestor verifies, deduplicates and dispatches provider webhooks.
type Ingestor struct {
	esignSecret   []byte
	paymentSecret []byte
	dedupe        Deduper
	agreements    Agreements
	lifecycle     Lifecycle
	envelopes     Envelopes
	queue         Enqueuer
	logger        *slog.Logger
}

// NewIngestor wires the ingestor. envelopes may be nil when the e-sign
// integration is not configured; completion events are then taken at face
// value.
func NewIngestor(esignSecret, paymentSecret []byte, dedupe Deduper, agreements Agreements, lifecycle Lifecycle, envelopes Envelopes, queue Enqueuer, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		esignSecret:   esignSecret,
		paymentSecret: paymentSecret,
		dedupe:        dedupe,
		agreements:    agreements,
		lifecycle:     lifecycle,
		envelopes:     envelopes,
		queue:         queue,
		logger:        logger,
	}
}

// HandleEsign processes one e-sign webhook delivery. The raw body must be
// passed exactly as received; the signature covers every byte.
func (in *Ingestor) HandleEsign(ctx context.Context, body []byte, signature string) error {
	if err := esign.VerifySignature(in.esignSecret, body, signature); err != nil {
		return err
	}
	event, err := esign.ParseWebhook(body)
	if err != nil {
		return err
	}

	dedupeKey := event.EventID
	if dedupeKey == "" {
		dedupeKey = "esign:" + event.EnvelopeID + ":" + event.Event
	}
	first, err := in.dedupe.FirstSeen(ctx, dedupeKey)
	if err != nil {
		return err
	}
	if !first {
		in.logger.Info("replayed esign event suppressed", "event", event.Event, "envelope", event.EnvelopeID)
		return ErrDuplicateEvent
	}

	if err := in.dispatchEsign(ctx, event); err != nil {
		// The event was not applied; the claim must not outlive it or the
		// provider's retry would be swallowed as a replay.
		in.release(ctx, dedupeKey)
		return err
	}
	return nil
}

func (in *Ingestor) dispatchEsign(ctx context.Context, event esign.WebhookEvent) error {
	a, err := in.agreements.GetByEnvelope(ctx, event.EnvelopeID)
	if errors.Is(err, agreement.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownEnvelope, event.EnvelopeID)
	}
	if err != nil {
		return err
	}

	switch event.Event {
	case esign.EventRecipientSigned:
		_, err := in.lifecycle.ApplySignerStatus(ctx, a.ID, event.Signer.Email, agreement.SignerSigned)
		return err

	case esign.EventRecipientDeclined:
		_, err := in.lifecycle.ApplySignerStatus(ctx, a.ID, event.Signer.Email, agreement.SignerDeclined)
		return err

	case esign.EventEnvelopeCompleted:
		if a.Status == agreement.StatusSigned {
			return nil
		}
		if in.envelopes != nil {
			status, err := in.envelopes.EnvelopeStatus(ctx, event.EnvelopeID)
			if err != nil {
				return err
			}
			if status != esign.StatusCompleted {
				in.logger.Warn("completion event ahead of provider state, not applied",
					"envelope", event.EnvelopeID, "providerStatus", status)
				return nil
			}
		}
		if _, err := in.lifecycle.Transition(ctx, agreement.TransitionParams{
			AgreementID: a.ID,
			To:          agreement.StatusSigned,
			Metadata:    map[string]any{"signedAt": time.Now().UTC().Format(time.RFC3339)},
		}); err != nil {
			return err
		}
		payload := jobs.NotificationPayload{Type: jobs.TypeEnvelopeSigned, AgreementID: a.ID}
		if _, err := in.queue.Enqueue(ctx, jobs.QueueNotification, jobs.TypeEnvelopeSigned, payload); err != nil {
			// The transition is committed; the notification is best-effort.
			in.logger.Error("signed notification enqueue failed", "agreement", a.ID, "error", err)
		}
		return nil

	case esign.EventEnvelopeDeclined, esign.EventEnvelopeVoided:
		if a.Status.Terminal() {
			return nil
		}
		_, err := in.lifecycle.Transition(ctx, agreement.TransitionParams{
			AgreementID: a.ID,
			To:          agreement.StatusVoided,
			Metadata:    map[string]any{"voidReason": event.Event},
		})
		return err

	default:
		in.logger.Info("unhandled esign event ignored", "event", event.Event, "envelope", event.EnvelopeID)
		return nil
	}
}

// HandlePayment processes one payment provider event delivery.
func (in *Ingestor) HandlePayment(ctx context.Context, body []byte, sigHeader string) error {
	event, err := payment.VerifyAndParse(in.paymentSecret, body, sigHeader, time.Now())
	if err != nil {
		return err
	}

	dedupeKey := "payment:" + event.ID
	first, err := in.dedupe.FirstSeen(ctx, dedupeKey)
	if err != nil {
		return err
	}
	if !first {
		in.logger.Info("replayed payment event suppressed", "event", event.ID)
		return ErrDuplicateEvent
	}

	if err := in.dispatchPayment(ctx, event); err != nil {
		in.release(ctx, dedupeKey)
		return err
	}
	return nil
}

func (in *Ingestor) dispatchPayment(ctx context.Context, event payment.Event) error {
	agreementID := event.AgreementID()
	if agreementID == "" {
		in.logger.Warn("payment event without agreement metadata ignored", "event", event.ID, "type", event.Type)
		return nil
	}

	var status string
	switch event.Type {
	case payment.EventIntentSucceeded:
		status = "paid"
	case payment.EventIntentFailed:
		status = "failed"
	default:
		in.logger.Info("unhandled payment event ignored", "event", event.ID, "type", event.Type)
		return nil
	}

	_, err := in.lifecycle.UpdateMetadata(ctx, agreementID,
		map[string]any{
			agreement.MetaPaymentStatus:   status,
			agreement.MetaPaymentIntentID: event.Data.Object.ID,
		},
		map[string]any{"providerEvent": event.ID},
	)
	return err
}

func (in *Ingestor) release(ctx context.Context, dedupeKey string) {
	if err := in.dedupe.Release(ctx, dedupeKey); err != nil {
		in.logger.Error("dedupe claim release failed, event may need manual replay", "key", dedupeKey, "error", err)
	}
}
