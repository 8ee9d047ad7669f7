package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"docuflow/agreement"
	"docuflow/esign"
	"docuflow/jobs"
	"docuflow/notify"
)

// breachNotifier bridges the checker's breach callback onto the notification
// queue.
type breachNotifier struct {
	orch *jobs.Orchestrator
}

func (n *breachNotifier) NotifyBreach(ctx context.Context, b agreement.Breach) error {
	payload := jobs.NotificationPayload{
		Type:         jobs.TypeThresholdBreach,
		AgreementID:  b.AgreementID,
		Field:        b.Field,
		CurrentValue: b.Value,
		Threshold:    b.Threshold,
		Operator:     string(b.Operator),
	}
	_, err := n.orch.Enqueue(ctx, jobs.QueueNotification, jobs.TypeThresholdBreach, payload)
	return err
}

type workerDeps struct {
	orch       *jobs.Orchestrator
	checker    *agreement.Checker
	agreements *agreement.Service
	lifecycle  *agreement.Lifecycle
	esign      *esign.Client
	fanout     *notify.Fanout
	logger     *slog.Logger
}

// registerWorkers binds every queue to its processor and the data-sync queue
// to its recurring scan.
func registerWorkers(d workerDeps) {
	check := func(ctx context.Context, job jobs.Job) error {
		var payload jobs.SyncPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return jobs.Permanent(fmt.Errorf("decode payload: %w", err))
		}
		_, err := d.checker.Check(ctx, payload.AgreementID)
		if errors.Is(err, agreement.ErrNotFound) {
			return jobs.Permanent(err)
		}
		return err
	}
	d.orch.Handle(jobs.QueueDataSync, check)
	d.orch.Handle(jobs.QueueAgreementUpdate, check)

	d.orch.HandleRepeat(jobs.QueueDataSync, func(ctx context.Context) error {
		ids, err := d.agreements.ListNonTerminalIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := d.orch.Enqueue(ctx, jobs.QueueDataSync, "", jobs.SyncPayload{AgreementID: id}); err != nil {
				return err
			}
		}
		d.logger.Info("data-sync scan enqueued", "agreements", len(ids))
		return nil
	})

	d.orch.Handle(jobs.QueueEnvelope, d.handleEnvelope)
	d.orch.Handle(jobs.QueueNotification, d.handleNotification)
}

// handleEnvelope creates the provider envelope for a draft agreement and
// moves it to sent in one lifecycle transition.
func (d workerDeps) handleEnvelope(ctx context.Context, job jobs.Job) error {
	var payload jobs.EnvelopePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if d.esign == nil {
		return jobs.Permanent(esign.ErrNotConfigured)
	}

	a, tmpl, err := d.agreements.GetWithTemplate(ctx, payload.AgreementID)
	if errors.Is(err, agreement.ErrNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}
	if a.Status != agreement.StatusDraft {
		// A retried delivery after a crash-commit lands here; the work is done.
		if a.Status == agreement.StatusSent || a.Status == agreement.StatusSigned {
			return nil
		}
		return jobs.Permanent(fmt.Errorf("%w: %s -> %s", agreement.ErrInvalidTransition, a.Status, agreement.StatusSent))
	}

	signers := make([]esign.Signer, len(a.Signers))
	for i, signer := range a.Signers {
		signers[i] = esign.Signer{Email: signer.Email, Name: signer.Name, Role: signer.Role}
	}
	envelopeID, err := d.esign.CreateEnvelope(ctx, tmpl.ProviderTemplateID, "Please sign: "+tmpl.Name, signers)
	if err != nil {
		return err
	}

	_, err = d.lifecycle.Transition(ctx, agreement.TransitionParams{
		AgreementID: a.ID,
		To:          agreement.StatusSent,
		EnvelopeID:  envelopeID,
	})
	if errors.Is(err, agreement.ErrInvalidTransition) || errors.Is(err, agreement.ErrPaymentRequired) {
		return jobs.Permanent(err)
	}
	return err
}

// handleNotification fans one queued notification out to the agreement's
// signers. Per-channel failures are already swallowed by the fanout; the job
// retries only when the agreement itself cannot be loaded.
func (d workerDeps) handleNotification(ctx context.Context, job jobs.Job) error {
	var payload jobs.NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	a, err := d.agreements.Get(ctx, payload.AgreementID)
	if errors.Is(err, agreement.ErrNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}

	recipients := make([]notify.Recipient, len(a.Signers))
	for i, signer := range a.Signers {
		recipients[i] = notify.Recipient{Name: signer.Name, Email: signer.Email, Phone: signer.Phone}
	}

	var subject, body string
	switch payload.Type {
	case jobs.TypeThresholdBreach:
		subject, body = notify.BreachMessage(a.ID, payload.Field, payload.CurrentValue, payload.Threshold, payload.Operator)
	case jobs.TypeEnvelopeSigned:
		subject, body = notify.SignedMessage(a.ID)
	default:
		return jobs.Permanent(fmt.Errorf("unknown notification type %q", payload.Type))
	}

	results := d.fanout.Send(ctx, recipients, subject, body)
	delivered := 0
	for _, r := range results {
		if r.Err == nil {
			delivered++
		}
	}
	d.logger.Info("notification fanned out",
		"agreement", a.ID, "type", payload.Type, "delivered", delivered, "attempted", len(results))
	return nil
}
