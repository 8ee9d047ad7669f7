package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"docuflow/agreement"
	"docuflow/esign"
	"docuflow/jobs"
	"docuflow/payment"
)

type fakeDeduper struct {
	seen     map[string]bool
	released []string
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: map[string]bool{}}
}

func (d *fakeDeduper) FirstSeen(_ context.Context, eventID string) (bool, error) {
	if d.seen[eventID] {
		return false, nil
	}
	d.seen[eventID] = true
	return true, nil
}

func (d *fakeDeduper) Release(_ context.Context, eventID string) error {
	delete(d.seen, eventID)
	d.released = append(d.released, eventID)
	return nil
}

type fakeAgreements struct {
	byEnvelope map[string]agreement.Agreement
}

func (f *fakeAgreements) GetByEnvelope(_ context.Context, envelopeID string) (agreement.Agreement, error) {
	a, ok := f.byEnvelope[envelopeID]
	if !ok {
		return agreement.Agreement{}, agreement.ErrNotFound
	}
	return a, nil
}

type fakeLifecycle struct {
	transitions   []agreement.TransitionParams
	signerUpdates []string
	metaUpdates   []map[string]any
	transitionErr error
	metaErr       error
}

func (f *fakeLifecycle) Transition(_ context.Context, params agreement.TransitionParams) (agreement.Agreement, error) {
	if f.transitionErr != nil {
		return agreement.Agreement{}, f.transitionErr
	}
	f.transitions = append(f.transitions, params)
	return agreement.Agreement{ID: params.AgreementID, Status: params.To}, nil
}

func (f *fakeLifecycle) ApplySignerStatus(_ context.Context, agreementID, email string, status agreement.SignerStatus) (agreement.Agreement, error) {
	f.signerUpdates = append(f.signerUpdates, fmt.Sprintf("%s:%s:%s", agreementID, email, status))
	return agreement.Agreement{ID: agreementID}, nil
}

func (f *fakeLifecycle) UpdateMetadata(_ context.Context, agreementID string, updates, _ map[string]any) (agreement.Agreement, error) {
	if f.metaErr != nil {
		return agreement.Agreement{}, f.metaErr
	}
	f.metaUpdates = append(f.metaUpdates, updates)
	return agreement.Agreement{ID: agreementID}, nil
}

type fakeEnvelopes struct {
	status string
	err    error
	calls  int
}

func (f *fakeEnvelopes) EnvelopeStatus(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.status, f.err
}

type fakeQueue struct {
	enqueued []jobs.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, queue, jobType string, _ any) (jobs.Job, error) {
	job := jobs.Job{ID: fmt.Sprintf("j-%d", len(f.enqueued)), Queue: queue, Type: jobType}
	f.enqueued = append(f.enqueued, job)
	return job, nil
}

const (
	esignSecret   = "esign-secret"
	paymentSecret = "payment-secret"
)

func newTestIngestor(agreements *fakeAgreements, lifecycle *fakeLifecycle, queue *fakeQueue) *Ingestor {
	return NewIngestor(
		[]byte(esignSecret), []byte(paymentSecret),
		newFakeDeduper(), agreements, lifecycle,
		&fakeEnvelopes{status: esign.StatusCompleted}, queue,
		slog.New(slog.DiscardHandler),
	)
}

func TestHandleEsignCompletedTransitionsAndNotifies(t *testing.T) {
	agreements := &fakeAgreements{byEnvelope: map[string]agreement.Agreement{
		"env-1": {ID: "a-1", EnvelopeID: "env-1", Status: agreement.StatusSent},
	}}
	lifecycle := &fakeLifecycle{}
	queue := &fakeQueue{}
	ingestor := newTestIngestor(agreements, lifecycle, queue)

	body := []byte(`{"eventId":"ev-1","event":"envelope-completed","envelopeId":"env-1"}`)
	if err := ingestor.HandleEsign(context.Background(), body, esign.Sign([]byte(esignSecret), body)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(lifecycle.transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(lifecycle.transitions))
	}
	if lifecycle.transitions[0].To != agreement.StatusSigned {
		t.Errorf("expected transition to signed, got %s", lifecycle.transitions[0].To)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0].Queue != jobs.QueueNotification {
		t.Fatalf("expected 1 notification job, got %+v", queue.enqueued)
	}
}

func TestHandleEsignReplaySuppressed(t *testing.T) {
	agreements := &fakeAgreements{byEnvelope: map[string]agreement.Agreement{
		"env-1": {ID: "a-1", EnvelopeID: "env-1", Status: agreement.StatusSent},
	}}
	lifecycle := &fakeLifecycle{}
	queue := &fakeQueue{}
	ingestor := newTestIngestor(agreements, lifecycle, queue)

	body := []byte(`{"eventId":"ev-1","event":"envelope-completed","envelopeId":"env-1"}`)
	sig := esign.Sign([]byte(esignSecret), body)

	if err := ingestor.HandleEsign(context.Background(), body, sig); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := ingestor.HandleEsign(context.Background(), body, sig); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent on replay, got %v", err)
	}

	if len(lifecycle.transitions) != 1 {
		t.Errorf("expected exactly 1 transition after replay, got %d", len(lifecycle.transitions))
	}
	if len(queue.enqueued) != 1 {
		t.Errorf("expected at most 1 notification after replay, got %d", len(queue.enqueued))
	}
}

func TestHandleEsignRejectsBadSignature(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	ingestor := newTestIngestor(&fakeAgreements{}, lifecycle, &fakeQueue{})

	body := []byte(`{"eventId":"ev-1","event":"envelope-completed","envelopeId":"env-1"}`)
	err := ingestor.HandleEsign(context.Background(), body, "deadbeef")
	if !errors.Is(err, esign.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if len(lifecycle.transitions) != 0 {
		t.Errorf("expected no side effects on bad signature")
	}
}

func TestHandleEsignUnknownEnvelope(t *testing.T) {
	ingestor := newTestIngestor(&fakeAgreements{byEnvelope: map[string]agreement.Agreement{}}, &fakeLifecycle{}, &fakeQueue{})

	body := []byte(`{"eventId":"ev-1","event":"envelope-completed","envelopeId":"ghost"}`)
	err := ingestor.HandleEsign(context.Background(), body, esign.Sign([]byte(esignSecret), body))
	if !errors.Is(err, ErrUnknownEnvelope) {
		t.Fatalf("expected ErrUnknownEnvelope, got %v", err)
	}
}

func TestHandleEsignRecipientSigned(t *testing.T) {
	agreements := &fakeAgreements{byEnvelope: map[string]agreement.Agreement{
		"env-1": {ID: "a-1", EnvelopeID: "env-1", Status: agreement.StatusSent},
	}}
	lifecycle := &fakeLifecycle{}
	ingestor := newTestIngestor(agreements, lifecycle, &fakeQueue{})

	body := []byte(`{"eventId":"ev-2","event":"recipient-signed","envelopeId":"env-1","signer":{"email":"ada@example.com","status":"signed"}}`)
	if err := ingestor.HandleEsign(context.Background(), body, esign.Sign([]byte(esignSecret), body)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(lifecycle.signerUpdates) != 1 || lifecycle.signerUpdates[0] != "a-1:ada@example.com:signed" {
		t.Errorf("unexpected signer updates: %v", lifecycle.signerUpdates)
	}
	if len(lifecycle.transitions) != 0 {
		t.Errorf("recipient event must not move agreement status")
	}
}

func TestHandleEsignDeclinedVoidsAgreement(t *testing.T) {
	agreements := &fakeAgreements{byEnvelope: map[string]agreement.Agreement{
		"env-1": {ID: "a-1", EnvelopeID: "env-1", Status: agreement.StatusSent},
	}}
	lifecycle := &fakeLifecycle{}
	ingestor := newTestIngestor(agreements, lifecycle, &fakeQueue{})

	body := []byte(`{"eventId":"ev-3","event":"envelope-declined","envelopeId":"env-1"}`)
	if err := ingestor.HandleEsign(context.Background(), body, esign.Sign([]byte(esignSecret), body)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(lifecycle.transitions) != 1 || lifecycle.transitions[0].To != agreement.StatusVoided {
		t.Errorf("expected void transition, got %+v", lifecycle.transitions)
	}
}

func TestHandleEsignTerminalAgreementIsNoOp(t *testing.T) {
	agreements := &fakeAgreements{byEnvelope: map[string]agreement.Agreement{
		"env-1": {ID: "a-1", EnvelopeID: "env-1", Status: agreement.StatusVoided},
	}}
	lifecycle := &fakeLifecycle{}
	ingestor := newTestIngestor(agreements, lifecycle, &fakeQueue{})

	body := []byte(`{"eventId":"ev-4","event":"envelope-voided","envelopeId":"env-1"}`)
	if err := ingestor.HandleEsign(context.Background(), body, esign.Sign([]byte(esignSecret), body)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(lifecycle.transitions) != 0 {
		t.Errorf("terminal agreement must not transition again")
	}
}

func TestHandlePaymentSucceededMarksPaid(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	ingestor := newTestIngestor(&fakeAgreements{}, lifecycle, &fakeQueue{})

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","status":"succeeded","metadata":{"agreement_id":"a-1"}}}}`)
	header := payment.SignHeader([]byte(paymentSecret), body, time.Now())

	if err := ingestor.HandlePayment(context.Background(), body, header); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(lifecycle.metaUpdates) != 1 {
		t.Fatalf("expected 1 metadata update, got %d", len(lifecycle.metaUpdates))
	}
	updates := lifecycle.metaUpdates[0]
	if updates[agreement.MetaPaymentStatus] != "paid" {
		t.Errorf("expected paymentStatus paid, got %v", updates[agreement.MetaPaymentStatus])
	}
	if updates[agreement.MetaPaymentIntentID] != "pi_123" {
		t.Errorf("expected intent id recorded, got %v", updates[agreement.MetaPaymentIntentID])
	}
}

func TestHandleEsignFailedDeliveryCanBeRetried(t *testing.T) {
	agreements := &fakeAgreements{byEnvelope: map[string]agreement.Agreement{
		"env-1": {ID: "a-1", EnvelopeID: "env-1", Status: agreement.StatusSent},
	}}
	lifecycle := &fakeLifecycle{transitionErr: errors.New("db unavailable")}
	queue := &fakeQueue{}
	dedupe := newFakeDeduper()
	ingestor := NewIngestor(
		[]byte(esignSecret), []byte(paymentSecret),
		dedupe, agreements, lifecycle,
		&fakeEnvelopes{status: esign.StatusCompleted}, queue,
		slog.New(slog.DiscardHandler),
	)

	body := []byte(`{"eventId":"ev-1","event":"envelope-completed","envelopeId":"env-1"}`)
	sig := esign.Sign([]byte(esignSecret), body)

	if err := ingestor.HandleEsign(context.Background(), body, sig); err == nil {
		t.Fatalf("expected the failed transition to surface")
	}
	if len(dedupe.released) != 1 {
		t.Fatalf("failed delivery must release its dedupe claim, released %v", dedupe.released)
	}

	// The fault clears; the provider retries the same event.
	lifecycle.transitionErr = nil
	if err := ingestor.HandleEsign(context.Background(), body, sig); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if len(lifecycle.transitions) != 1 {
		t.Fatalf("expected the retry to apply the transition, got %d", len(lifecycle.transitions))
	}
	if len(queue.enqueued) != 1 {
		t.Errorf("expected 1 notification after the retry, got %d", len(queue.enqueued))
	}

	// A replay after the successful retry is still suppressed.
	if err := ingestor.HandleEsign(context.Background(), body, sig); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent after success, got %v", err)
	}
	if len(lifecycle.transitions) != 1 {
		t.Errorf("replay must not transition again, got %d", len(lifecycle.transitions))
	}
}

func TestHandleEsignUnknownEnvelopeCanBeRetried(t *testing.T) {
	agreements := &fakeAgreements{byEnvelope: map[string]agreement.Agreement{}}
	lifecycle := &fakeLifecycle{}
	dedupe := newFakeDeduper()
	ingestor := NewIngestor(
		[]byte(esignSecret), []byte(paymentSecret),
		dedupe, agreements, lifecycle,
		&fakeEnvelopes{status: esign.StatusCompleted}, &fakeQueue{},
		slog.New(slog.DiscardHandler),
	)

	// The event races the send transition: the envelope id is not committed
	// yet when the first delivery arrives.
	body := []byte(`{"eventId":"ev-1","event":"envelope-completed","envelopeId":"env-1"}`)
	sig := esign.Sign([]byte(esignSecret), body)

	if err := ingestor.HandleEsign(context.Background(), body, sig); !errors.Is(err, ErrUnknownEnvelope) {
		t.Fatalf("expected ErrUnknownEnvelope, got %v", err)
	}

	agreements.byEnvelope["env-1"] = agreement.Agreement{ID: "a-1", EnvelopeID: "env-1", Status: agreement.StatusSent}
	if err := ingestor.HandleEsign(context.Background(), body, sig); err != nil {
		t.Fatalf("retry once the envelope is known: %v", err)
	}
	if len(lifecycle.transitions) != 1 {
		t.Fatalf("expected the retry to apply the transition, got %d", len(lifecycle.transitions))
	}
}

func TestHandleEsignCompletionGatedOnProviderStatus(t *testing.T) {
	agreements := &fakeAgreements{byEnvelope: map[string]agreement.Agreement{
		"env-1": {ID: "a-1", EnvelopeID: "env-1", Status: agreement.StatusSent},
	}}
	lifecycle := &fakeLifecycle{}
	envelopes := &fakeEnvelopes{status: "delivered"}
	ingestor := NewIngestor(
		[]byte(esignSecret), []byte(paymentSecret),
		newFakeDeduper(), agreements, lifecycle, envelopes, &fakeQueue{},
		slog.New(slog.DiscardHandler),
	)

	body := []byte(`{"eventId":"ev-1","event":"envelope-completed","envelopeId":"env-1"}`)
	if err := ingestor.HandleEsign(context.Background(), body, esign.Sign([]byte(esignSecret), body)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if envelopes.calls != 1 {
		t.Fatalf("expected the provider status to be consulted, got %d calls", envelopes.calls)
	}
	if len(lifecycle.transitions) != 0 {
		t.Errorf("provider not reporting completed must block the transition")
	}
}

func TestHandleEsignStatusReadFailureCanBeRetried(t *testing.T) {
	agreements := &fakeAgreements{byEnvelope: map[string]agreement.Agreement{
		"env-1": {ID: "a-1", EnvelopeID: "env-1", Status: agreement.StatusSent},
	}}
	lifecycle := &fakeLifecycle{}
	envelopes := &fakeEnvelopes{err: errors.New("provider unreachable")}
	dedupe := newFakeDeduper()
	ingestor := NewIngestor(
		[]byte(esignSecret), []byte(paymentSecret),
		dedupe, agreements, lifecycle, envelopes, &fakeQueue{},
		slog.New(slog.DiscardHandler),
	)

	body := []byte(`{"eventId":"ev-1","event":"envelope-completed","envelopeId":"env-1"}`)
	sig := esign.Sign([]byte(esignSecret), body)

	if err := ingestor.HandleEsign(context.Background(), body, sig); err == nil {
		t.Fatalf("expected the status read failure to surface")
	}
	if len(dedupe.released) != 1 {
		t.Errorf("failed delivery must release its dedupe claim")
	}

	envelopes.err = nil
	envelopes.status = esign.StatusCompleted
	if err := ingestor.HandleEsign(context.Background(), body, sig); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(lifecycle.transitions) != 1 {
		t.Errorf("expected the retry to apply the transition, got %d", len(lifecycle.transitions))
	}
}

func TestHandlePaymentFailedDeliveryCanBeRetried(t *testing.T) {
	lifecycle := &fakeLifecycle{metaErr: errors.New("db unavailable")}
	dedupe := newFakeDeduper()
	ingestor := NewIngestor(
		[]byte(esignSecret), []byte(paymentSecret),
		dedupe, &fakeAgreements{}, lifecycle, nil, &fakeQueue{},
		slog.New(slog.DiscardHandler),
	)

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","metadata":{"agreement_id":"a-1"}}}}`)
	header := payment.SignHeader([]byte(paymentSecret), body, time.Now())

	if err := ingestor.HandlePayment(context.Background(), body, header); err == nil {
		t.Fatalf("expected the failed metadata update to surface")
	}
	if len(dedupe.released) != 1 {
		t.Fatalf("failed delivery must release its dedupe claim")
	}

	lifecycle.metaErr = nil
	if err := ingestor.HandlePayment(context.Background(), body, header); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if len(lifecycle.metaUpdates) != 1 {
		t.Errorf("expected the retry to apply the update, got %d", len(lifecycle.metaUpdates))
	}
}

func TestHandlePaymentReplaySuppressed(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	ingestor := newTestIngestor(&fakeAgreements{}, lifecycle, &fakeQueue{})

	body := []byte(`{"id":"evt_1","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_123","metadata":{"agreement_id":"a-1"}}}}`)
	header := payment.SignHeader([]byte(paymentSecret), body, time.Now())

	if err := ingestor.HandlePayment(context.Background(), body, header); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := ingestor.HandlePayment(context.Background(), body, header); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if len(lifecycle.metaUpdates) != 1 {
		t.Errorf("expected exactly 1 metadata update, got %d", len(lifecycle.metaUpdates))
	}
}
