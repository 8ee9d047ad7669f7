package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"docuflow/audit"
)

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeStore struct {
	agreement Agreement
	getErr    error
	saveErr   error
	saved     *Agreement
}

func (f *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Agreement, error) {
	if f.getErr != nil {
		return Agreement{}, f.getErr
	}
	if f.agreement.ID != id {
		return Agreement{}, ErrNotFound
	}
	return f.agreement, nil
}

func (f *fakeStore) Save(_ context.Context, _ pgx.Tx, a Agreement) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = &a
	return nil
}

type fakeAudit struct {
	entries   []audit.Entry
	insertErr error
}

func (f *fakeAudit) Insert(_ context.Context, _ pgx.Tx, e audit.Entry) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func TestTransitionSentToSigned(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{ID: "a-1", Status: StatusSent}}
	auditor := &fakeAudit{}
	lc := NewLifecycle(pool, store, auditor)

	got, err := lc.Transition(context.Background(), TransitionParams{AgreementID: "a-1", To: StatusSigned})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != StatusSigned {
		t.Errorf("expected signed, got %s", got.Status)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if len(auditor.entries) != 1 {
		t.Fatalf("expected exactly 1 audit entry, got %d", len(auditor.entries))
	}
	entry := auditor.entries[0]
	if entry.Action != audit.ActionSign {
		t.Errorf("expected sign action, got %s", entry.Action)
	}
	if entry.Changes.Before["status"] != "sent" || entry.Changes.After["status"] != "signed" {
		t.Errorf("unexpected change snapshot: %+v", entry.Changes)
	}
}

func TestTransitionRejectsTerminalSource(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{ID: "a-1", Status: StatusVoided}}
	auditor := &fakeAudit{}
	lc := NewLifecycle(pool, store, auditor)

	_, err := lc.Transition(context.Background(), TransitionParams{AgreementID: "a-1", To: StatusSent})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("rejected transition must not commit")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback")
	}
	if store.saved != nil {
		t.Errorf("rejected transition must not save")
	}
	if len(auditor.entries) != 0 {
		t.Errorf("rejected transition must not audit")
	}
}

func TestTransitionSendRequiresSettledPayment(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{
		ID:       "a-1",
		Status:   StatusDraft,
		Metadata: map[string]any{MetaPaymentAmount: int64(50000), MetaPaymentStatus: "pending"},
	}}
	lc := NewLifecycle(pool, store, &fakeAudit{})

	_, err := lc.Transition(context.Background(), TransitionParams{AgreementID: "a-1", To: StatusSent})
	if !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("blocked send must not commit")
	}
}

func TestTransitionSendWithPaidPayment(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{
		ID:       "a-1",
		Status:   StatusDraft,
		Metadata: map[string]any{MetaPaymentAmount: int64(50000), MetaPaymentStatus: "paid"},
	}}
	lc := NewLifecycle(pool, store, &fakeAudit{})

	got, err := lc.Transition(context.Background(), TransitionParams{
		AgreementID: "a-1",
		To:          StatusSent,
		EnvelopeID:  "env-1",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != StatusSent || got.EnvelopeID != "env-1" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestTransitionAuditFailureAborts(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{ID: "a-1", Status: StatusSent}}
	auditor := &fakeAudit{insertErr: errors.New("audit table unavailable")}
	lc := NewLifecycle(pool, store, auditor)

	_, err := lc.Transition(context.Background(), TransitionParams{AgreementID: "a-1", To: StatusSigned})
	if err == nil {
		t.Fatalf("expected error when audit write fails")
	}
	if pool.tx.committed {
		t.Errorf("mutation must not commit without its audit entry")
	}
}

func TestApplySignerStatusMonotonic(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{
		ID:      "a-1",
		Status:  StatusSent,
		Signers: []Signer{{Email: "ada@example.com", Name: "Ada", Status: SignerSigned}},
	}}
	lc := NewLifecycle(pool, store, &fakeAudit{})

	_, err := lc.ApplySignerStatus(context.Background(), "a-1", "ada@example.com", SignerDeclined)
	if !errors.Is(err, ErrSignerRevert) {
		t.Fatalf("expected ErrSignerRevert, got %v", err)
	}

	// Re-applying the current status is an idempotent no-op.
	got, err := lc.ApplySignerStatus(context.Background(), "a-1", "ada@example.com", SignerSigned)
	if err != nil {
		t.Fatalf("idempotent reapply: %v", err)
	}
	if got.Signers[0].Status != SignerSigned {
		t.Errorf("unexpected signer status %s", got.Signers[0].Status)
	}
}

func TestApplySignerStatusAdvancesPending(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{
		ID:      "a-1",
		Status:  StatusSent,
		Signers: []Signer{{Email: "ada@example.com", Name: "Ada", Status: SignerPending}},
	}}
	auditor := &fakeAudit{}
	lc := NewLifecycle(pool, store, auditor)

	got, err := lc.ApplySignerStatus(context.Background(), "a-1", "ada@example.com", SignerSigned)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Signers[0].Status != SignerSigned {
		t.Errorf("expected signed, got %s", got.Signers[0].Status)
	}
	if len(auditor.entries) != 1 {
		t.Errorf("expected 1 audit entry, got %d", len(auditor.entries))
	}
}

func TestApplyValueRefresh(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{
		ID:            "a-1",
		Status:        StatusSent,
		CurrentValues: map[string]any{"price": 140.0},
	}}
	auditor := &fakeAudit{}
	lc := NewLifecycle(pool, store, auditor)

	declared := map[string]struct{}{"price": {}}
	before := time.Now().UTC()
	got, err := lc.ApplyValueRefresh(context.Background(), "a-1", map[string]any{"price": 155.0}, declared)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.CurrentValues["price"] != 155.0 {
		t.Errorf("expected refreshed value, got %v", got.CurrentValues["price"])
	}
	if got.LastChecked == nil || got.LastChecked.Before(before) {
		t.Errorf("expected last-checked timestamp to advance")
	}
	if len(auditor.entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(auditor.entries))
	}
	entry := auditor.entries[0]
	if entry.Action != audit.ActionUpdate {
		t.Errorf("expected update action, got %s", entry.Action)
	}
	if entry.Changes.Before["price"] != 140.0 || entry.Changes.After["price"] != 155.0 {
		t.Errorf("unexpected change snapshot: %+v", entry.Changes)
	}
}

func TestApplyValueRefreshRejectsUndeclaredField(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{ID: "a-1", Status: StatusSent}}
	lc := NewLifecycle(pool, store, &fakeAudit{})

	_, err := lc.ApplyValueRefresh(context.Background(), "a-1",
		map[string]any{"humidity": 90.0},
		map[string]struct{}{"price": {}})
	if !errors.Is(err, ErrUndeclaredField) {
		t.Fatalf("expected ErrUndeclaredField, got %v", err)
	}
	if pool.tx != nil {
		t.Errorf("validation must reject before opening a transaction")
	}
}

func TestUpdateMetadata(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{agreement: Agreement{ID: "a-1", Status: StatusDraft}}
	auditor := &fakeAudit{}
	lc := NewLifecycle(pool, store, auditor)

	got, err := lc.UpdateMetadata(context.Background(), "a-1",
		map[string]any{MetaPaymentStatus: "paid"},
		map[string]any{"providerEvent": "evt_1"})
	if err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	if got.Metadata[MetaPaymentStatus] != "paid" {
		t.Errorf("expected paid status, got %v", got.Metadata[MetaPaymentStatus])
	}
	if got.Status != StatusDraft {
		t.Errorf("metadata update must not change lifecycle status")
	}
	if len(auditor.entries) != 1 || auditor.entries[0].Metadata["providerEvent"] != "evt_1" {
		t.Errorf("unexpected audit entries: %+v", auditor.entries)
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusSent, true},
		{StatusSent, StatusSigned, true},
		{StatusDraft, StatusSigned, false},
		{StatusSigned, StatusSent, false},
		{StatusDraft, StatusVoided, true},
		{StatusSent, StatusVoided, true},
		{StatusSigned, StatusVoided, true},
		{StatusVoided, StatusSent, false},
		{StatusExpired, StatusVoided, false},
		{StatusDraft, StatusExpired, true},
		{StatusSigned, StatusExpired, true},
		{StatusVoided, StatusExpired, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
