package agreement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"docuflow/audit"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the lifecycle needs.
type Store interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	Save(ctx context.Context, tx pgx.Tx, a Agreement) error
}

// AuditWriter appends one audit entry inside the caller's transaction.
type AuditWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, e audit.Entry) error
}

// Lifecycle applies status transitions. Each transition runs in a single
// transaction holding the agreement's row lock, so transitions on the same
// identity are serialized, and commits together with exactly one audit entry.
type Lifecycle struct {
	pool      TxBeginner
	store     Store
	auditRepo AuditWriter
}

func NewLifecycle(pool TxBeginner, store Store, auditRepo AuditWriter) *Lifecycle {
	if store == nil {
		store = NewRepository()
	}
	if auditRepo == nil {
		auditRepo = audit.NewRepository()
	}
	return &Lifecycle{pool: pool, store: store, auditRepo: auditRepo}
}

// TransitionParams describes one lifecycle move.
type TransitionParams struct {
	AgreementID string
	To          Status
	// EnvelopeID is recorded when the send transition attaches the external
	// envelope created for the agreement.
	EnvelopeID string
	// Metadata is merged into the agreement's metadata map (declinedBy,
	// voidReason, signedAt and the like).
	Metadata map[string]any
	// AuditMetadata is attached to the audit entry only.
	AuditMetadata map[string]any
}

// Transition validates and applies one status change.
func (l *Lifecycle) Transition(ctx context.Context, params TransitionParams) (Agreement, error) {
	if params.AgreementID == "" {
		return Agreement{}, fmt.Errorf("agreement: missing agreement id")
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := l.store.GetForUpdate(ctx, tx, params.AgreementID)
	if err != nil {
		return Agreement{}, err
	}

	if !CanTransition(a.Status, params.To) {
		return Agreement{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, params.To)
	}
	if a.Status == StatusDraft && params.To == StatusSent && a.PaymentRequired() && !a.PaymentSettled() {
		return Agreement{}, ErrPaymentRequired
	}

	before := map[string]any{"status": string(a.Status)}
	a.Status = params.To
	if params.EnvelopeID != "" {
		before["envelope_id"] = a.EnvelopeID
		a.EnvelopeID = params.EnvelopeID
	}
	a.MergeMetadata(params.Metadata)

	after := map[string]any{"status": string(a.Status)}
	if params.EnvelopeID != "" {
		after["envelope_id"] = a.EnvelopeID
	}

	if err := l.store.Save(ctx, tx, a); err != nil {
		return Agreement{}, err
	}

	entry := audit.Entry{
		EntityType: audit.EntityAgreement,
		EntityID:   a.ID,
		Action:     actionFor(params.To),
		Changes:    audit.Changes{Before: before, After: after},
		Metadata:   params.AuditMetadata,
	}
	if err := l.auditRepo.Insert(ctx, tx, entry); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit transition: %w", err)
	}
	return a, nil
}

// ApplyValueRefresh records freshly synced dynamic-field values. It is not a
// status transition but follows the same row-lock and audit discipline, with
// before/after limited to the values that changed. Keys must be declared by
// the owning template's dynamic-field set.
func (l *Lifecycle) ApplyValueRefresh(ctx context.Context, agreementID string, updates map[string]any, declared map[string]struct{}) (Agreement, error) {
	if len(updates) == 0 {
		return Agreement{}, fmt.Errorf("agreement: empty value refresh")
	}
	for key := range updates {
		if _, ok := declared[key]; !ok {
			return Agreement{}, fmt.Errorf("%w: %q", ErrUndeclaredField, key)
		}
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := l.store.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}

	before := make(map[string]any, len(updates))
	after := make(map[string]any, len(updates))
	if a.CurrentValues == nil {
		a.CurrentValues = make(map[string]any, len(updates))
	}
	for key, value := range updates {
		before[key] = a.CurrentValues[key]
		a.CurrentValues[key] = value
		after[key] = value
	}
	now := nowUTC()
	a.LastChecked = &now

	if err := l.store.Save(ctx, tx, a); err != nil {
		return Agreement{}, err
	}

	entry := audit.Entry{
		EntityType: audit.EntityAgreement,
		EntityID:   a.ID,
		Action:     audit.ActionUpdate,
		Changes:    audit.Changes{Before: before, After: after},
	}
	if err := l.auditRepo.Insert(ctx, tx, entry); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit refresh: %w", err)
	}
	return a, nil
}

// ApplySignerStatus advances one signer's status. Signer progress is
// monotonic: once signed or declined it never reverts.
func (l *Lifecycle) ApplySignerStatus(ctx context.Context, agreementID, email string, status SignerStatus) (Agreement, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := l.store.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}

	idx := -1
	for i, signer := range a.Signers {
		if signer.Email == email {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Agreement{}, fmt.Errorf("agreement: signer %s not found", email)
	}

	current := a.Signers[idx].Status
	if current == status {
		return a, nil
	}
	if current != SignerPending {
		return Agreement{}, fmt.Errorf("%w: %s is %s", ErrSignerRevert, email, current)
	}

	a.Signers[idx].Status = status

	if err := l.store.Save(ctx, tx, a); err != nil {
		return Agreement{}, err
	}

	entry := audit.Entry{
		EntityType: audit.EntityAgreement,
		EntityID:   a.ID,
		Action:     audit.ActionUpdate,
		Changes: audit.Changes{
			Before: map[string]any{"signer": email, "signer_status": string(current)},
			After:  map[string]any{"signer": email, "signer_status": string(status)},
		},
	}
	if err := l.auditRepo.Insert(ctx, tx, entry); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit signer status: %w", err)
	}
	return a, nil
}

// UpdateMetadata merges metadata (payment status changes and the like)
// without touching lifecycle status, under the usual audit discipline.
func (l *Lifecycle) UpdateMetadata(ctx context.Context, agreementID string, updates map[string]any, auditMeta map[string]any) (Agreement, error) {
	if len(updates) == 0 {
		return Agreement{}, fmt.Errorf("agreement: empty metadata update")
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := l.store.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}

	before := make(map[string]any, len(updates))
	after := make(map[string]any, len(updates))
	for key, value := range updates {
		before[key] = a.Metadata[key]
		after[key] = value
	}
	a.MergeMetadata(updates)

	if err := l.store.Save(ctx, tx, a); err != nil {
		return Agreement{}, err
	}

	entry := audit.Entry{
		EntityType: audit.EntityAgreement,
		EntityID:   a.ID,
		Action:     audit.ActionUpdate,
		Changes:    audit.Changes{Before: before, After: after},
		Metadata:   auditMeta,
	}
	if err := l.auditRepo.Insert(ctx, tx, entry); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit metadata: %w", err)
	}
	return a, nil
}

func actionFor(to Status) audit.Action {
	switch to {
	case StatusSent:
		return audit.ActionSend
	case StatusSigned:
		return audit.ActionSign
	case StatusVoided:
		return audit.ActionVoid
	case StatusExpired:
		return audit.ActionExpire
	default:
		return audit.ActionUpdate
	}
}
