package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier covers the read methods shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const agreementColumns = `id, template_id, envelope_id, status, current_values, signers, metadata, last_checked, created_at, updated_at`

// Insert creates the agreement row inside the active transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error) {
	values, signers, metadata, err := marshalJSONColumns(a)
	if err != nil {
		return Agreement{}, err
	}

	const insertSQL = `
INSERT INTO agreements (template_id, status, current_values, signers, metadata)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb)
RETURNING ` + agreementColumns
	return scanAgreement(tx.QueryRow(ctx, insertSQL, a.TemplateID, string(a.Status), values, signers, metadata))
}

// Get loads one agreement without locking.
func (r *Repository) Get(ctx context.Context, q Querier, id string) (Agreement, error) {
	const query = `SELECT ` + agreementColumns + ` FROM agreements WHERE id = $1`
	return scanAgreement(q.QueryRow(ctx, query, id))
}

// GetForUpdate loads one agreement holding its row lock for the transaction.
// The lock is what serializes a webhook-driven transition racing a scheduled
// threshold refresh on the same agreement.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	const query = `SELECT ` + agreementColumns + ` FROM agreements WHERE id = $1 FOR UPDATE`
	return scanAgreement(tx.QueryRow(ctx, query, id))
}

// GetByEnvelope resolves an agreement from its external envelope identifier.
func (r *Repository) GetByEnvelope(ctx context.Context, q Querier, envelopeID string) (Agreement, error) {
	const query = `SELECT ` + agreementColumns + ` FROM agreements WHERE envelope_id = $1`
	return scanAgreement(q.QueryRow(ctx, query, envelopeID))
}

// Save rewrites the mutable columns inside the active transaction. Callers
// load with GetForUpdate first, so the write is a straight overwrite.
func (r *Repository) Save(ctx context.Context, tx pgx.Tx, a Agreement) error {
	values, signers, metadata, err := marshalJSONColumns(a)
	if err != nil {
		return err
	}

	const updateSQL = `
UPDATE agreements
SET envelope_id = $1,
    status = $2,
    current_values = $3::jsonb,
    signers = $4::jsonb,
    metadata = $5::jsonb,
    last_checked = $6,
    updated_at = now()
WHERE id = $7
`
	tag, err := tx.Exec(ctx, updateSQL, a.EnvelopeID, string(a.Status), values, signers, metadata, a.LastChecked, a.ID)
	if err != nil {
		return fmt.Errorf("agreement: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilters narrows List; zero values mean no filter.
type ListFilters struct {
	Status     Status
	TemplateID string
	Page       int
	PageSize   int
}

// List returns agreements newest first with optional status/template filters.
func (r *Repository) List(ctx context.Context, q Querier, filters ListFilters) ([]Agreement, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	const query = `
SELECT ` + agreementColumns + `
FROM agreements
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR template_id::text = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`
	rows, err := q.Query(ctx, query, string(filters.Status), filters.TemplateID, filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	agreements := []Agreement{}
	for rows.Next() {
		a, err := scanAgreementRow(rows)
		if err != nil {
			return nil, err
		}
		agreements = append(agreements, a)
	}
	return agreements, rows.Err()
}

// ListNonTerminalIDs returns the identifiers the recurring data-sync scan
// fans out over: every agreement that can still change state.
func (r *Repository) ListNonTerminalIDs(ctx context.Context, q Querier) ([]string, error) {
	const query = `SELECT id FROM agreements WHERE status NOT IN ('voided', 'expired') ORDER BY created_at`
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("agreement: list non-terminal: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("agreement: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalJSONColumns(a Agreement) (values, signers, metadata []byte, err error) {
	cv := a.CurrentValues
	if cv == nil {
		cv = map[string]any{}
	}
	if values, err = json.Marshal(cv); err != nil {
		return nil, nil, nil, fmt.Errorf("agreement: marshal current values: %w", err)
	}

	sg := a.Signers
	if sg == nil {
		sg = []Signer{}
	}
	if signers, err = json.Marshal(sg); err != nil {
		return nil, nil, nil, fmt.Errorf("agreement: marshal signers: %w", err)
	}

	md := a.Metadata
	if md == nil {
		md = map[string]any{}
	}
	if metadata, err = json.Marshal(md); err != nil {
		return nil, nil, nil, fmt.Errorf("agreement: marshal metadata: %w", err)
	}
	return values, signers, metadata, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	a, err := scanAgreementRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, err
	}
	return a, nil
}

func scanAgreementRow(row pgx.Row) (Agreement, error) {
	var (
		a          Agreement
		envelopeID *string
		values     []byte
		signers    []byte
		metadata   []byte
	)
	if err := row.Scan(&a.ID, &a.TemplateID, &envelopeID, &a.Status, &values, &signers, &metadata, &a.LastChecked, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, pgx.ErrNoRows
		}
		return Agreement{}, fmt.Errorf("agreement: scan: %w", err)
	}
	if envelopeID != nil {
		a.EnvelopeID = *envelopeID
	}
	if err := json.Unmarshal(values, &a.CurrentValues); err != nil {
		return Agreement{}, fmt.Errorf("agreement: decode current values: %w", err)
	}
	if err := json.Unmarshal(signers, &a.Signers); err != nil {
		return Agreement{}, fmt.Errorf("agreement: decode signers: %w", err)
	}
	if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
		return Agreement{}, fmt.Errorf("agreement: decode metadata: %w", err)
	}
	return a, nil
}
