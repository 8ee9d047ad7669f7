package template

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

// Insert creates a template row inside the active transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, t Template) (Template, error) {
	fields, err := json.Marshal(t.DynamicFields)
	if err != nil {
		return Template{}, fmt.Errorf("template: marshal fields: %w", err)
	}

	const insertSQL = `
INSERT INTO templates (name, description, provider_template_id, dynamic_fields)
VALUES ($1, $2, $3, $4::jsonb)
RETURNING id, created_at, updated_at
`
	rec := t
	if err := tx.QueryRow(ctx, insertSQL, t.Name, t.Description, t.ProviderTemplateID, fields).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Template{}, fmt.Errorf("template: insert: %w", err)
	}
	return rec, nil
}

// Get loads one template. Pass a pool for plain reads or a tx when the row
// must be read under the caller's isolation.
func (r *Repository) Get(ctx context.Context, q Querier, id string) (Template, error) {
	const query = `
SELECT id, name, description, provider_template_id, dynamic_fields, created_at, updated_at
FROM templates
WHERE id = $1
`
	return scanTemplate(q.QueryRow(ctx, query, id))
}

// GetForUpdate loads one template with a row lock held for the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Template, error) {
	const query = `
SELECT id, name, description, provider_template_id, dynamic_fields, created_at, updated_at
FROM templates
WHERE id = $1
FOR UPDATE
`
	return scanTemplate(tx.QueryRow(ctx, query, id))
}

func scanTemplate(row pgx.Row) (Template, error) {
	var (
		t      Template
		fields []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.ProviderTemplateID, &fields, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Template{}, ErrNotFound
		}
		return Template{}, fmt.Errorf("template: load: %w", err)
	}
	if err := json.Unmarshal(fields, &t.DynamicFields); err != nil {
		return Template{}, fmt.Errorf("template: decode fields: %w", err)
	}
	return t, nil
}

// List returns all templates, newest first.
func (r *Repository) List(ctx context.Context, q Querier) ([]Template, error) {
	const query = `
SELECT id, name, description, provider_template_id, dynamic_fields, created_at, updated_at
FROM templates
ORDER BY created_at DESC
`
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("template: list: %w", err)
	}
	defer rows.Close()

	templates := []Template{}
	for rows.Next() {
		var (
			t      Template
			fields []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.ProviderTemplateID, &fields, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("template: scan: %w", err)
		}
		if err := json.Unmarshal(fields, &t.DynamicFields); err != nil {
			return nil, fmt.Errorf("template: decode fields: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// Update rewrites the mutable columns inside the active transaction.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, t Template) error {
	fields, err := json.Marshal(t.DynamicFields)
	if err != nil {
		return fmt.Errorf("template: marshal fields: %w", err)
	}

	const updateSQL = `
UPDATE templates
SET name = $1,
    description = $2,
    provider_template_id = $3,
    dynamic_fields = $4::jsonb,
    updated_at = now()
WHERE id = $5
`
	tag, err := tx.Exec(ctx, updateSQL, t.Name, t.Description, t.ProviderTemplateID, fields, t.ID)
	if err != nil {
		return fmt.Errorf("template: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the template row inside the active transaction.
func (r *Repository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("template: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountNonDraftReferences counts agreements past draft that reference the
// template; a non-zero count freezes its dynamic fields.
func (r *Repository) CountNonDraftReferences(ctx context.Context, q Querier, templateID string) (int, error) {
	const query = `SELECT COUNT(*) FROM agreements WHERE template_id = $1 AND status <> 'draft'`
	var count int
	if err := q.QueryRow(ctx, query, templateID).Scan(&count); err != nil {
		return 0, fmt.Errorf("template: count references: %w", err)
	}
	return count, nil
}

// CountReferences counts every agreement referencing the template, drafts
// included; a non-zero count blocks deletion.
func (r *Repository) CountReferences(ctx context.Context, q Querier, templateID string) (int, error) {
	const query = `SELECT COUNT(*) FROM agreements WHERE template_id = $1`
	var count int
	if err := q.QueryRow(ctx, query, templateID).Scan(&count); err != nil {
		return 0, fmt.Errorf("template: count references: %w", err)
	}
	return count, nil
}
