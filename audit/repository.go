package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists audit entries. Insert takes the caller's transaction so
// a mutation and its audit record commit or roll back together; a mutation
// whose audit write fails must not be considered committed.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert appends one entry inside the active transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.EntityID == "" {
		return fmt.Errorf("audit: missing entity id")
	}

	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("audit: marshal changes: %w", err)
	}

	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	const insertSQL = `
INSERT INTO audit_log (entity_type, entity_id, action, changes, metadata)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
`
	if _, err := tx.Exec(ctx, insertSQL, string(e.EntityType), e.EntityID, string(e.Action), changes, metaBytes); err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}

	return nil
}

// ListByEntity returns entries for one entity, newest first.
func (r *Repository) ListByEntity(ctx context.Context, pool *pgxpool.Pool, entityType EntityType, entityID string) ([]Entry, error) {
	const query = `
SELECT id, entity_type, entity_id, action, changes, metadata, created_at
FROM audit_log
WHERE entity_type = $1 AND entity_id = $2
ORDER BY created_at DESC
`
	rows, err := pool.Query(ctx, query, string(entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e        Entry
			changes  []byte
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &changes, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if err := json.Unmarshal(changes, &e.Changes); err != nil {
			return nil, fmt.Errorf("audit: decode changes: %w", err)
		}
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("audit: decode metadata: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
