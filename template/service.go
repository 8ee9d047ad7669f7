package template

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"docuflow/audit"
)

// Service owns template CRUD. Every mutation commits alongside exactly one
// audit entry; if the audit write fails the mutation rolls back with it.
type Service struct {
	pool      *pgxpool.Pool
	repo      *Repository
	auditRepo *audit.Repository
}

func NewService(pool *pgxpool.Pool, repo *Repository, auditRepo *audit.Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if auditRepo == nil {
		auditRepo = audit.NewRepository()
	}
	return &Service{pool: pool, repo: repo, auditRepo: auditRepo}
}

type CreateParams struct {
	Name               string
	Description        string
	ProviderTemplateID string
	DynamicFields      map[string]FieldDescriptor
}

// UpdateParams carries partial updates; nil fields are left unchanged.
type UpdateParams struct {
	Name          *string
	Description   *string
	DynamicFields map[string]FieldDescriptor
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Template, error) {
	if params.Name == "" {
		return Template{}, fmt.Errorf("template: name required")
	}
	if params.ProviderTemplateID == "" {
		return Template{}, fmt.Errorf("template: provider template id required")
	}
	if err := ValidateFields(params.DynamicFields); err != nil {
		return Template{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Template{}, fmt.Errorf("template: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Insert(ctx, tx, Template{
		Name:               params.Name,
		Description:        params.Description,
		ProviderTemplateID: params.ProviderTemplateID,
		DynamicFields:      params.DynamicFields,
	})
	if err != nil {
		return Template{}, err
	}

	entry := audit.Entry{
		EntityType: audit.EntityTemplate,
		EntityID:   rec.ID,
		Action:     audit.ActionCreate,
		Changes:    audit.Changes{After: snapshot(rec)},
	}
	if err := s.auditRepo.Insert(ctx, tx, entry); err != nil {
		return Template{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Template{}, fmt.Errorf("template: commit: %w", err)
	}
	return rec, nil
}

func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (Template, error) {
	if params.DynamicFields != nil {
		if err := ValidateFields(params.DynamicFields); err != nil {
			return Template{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Template{}, fmt.Errorf("template: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Template{}, err
	}

	// Dynamic fields freeze once any agreement referencing the template has
	// left draft; values already captured by live agreements must stay
	// interpretable.
	if params.DynamicFields != nil {
		count, err := s.repo.CountNonDraftReferences(ctx, tx, id)
		if err != nil {
			return Template{}, err
		}
		if count > 0 {
			return Template{}, ErrTemplateInUse
		}
	}

	before := snapshot(current)
	next := current
	if params.Name != nil {
		next.Name = *params.Name
	}
	if params.Description != nil {
		next.Description = *params.Description
	}
	if params.DynamicFields != nil {
		next.DynamicFields = params.DynamicFields
	}

	if err := s.repo.Update(ctx, tx, next); err != nil {
		return Template{}, err
	}

	entry := audit.Entry{
		EntityType: audit.EntityTemplate,
		EntityID:   next.ID,
		Action:     audit.ActionUpdate,
		Changes:    audit.Changes{Before: before, After: snapshot(next)},
	}
	if err := s.auditRepo.Insert(ctx, tx, entry); err != nil {
		return Template{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Template{}, fmt.Errorf("template: commit: %w", err)
	}
	return next, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("template: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}

	// Any referencing agreement, draft or not, keeps the template alive; the
	// foreign key would reject the delete anyway.
	count, err := s.repo.CountReferences(ctx, tx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrTemplateInUse
	}

	if err := s.repo.Delete(ctx, tx, id); err != nil {
		return err
	}

	entry := audit.Entry{
		EntityType: audit.EntityTemplate,
		EntityID:   id,
		Action:     audit.ActionDelete,
		Changes:    audit.Changes{Before: snapshot(current)},
	}
	if err := s.auditRepo.Insert(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("template: commit: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Template, error) {
	return s.repo.Get(ctx, s.pool, id)
}

func (s *Service) List(ctx context.Context) ([]Template, error) {
	return s.repo.List(ctx, s.pool)
}
