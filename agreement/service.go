package agreement

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"docuflow/audit"
	"docuflow/template"
)

// Service owns agreement creation and reads. Mutations after creation go
// through Lifecycle.
type Service struct {
	pool      *pgxpool.Pool
	repo      *Repository
	templates *template.Repository
	auditRepo *audit.Repository
}

func NewService(pool *pgxpool.Pool, repo *Repository, templates *template.Repository, auditRepo *audit.Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if templates == nil {
		templates = template.NewRepository()
	}
	if auditRepo == nil {
		auditRepo = audit.NewRepository()
	}
	return &Service{pool: pool, repo: repo, templates: templates, auditRepo: auditRepo}
}

type CreateParams struct {
	TemplateID string
	Signers    []Signer
	Metadata   map[string]any
}

// Create inserts a draft agreement referencing an existing template, with its
// create-action audit entry in the same transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (Agreement, error) {
	if params.TemplateID == "" {
		return Agreement{}, fmt.Errorf("agreement: template id required")
	}
	if len(params.Signers) == 0 {
		return Agreement{}, fmt.Errorf("agreement: at least one signer required")
	}
	signers := make([]Signer, len(params.Signers))
	for i, signer := range params.Signers {
		if signer.Email == "" || signer.Name == "" {
			return Agreement{}, fmt.Errorf("agreement: signer email and name required")
		}
		signer.Status = SignerPending
		signers[i] = signer
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.templates.Get(ctx, tx, params.TemplateID); err != nil {
		return Agreement{}, err
	}

	rec, err := s.repo.Insert(ctx, tx, Agreement{
		TemplateID:    params.TemplateID,
		Status:        StatusDraft,
		CurrentValues: map[string]any{},
		Signers:       signers,
		Metadata:      params.Metadata,
	})
	if err != nil {
		return Agreement{}, err
	}

	entry := audit.Entry{
		EntityType: audit.EntityAgreement,
		EntityID:   rec.ID,
		Action:     audit.ActionCreate,
		Changes: audit.Changes{After: map[string]any{
			"template_id": rec.TemplateID,
			"status":      string(rec.Status),
			"signers":     rec.Signers,
		}},
	}
	if err := s.auditRepo.Insert(ctx, tx, entry); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit: %w", err)
	}
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (Agreement, error) {
	return s.repo.Get(ctx, s.pool, id)
}

func (s *Service) GetByEnvelope(ctx context.Context, envelopeID string) (Agreement, error) {
	return s.repo.GetByEnvelope(ctx, s.pool, envelopeID)
}

// GetWithTemplate loads an agreement and its owning template together.
func (s *Service) GetWithTemplate(ctx context.Context, id string) (Agreement, template.Template, error) {
	a, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return Agreement{}, template.Template{}, err
	}
	tmpl, err := s.templates.Get(ctx, s.pool, a.TemplateID)
	if err != nil {
		return Agreement{}, template.Template{}, err
	}
	return a, tmpl, nil
}

func (s *Service) List(ctx context.Context, filters ListFilters) ([]Agreement, error) {
	return s.repo.List(ctx, s.pool, filters)
}

// ListNonTerminalIDs feeds the recurring data-sync scan.
func (s *Service) ListNonTerminalIDs(ctx context.Context) ([]string, error) {
	return s.repo.ListNonTerminalIDs(ctx, s.pool)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
