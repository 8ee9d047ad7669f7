package agreement

import (
	"context"
	"fmt"
	"log/slog"

	"docuflow/datasync"
	"docuflow/template"
	"docuflow/threshold"
)

// Loader resolves an agreement together with its owning template.
type Loader interface {
	GetWithTemplate(ctx context.Context, id string) (Agreement, template.Template, error)
}

// DataSource is the read-through cache over the external feeds.
type DataSource interface {
	Get(ctx context.Context, kind template.SourceKind, sourceID string) (map[string]any, error)
}

// Refresher applies synced values under the audit discipline.
type Refresher interface {
	ApplyValueRefresh(ctx context.Context, agreementID string, updates map[string]any, declared map[string]struct{}) (Agreement, error)
}

// Breach describes one threshold hit for notification fan-out.
type Breach struct {
	AgreementID string
	Field       string
	Value       float64
	Threshold   float64
	Operator    threshold.Operator
}

// BreachNotifier enqueues a threshold-breach notification job.
type BreachNotifier interface {
	NotifyBreach(ctx context.Context, b Breach) error
}

// Checker runs one monitoring cycle over an agreement's dynamic fields:
// fetch, extract, evaluate, notify on breach, and record the refreshed
// values. Field-level failures are logged and skipped so one broken feed
// does not starve the rest of the cycle.
type Checker struct {
	loader    Loader
	source    DataSource
	refresher Refresher
	notifier  BreachNotifier
	logger    *slog.Logger
}

func NewChecker(loader Loader, source DataSource, refresher Refresher, notifier BreachNotifier, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{loader: loader, source: source, refresher: refresher, notifier: notifier, logger: logger}
}

// Check syncs every dynamic field of the agreement and reports whether any
// configured threshold breached. Breaches are not deduplicated across
// cycles: a value that stays past its threshold notifies again next cycle.
func (c *Checker) Check(ctx context.Context, agreementID string) (bool, error) {
	a, tmpl, err := c.loader.GetWithTemplate(ctx, agreementID)
	if err != nil {
		return false, err
	}

	declared := make(map[string]struct{}, len(tmpl.DynamicFields))
	updates := make(map[string]any, len(tmpl.DynamicFields))
	breached := false

	for name, field := range tmpl.DynamicFields {
		declared[name] = struct{}{}

		data, err := c.source.Get(ctx, field.Kind, field.Source)
		if err != nil {
			c.logger.Error("field sync failed", "agreement", a.ID, "field", name, "error", err)
			continue
		}

		raw, ok := datasync.Extract(data, field.Path)
		if !ok {
			c.logger.Error("extraction path missing", "agreement", a.ID, "field", name, "path", field.Path)
			continue
		}
		updates[name] = raw

		if !field.Monitored() {
			continue
		}

		value, err := threshold.ParseValue(raw)
		if err != nil {
			c.logger.Error("non-numeric field value", "agreement", a.ID, "field", name, "error", err)
			continue
		}
		hit, err := threshold.Evaluate(value, *field.Threshold, field.Operator)
		if err != nil {
			c.logger.Error("threshold evaluation failed", "agreement", a.ID, "field", name, "error", err)
			continue
		}
		if !hit {
			continue
		}

		breached = true
		c.logger.Info("threshold breached", "agreement", a.ID, "field", name, "value", value)
		breach := Breach{
			AgreementID: a.ID,
			Field:       name,
			Value:       value,
			Threshold:   *field.Threshold,
			Operator:    field.Operator,
		}
		if err := c.notifier.NotifyBreach(ctx, breach); err != nil {
			c.logger.Error("breach notification enqueue failed", "agreement", a.ID, "field", name, "error", err)
		}
	}

	if len(updates) > 0 {
		if _, err := c.refresher.ApplyValueRefresh(ctx, a.ID, updates, declared); err != nil {
			return breached, fmt.Errorf("agreement: apply refresh: %w", err)
		}
	}

	return breached, nil
}
