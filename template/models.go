package template

import (
	"errors"
	"fmt"
	"time"

	"docuflow/threshold"
)

var (
	// ErrNotFound is returned when no template row exists for the identifier.
	ErrNotFound = errors.New("template: not found")
	// ErrTemplateInUse rejects dynamic-field changes on templates referenced
	// by agreements that already left draft, and deletion of templates with
	// any referencing agreement at all.
	ErrTemplateInUse = errors.New("template: in use by agreements")
	// ErrInvalidField rejects descriptors outside the closed source/operator sets.
	ErrInvalidField = errors.New("template: invalid dynamic field")
)

// SourceKind is the closed set of external feeds a dynamic field can read.
type SourceKind string

const (
	KindPrice   SourceKind = "price"
	KindIoT     SourceKind = "iot"
	KindWeather SourceKind = "weather"
)

// ParseSourceKind validates a raw kind string against the closed set.
func ParseSourceKind(raw string) (SourceKind, error) {
	switch kind := SourceKind(raw); kind {
	case KindPrice, KindIoT, KindWeather:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown source kind %q", ErrInvalidField, raw)
	}
}

// FieldDescriptor declares where a dynamic field's value comes from and,
// optionally, the threshold it is monitored against.
type FieldDescriptor struct {
	Kind      SourceKind         `json:"type"`
	Source    string             `json:"source"`
	Path      string             `json:"path"`
	Threshold *float64           `json:"threshold,omitempty"`
	Operator  threshold.Operator `json:"operator,omitempty"`
}

// Monitored reports whether the field carries a complete threshold rule.
func (f FieldDescriptor) Monitored() bool {
	return f.Threshold != nil && f.Operator != ""
}

// Template is a reusable document definition with dynamic fields.
type Template struct {
	ID                 string
	Name               string
	Description        string
	ProviderTemplateID string
	DynamicFields      map[string]FieldDescriptor
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ValidateFields rejects descriptors that fall outside the closed unions at
// configuration-load time rather than at evaluation time.
func ValidateFields(fields map[string]FieldDescriptor) error {
	for name, f := range fields {
		if name == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidField)
		}
		if _, err := ParseSourceKind(string(f.Kind)); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		if f.Source == "" {
			return fmt.Errorf("%w: field %q missing source", ErrInvalidField, name)
		}
		if f.Path == "" {
			return fmt.Errorf("%w: field %q missing extraction path", ErrInvalidField, name)
		}
		if (f.Threshold == nil) != (f.Operator == "") {
			return fmt.Errorf("%w: field %q must set threshold and operator together", ErrInvalidField, name)
		}
		if f.Operator != "" {
			if _, err := threshold.ParseOperator(string(f.Operator)); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
	}
	return nil
}

// snapshot flattens a template into the audit changes shape.
func snapshot(t Template) map[string]any {
	fields := make(map[string]any, len(t.DynamicFields))
	for name, f := range t.DynamicFields {
		fields[name] = f
	}
	return map[string]any{
		"name":                 t.Name,
		"description":          t.Description,
		"provider_template_id": t.ProviderTemplateID,
		"dynamic_fields":       fields,
	}
}
