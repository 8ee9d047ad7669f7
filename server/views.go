package server

import (
	"time"

	"docuflow/agreement"
	"docuflow/template"
)

// View types keep the wire shape independent of the domain structs, which
// deliberately carry no JSON annotations.

type templateView struct {
	ID                 string                              `json:"id"`
	Name               string                              `json:"name"`
	Description        string                              `json:"description,omitempty"`
	ProviderTemplateID string                              `json:"providerTemplateId"`
	DynamicFields      map[string]template.FieldDescriptor `json:"dynamicFields"`
	CreatedAt          time.Time                           `json:"createdAt"`
	UpdatedAt          time.Time                           `json:"updatedAt"`
}

func toTemplateView(t template.Template) templateView {
	return templateView{
		ID:                 t.ID,
		Name:               t.Name,
		Description:        t.Description,
		ProviderTemplateID: t.ProviderTemplateID,
		DynamicFields:      t.DynamicFields,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

type agreementView struct {
	ID            string             `json:"id"`
	TemplateID    string             `json:"templateId"`
	EnvelopeID    string             `json:"envelopeId,omitempty"`
	Status        string             `json:"status"`
	CurrentValues map[string]any     `json:"currentValues"`
	Signers       []agreement.Signer `json:"signers"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	LastChecked   *time.Time         `json:"lastChecked,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func toAgreementView(a agreement.Agreement) agreementView {
	return agreementView{
		ID:            a.ID,
		TemplateID:    a.TemplateID,
		EnvelopeID:    a.EnvelopeID,
		Status:        string(a.Status),
		CurrentValues: a.CurrentValues,
		Signers:       a.Signers,
		Metadata:      a.Metadata,
		LastChecked:   a.LastChecked,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func toAgreementViews(list []agreement.Agreement) []agreementView {
	out := make([]agreementView, len(list))
	for i, a := range list {
		out[i] = toAgreementView(a)
	}
	return out
}
