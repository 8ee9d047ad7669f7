package agreement

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no agreement row exists for the identifier.
	ErrNotFound = errors.New("agreement: not found")
	// ErrInvalidTransition signals a lifecycle move the state machine forbids.
	ErrInvalidTransition = errors.New("agreement: invalid state transition")
	// ErrPaymentRequired blocks sending while an attached payment is unsettled.
	ErrPaymentRequired = errors.New("agreement: payment required before sending")
	// ErrSignerRevert rejects moving a signer out of a terminal signing state.
	ErrSignerRevert = errors.New("agreement: signer status cannot revert")
	// ErrUndeclaredField rejects value refreshes for fields the owning
	// template never declared.
	ErrUndeclaredField = errors.New("agreement: value for undeclared dynamic field")
)

// Status is the lifecycle state of an agreement.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusSent    Status = "sent"
	StatusSigned  Status = "signed"
	StatusExpired Status = "expired"
	StatusVoided  Status = "voided"
)

// Terminal reports whether the status admits no further transitions.
// Agreements are never deleted; voided and expired are the soft-terminal ends.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusVoided
}

// CanTransition is the transition table. It answers only whether the move is
// structurally allowed; preconditions (settled payment before send) are
// checked by the lifecycle service.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusSent:
		return from == StatusDraft
	case StatusSigned:
		return from == StatusSent
	case StatusVoided:
		return from == StatusDraft || from == StatusSent || from == StatusSigned
	case StatusExpired:
		return !from.Terminal()
	default:
		return false
	}
}

// SignerStatus tracks one signer's progress. Transitions are monotonic:
// pending may become signed or declined, neither ever reverts.
type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerSigned   SignerStatus = "signed"
	SignerDeclined SignerStatus = "declined"
)

// Signer is one party on the agreement. Phone is optional; when present the
// signer also receives SMS notifications.
type Signer struct {
	Email  string       `json:"email"`
	Name   string       `json:"name"`
	Role   string       `json:"role"`
	Phone  string       `json:"phone,omitempty"`
	Status SignerStatus `json:"status"`
}

// Agreement is a contractual document instance tracked through the signing
// lifecycle, with dynamic values refreshed from external feeds.
type Agreement struct {
	ID            string
	TemplateID    string
	EnvelopeID    string
	Status        Status
	CurrentValues map[string]any
	Signers       []Signer
	Metadata      map[string]any
	LastChecked   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Metadata keys for the payment flow.
const (
	MetaPaymentAmount   = "paymentAmount"
	MetaPaymentStatus   = "paymentStatus"
	MetaPaymentIntentID = "paymentIntentId"
)

// PaymentRequired reports whether a payment amount is attached to the
// agreement's metadata.
func (a Agreement) PaymentRequired() bool {
	_, ok := a.Metadata[MetaPaymentAmount]
	return ok
}

// PaymentSettled reports whether the attached payment has been paid.
func (a Agreement) PaymentSettled() bool {
	status, _ := a.Metadata[MetaPaymentStatus].(string)
	return status == "paid"
}

// MergeMetadata copies entries into the agreement's metadata map, allocating
// it if needed.
func (a *Agreement) MergeMetadata(extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if a.Metadata == nil {
		a.Metadata = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		a.Metadata[k] = v
	}
}
