package audit

import "time"

// EntityType identifies which aggregate an entry describes.
type EntityType string

const (
	EntityAgreement EntityType = "agreement"
	EntityTemplate  EntityType = "template"
)

// Action enumerates the state-affecting operations that produce entries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSend   Action = "send"
	ActionSign   Action = "sign"
	ActionVoid   Action = "void"
	ActionExpire Action = "expire"
)

// Changes captures before/after snapshots of the fields a mutation touched.
// Either side may be nil (create has no before, delete has no after).
type Changes struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// Entry is one immutable audit record. Entries are append-only: nothing in
// the codebase updates or deletes a row once written.
type Entry struct {
	ID         string
	EntityType EntityType
	EntityID   string
	Action     Action
	Changes    Changes
	Metadata   map[string]any
	CreatedAt  time.Time
}
