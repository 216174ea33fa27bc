package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one immutable line in the decision trail. Every terminal
// workflow state and every finalized supervisor record produces one.
type AuditEntry struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	RefID   string         `json:"ref_id"`
	Actor   string         `json:"actor,omitempty"`
	Event   string         `json:"event"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

const (
	AuditKindRemediation = "remediation"
	AuditKindSupervisor  = "supervisor"
	AuditKindApproval    = "approval"
)

// NewAuditEntry stamps a new entry.
func NewAuditEntry(kind, refID, event string) *AuditEntry {
	return &AuditEntry{
		ID:    uuid.New().String(),
		Kind:  kind,
		RefID: refID,
		Event: event,
		At:    time.Now().UTC(),
	}
}
