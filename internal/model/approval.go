package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle position of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDeniedBy ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the approval request accepts further decisions.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// Decision is a single approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Denial records who denied and why.
type Denial struct {
	Approver string    `json:"approver"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// ApprovalRequest tracks the human gate for one high-risk action. Each
// approver holds at most one live decision; submitting again overwrites
// the earlier one rather than double-counting.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	RecordID          string         `json:"record_id"`
	ActionID          string         `json:"action_id"`
	Status            ApprovalStatus `json:"status"`
	RequiredApprovals int            `json:"required_approvals"`
	Approvals         []string       `json:"approvals,omitempty"`
	Denials           []Denial       `json:"denials,omitempty"`
	Chain             []string       `json:"chain"`
	ChainPosition     int            `json:"chain_position"`
	RequestedAt       time.Time      `json:"requested_at"`
	TimeoutAt         time.Time      `json:"timeout_at"`
	ResolvedAt        time.Time      `json:"resolved_at,omitempty"`
}

// NewApprovalRequest opens a pending request for a record.
func NewApprovalRequest(recordID, actionID string, required int, timeout time.Duration) *ApprovalRequest {
	now := time.Now().UTC()
	return &ApprovalRequest{
		ID:                uuid.New().String(),
		RecordID:          recordID,
		ActionID:          actionID,
		Status:            ApprovalPending,
		RequiredApprovals: required,
		RequestedAt:       now,
		TimeoutAt:         now.Add(timeout),
	}
}

// HasApproved reports whether the approver already holds an approval.
func (a *ApprovalRequest) HasApproved(approver string) bool {
	for _, got := range a.Approvals {
		if got == approver {
			return true
		}
	}
	return false
}

// CurrentApprover returns the chain member the request is waiting on.
func (a *ApprovalRequest) CurrentApprover() string {
	if a.ChainPosition < 0 || a.ChainPosition >= len(a.Chain) {
		return ""
	}
	return a.Chain[a.ChainPosition]
}

// Clone returns a copy safe to hand across goroutines.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	c := *a
	if len(a.Approvals) > 0 {
		c.Approvals = make([]string, len(a.Approvals))
		copy(c.Approvals, a.Approvals)
	}
	if len(a.Denials) > 0 {
		c.Denials = make([]Denial, len(a.Denials))
		copy(c.Denials, a.Denials)
	}
	if len(a.Chain) > 0 {
		c.Chain = make([]string, len(a.Chain))
		copy(c.Chain, a.Chain)
	}
	return &c
}
