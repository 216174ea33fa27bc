package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowState is the lifecycle position of a remediation record.
type WorkflowState string

const (
	StateSubmitted       WorkflowState = "submitted"
	StatePolicyDenied    WorkflowState = "policy_denied"
	StateRiskAssessed    WorkflowState = "risk_assessed"
	StatePendingApproval WorkflowState = "pending_approval"
	StateApprovalDenied  WorkflowState = "approval_denied"
	StateSnapshotCreated WorkflowState = "snapshot_created"
	StateExecuting       WorkflowState = "executing"
	StateValidating      WorkflowState = "validating"
	StateRollingBack     WorkflowState = "rolling_back"
	StateRolledBack      WorkflowState = "rolled_back"
	StateComplete        WorkflowState = "complete"
	StateFailed          WorkflowState = "failed"
	StateCanceled        WorkflowState = "canceled"
)

var terminalStates = map[WorkflowState]bool{
	StatePolicyDenied:   true,
	StateApprovalDenied: true,
	StateRolledBack:     true,
	StateComplete:       true,
	StateFailed:         true,
	StateCanceled:       true,
}

// Terminal reports whether the state admits no further transitions.
func (s WorkflowState) Terminal() bool {
	return terminalStates[s]
}

// PolicyDecision is the outcome of one policy evaluation. Decisions are
// never mutated after creation; re-evaluation produces a new decision.
type PolicyDecision struct {
	Allowed     bool      `json:"allowed"`
	Reasons     []string  `json:"reasons,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// ValidationOutcome is the post-execution health verdict.
type ValidationOutcome string

const (
	ValidationHealthy   ValidationOutcome = "healthy"
	ValidationUnhealthy ValidationOutcome = "unhealthy"
	ValidationSkipped   ValidationOutcome = "skipped"
)

// ExecutionResult captures one connector execution attempt.
type ExecutionResult struct {
	Status     string        `json:"status"`
	Output     string        `json:"output,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// RollbackResult captures one restore attempt against a snapshot.
type RollbackResult struct {
	Status     string    `json:"status"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// RemediationRecord is the aggregate root for one action's journey through
// the workflow. Records persist across restarts; once a record reaches a
// terminal state it is never modified again.
type RemediationRecord struct {
	ID                 string             `json:"id"`
	Action             *Action            `json:"action"`
	State              WorkflowState      `json:"state"`
	StateReason        string             `json:"state_reason,omitempty"`
	Policy             *PolicyDecision    `json:"policy,omitempty"`
	Risk               RiskLevel          `json:"risk,omitempty"`
	ApprovalID         string             `json:"approval_id,omitempty"`
	SnapshotID         string             `json:"snapshot_id,omitempty"`
	Execution          *ExecutionResult   `json:"execution,omitempty"`
	Validation         ValidationOutcome  `json:"validation,omitempty"`
	Rollback           *RollbackResult    `json:"rollback,omitempty"`
	RollbackSucceeded  bool               `json:"rollback_succeeded"`
	EscalationRequired bool               `json:"escalation_required"`
	SupervisorID       string             `json:"supervisor_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	History            []StateTransition  `json:"history,omitempty"`
}

// StateTransition is one audit step in a record's history.
type StateTransition struct {
	From   WorkflowState `json:"from"`
	To     WorkflowState `json:"to"`
	Reason string        `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}

// NewRemediationRecord starts a record in the submitted state.
func NewRemediationRecord(action *Action) *RemediationRecord {
	now := time.Now().UTC()
	return &RemediationRecord{
		ID:        uuid.New().String(),
		Action:    action,
		State:     StateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the record to a new state and appends the step to its
// history. Callers must hold whatever lock guards the record.
func (r *RemediationRecord) Transition(to WorkflowState, reason string) {
	now := time.Now().UTC()
	r.History = append(r.History, StateTransition{From: r.State, To: to, Reason: reason, At: now})
	r.State = to
	r.StateReason = reason
	r.UpdatedAt = now
}

// Terminal reports whether the record has finished.
func (r *RemediationRecord) Terminal() bool {
	return r.State.Terminal()
}

// Clone returns a copy safe to hand across goroutines. Sub-documents
// (action, policy, results) are written once and shared; only the mutable
// history slice is copied.
func (r *RemediationRecord) Clone() *RemediationRecord {
	c := *r
	if len(r.History) > 0 {
		c.History = make([]StateTransition, len(r.History))
		copy(c.History, r.History)
	}
	return &c
}
