package model

import "errors"

// Workflow failure classes. Handlers pick recovery paths with errors.Is,
// so every failure surfaced by the engine wraps one of these.
var (
	// ErrPolicyUnavailable means the policy service could not answer and
	// the gate failed closed.
	ErrPolicyUnavailable = errors.New("policy service unavailable")

	// ErrPolicyDenied is the business outcome of an explicit deny.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrApprovalTimeout means the escalation chain expired with no verdict.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrApprovalDenied means a human said no.
	ErrApprovalDenied = errors.New("approval denied")

	// ErrSnapshotFailed means pre-state capture failed for a mutating
	// action, which blocks execution entirely.
	ErrSnapshotFailed = errors.New("snapshot capture failed")

	// ErrExecutionFailed triggers automatic rollback.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrValidationFailed means post-execution health checks failed and
	// triggers automatic rollback.
	ErrValidationFailed = errors.New("validation failed")

	// ErrRollbackFailed means the system may be in an inconsistent state
	// and a human must be paged.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrResourceBusy means the per-resource lease could not be obtained
	// in time. Retryable.
	ErrResourceBusy = errors.New("resource busy")

	// ErrCancelTooLate means cancellation arrived at or after the
	// executing state.
	ErrCancelTooLate = errors.New("cancellation refused: execution already started")

	// ErrApprovalClosed means a decision arrived for a request already in
	// a terminal status.
	ErrApprovalClosed = errors.New("approval request already resolved")

	// ErrDuplicateApprover means the second approval on a two-person
	// request came from the first approver's identity.
	ErrDuplicateApprover = errors.New("second approval must come from a different approver")

	// ErrUnknownWorker means classification produced a worker type with no
	// registered handler.
	ErrUnknownWorker = errors.New("no worker registered for type")

	// ErrNotFound is shared by all stores.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEvent means the supervisor has already run this event ID.
	ErrDuplicateEvent = errors.New("event already processed")
)
