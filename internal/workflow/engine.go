// Package workflow runs the remediation state machine. Every submitted
// action travels policy → risk → (approval) → snapshot → lease → execute
// → validate, and every failure after execution begins is paired with a
// rollback attempt before the record goes terminal.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ghantakiran/ShieldOps-sub002/internal/approval"
	"github.com/ghantakiran/ShieldOps-sub002/internal/audit"
	"github.com/ghantakiran/ShieldOps-sub002/internal/connector"
	"github.com/ghantakiran/ShieldOps-sub002/internal/lease"
	"github.com/ghantakiran/ShieldOps-sub002/internal/metrics"
	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
	"github.com/ghantakiran/ShieldOps-sub002/internal/notify"
	"github.com/ghantakiran/ShieldOps-sub002/internal/risk"
	"github.com/ghantakiran/ShieldOps-sub002/internal/store"
)

// PolicyGate answers whether an action may run. Implemented by
// policy.Client; faked in tests.
type PolicyGate interface {
	Evaluate(ctx context.Context, action *model.Action, risk model.RiskLevel) (*model.PolicyDecision, error)
}

// RiskGrader grades one action. Implemented by risk.Classifier.
type RiskGrader interface {
	Classify(action *model.Action) risk.Assessment
}

// ApprovalGate opens and re-attaches human approval requests.
// Implemented by approval.Manager.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, rec *model.RemediationRecord, chain []string, fn approval.ResolutionFunc) (*model.ApprovalRequest, error)
	Attach(requestID string, fn approval.ResolutionFunc)
}

// SnapshotGate captures and restores resource state. Implemented by
// snapshot.Manager.
type SnapshotGate interface {
	Capture(ctx context.Context, action *model.Action) (string, error)
	Restore(ctx context.Context, snapshotID, resource string) error
}

// Deps are the collaborators the engine composes.
type Deps struct {
	Store     store.RecordStore
	Policy    PolicyGate
	Risk      RiskGrader
	Approvals ApprovalGate
	Snapshots SnapshotGate
	Leases    lease.Manager
	Connector connector.Connector
	Notifier  *notify.Dispatcher
	Trail     *audit.Trail
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Options tune the engine's timeouts and approval routing.
type Options struct {
	ExecutionTimeout  time.Duration
	ValidationTimeout time.Duration
	RollbackTimeout   time.Duration
	LeaseWait         time.Duration
	Chains            map[model.RiskLevel][]string
}

// Engine drives remediation records to a terminal state.
type Engine struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	cancels  map[string]string
	watchers map[string][]chan struct{}
}

// NewEngine wires the workflow engine.
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 2 * time.Minute
	}
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = 30 * time.Second
	}
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = 2 * time.Minute
	}
	if opts.LeaseWait <= 0 {
		opts.LeaseWait = time.Minute
	}
	return &Engine{
		deps:     deps,
		opts:     opts,
		cancels:  make(map[string]string),
		watchers: make(map[string][]chan struct{}),
	}
}

// Submit accepts an action, persists its record, and starts the workflow
// on its own goroutine. The returned record is a snapshot at submission.
func (e *Engine) Submit(ctx context.Context, action *model.Action) (*model.RemediationRecord, error) {
	rec := model.NewRemediationRecord(action)
	if err := e.deps.Store.SaveRemediation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist new record: %w", err)
	}
	e.deps.Metrics.IncSubmitted(string(action.Environment))
	e.deps.Logger.Info("remediation submitted",
		"record_id", rec.ID,
		"action", action.Type,
		"resource", action.TargetResource,
		"environment", action.Environment)

	go e.run(rec.Clone())
	return rec.Clone(), nil
}

// SubmitAndWait submits the action and blocks until the record reaches a
// terminal state or ctx expires. Used by the supervisor when chaining.
func (e *Engine) SubmitAndWait(ctx context.Context, action *model.Action) (*model.RemediationRecord, error) {
	rec, err := e.Submit(ctx, action)
	if err != nil {
		return nil, err
	}
	done := e.watch(rec.ID)
	select {
	case <-done:
		return e.deps.Store.GetRemediation(ctx, rec.ID)
	case <-ctx.Done():
		return nil, fmt.Errorf("record %s still in flight: %w", rec.ID, ctx.Err())
	}
}

// Cancel requests cancellation of a record that has not started executing.
// Once execution begins the workflow must run to a terminal state, so
// later requests get model.ErrCancelTooLate.
func (e *Engine) Cancel(ctx context.Context, recordID, reason string) error {
	rec, err := e.deps.Store.GetRemediation(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return fmt.Errorf("record %s already terminal in state %s", recordID, rec.State)
	}
	switch rec.State {
	case model.StateExecuting, model.StateValidating, model.StateRollingBack:
		return model.ErrCancelTooLate
	}
	e.mu.Lock()
	e.cancels[recordID] = reason
	e.mu.Unlock()
	e.deps.Logger.Info("cancellation requested", "record_id", recordID, "reason", reason)
	return nil
}

// TriggerRollback restores the pre-execution snapshot of a completed
// record on operator demand. The record itself stays immutable; the
// restore is audited separately and remains idempotent.
func (e *Engine) TriggerRollback(ctx context.Context, recordID, reason, requestedBy string) (*model.RollbackResult, error) {
	rec, err := e.deps.Store.GetRemediation(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.State != model.StateComplete {
		return nil, fmt.Errorf("record %s is %s; only completed records can be rolled back manually", recordID, rec.State)
	}
	if rec.SnapshotID == "" {
		return nil, fmt.Errorf("record %s has no snapshot to restore", recordID)
	}

	rbCtx, cancel := context.WithTimeout(ctx, e.opts.RollbackTimeout)
	defer cancel()
	restoreErr := e.deps.Snapshots.Restore(rbCtx, rec.SnapshotID, rec.Action.TargetResource)

	result := &model.RollbackResult{
		Status:     model.ResultSuccess,
		SnapshotID: rec.SnapshotID,
		FinishedAt: time.Now().UTC(),
	}
	if restoreErr != nil {
		result.Status = model.ResultFailure
		result.Error = restoreErr.Error()
	}
	e.deps.Metrics.IncRollback(result.Status)

	if err := e.deps.Trail.Record(ctx, model.AuditKindRemediation, rec.ID, "manual_rollback:"+result.Status, requestedBy, map[string]any{
		"reason":      reason,
		"snapshot_id": rec.SnapshotID,
	}); err != nil {
		e.deps.Logger.Error("failed to audit manual rollback", "record_id", rec.ID, "error", err)
	}
	if restoreErr != nil {
		return result, fmt.Errorf("manual rollback of %s: %w", recordID, restoreErr)
	}
	e.deps.Logger.Info("manual rollback completed",
		"record_id", rec.ID, "snapshot_id", rec.SnapshotID, "requested_by", requestedBy)
	return result, nil
}

// Resume recovers in-flight records after a restart. Pending approvals
// re-attach their resolution callbacks; anything that was past the point
// of no return is marked failed and escalated rather than silently lost.
func (e *Engine) Resume(ctx context.Context) error {
	active, err := e.deps.Store.ListActiveRemediations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active records: %w", err)
	}
	for _, rec := range active {
		switch rec.State {
		case model.StatePendingApproval:
			if rec.ApprovalID == "" {
				rec.Transition(model.StateFailed, "restart found no approval request attached")
				e.finish(ctx, rec)
				continue
			}
			e.deps.Approvals.Attach(rec.ApprovalID, e.approvalCallback(rec.ID))
			e.deps.Logger.Info("pending approval re-armed after restart",
				"record_id", rec.ID, "approval_id", rec.ApprovalID)

		case model.StateExecuting, model.StateValidating, model.StateRollingBack:
			rec.EscalationRequired = true
			rec.Transition(model.StateFailed,
				fmt.Sprintf("process restarted while %s; manual verification required", rec.State))
			e.finish(ctx, rec)

		default:
			rec.Transition(model.StateFailed, "process restarted before execution; resubmit to retry")
			e.finish(ctx, rec)
		}
	}
	return nil
}

// run carries a record from submitted up to the approval gate or, for
// low and medium risk, all the way through execution.
func (e *Engine) run(rec *model.RemediationRecord) {
	ctx := context.Background()

	if reason, ok := e.canceled(rec.ID); ok {
		rec.Transition(model.StateCanceled, reason)
		e.finish(ctx, rec)
		return
	}

	decision, err := e.deps.Policy.Evaluate(ctx, rec.Action, rec.Action.RiskHint)
	if err != nil {
		// Fail closed: no answer from the policy service is a denial.
		reason := "policy service unavailable"
		if !errors.Is(err, model.ErrPolicyUnavailable) {
			reason = fmt.Sprintf("policy evaluation error: %v", err)
		}
		rec.Policy = &model.PolicyDecision{
			Allowed:     false,
			Reasons:     []string{reason},
			EvaluatedAt: time.Now().UTC(),
		}
		e.deps.Metrics.PolicyDenials.Inc()
		rec.Transition(model.StatePolicyDenied, reason+"; failing closed")
		e.finish(ctx, rec)
		return
	}
	rec.Policy = decision
	if !decision.Allowed {
		e.deps.Metrics.PolicyDenials.Inc()
		rec.Transition(model.StatePolicyDenied, "denied by policy: "+strings.Join(decision.Reasons, "; "))
		e.finish(ctx, rec)
		return
	}

	assessment := e.deps.Risk.Classify(rec.Action)
	level := assessment.Level
	rec.Risk = level
	rec.Transition(model.StateRiskAssessed,
		fmt.Sprintf("classified %s: %s", level, strings.Join(assessment.Factors, "; ")))
	e.save(ctx, rec)

	if reason, ok := e.canceled(rec.ID); ok {
		rec.Transition(model.StateCanceled, reason)
		e.finish(ctx, rec)
		return
	}

	if level.AtLeast(model.RiskHigh) {
		rec.Transition(model.StatePendingApproval, fmt.Sprintf("%s risk requires human approval", level))

		req, err := e.deps.Approvals.RequestApproval(ctx, rec, e.chain(level), e.approvalCallback(rec.ID))
		if err != nil {
			rec.Transition(model.StateFailed, fmt.Sprintf("failed to open approval request: %v", err))
			e.finish(ctx, rec)
			return
		}
		// One save so the pending state and its request ID land together.
		rec.ApprovalID = req.ID
		e.save(ctx, rec)
		// Suspended. The approval callback resumes the workflow.
		return
	}

	e.proceed(rec)
}

// approvalCallback resumes a suspended record once its approval request
// resolves. The approval manager invokes it on a fresh goroutine.
func (e *Engine) approvalCallback(recordID string) approval.ResolutionFunc {
	return func(res approval.Resolution) {
		ctx := context.Background()
		rec, err := e.deps.Store.GetRemediation(ctx, recordID)
		if err != nil {
			e.deps.Logger.Error("approval resolved for unknown record", "record_id", recordID, "error", err)
			return
		}
		if rec.State != model.StatePendingApproval {
			return
		}
		switch res.Status {
		case model.ApprovalApproved:
			e.deps.Logger.Info("approval granted, resuming workflow",
				"record_id", rec.ID, "approval_id", res.Request.ID)
			e.proceed(rec)
		case model.ApprovalExpired:
			rec.Transition(model.StateApprovalDenied, "approval expired: "+res.Reason)
			e.finish(ctx, rec)
		default:
			rec.Transition(model.StateApprovalDenied, res.Reason)
			e.finish(ctx, rec)
		}
	}
}

// proceed runs the post-gate half of the machine: snapshot, lease,
// execute, validate, and rollback on any failure past execution.
func (e *Engine) proceed(rec *model.RemediationRecord) {
	ctx := context.Background()

	if reason, ok := e.canceled(rec.ID); ok {
		rec.Transition(model.StateCanceled, reason)
		e.finish(ctx, rec)
		return
	}

	if rec.Action.Type.Mutating() {
		snapID, err := e.deps.Snapshots.Capture(ctx, rec.Action)
		if err != nil {
			// Never execute an un-snapshotted mutating action.
			rec.Transition(model.StateFailed, fmt.Sprintf("snapshot capture failed: %v", err))
			e.finish(ctx, rec)
			return
		}
		rec.SnapshotID = snapID
		rec.Transition(model.StateSnapshotCreated, "pre-execution snapshot captured")
	} else {
		rec.Transition(model.StateSnapshotCreated, "snapshot skipped: non-mutating action")
	}
	e.save(ctx, rec)

	leaseCtx, cancelLease := context.WithTimeout(ctx, e.opts.LeaseWait)
	held, err := e.deps.Leases.Acquire(leaseCtx, rec.Action.TargetResource, rec.ID)
	cancelLease()
	if err != nil {
		rec.Transition(model.StateFailed,
			fmt.Sprintf("resource busy: %s is locked by another workflow; retry later", rec.Action.TargetResource))
		e.finish(ctx, rec)
		return
	}
	defer held.Release()

	// Last cancellation point. From here the workflow runs to terminal.
	if reason, ok := e.canceled(rec.ID); ok {
		rec.Transition(model.StateCanceled, reason)
		e.finish(ctx, rec)
		return
	}

	rec.Transition(model.StateExecuting, "")
	e.save(ctx, rec)

	execCtx, cancelExec := context.WithTimeout(ctx, e.opts.ExecutionTimeout)
	start := time.Now()
	output, execErr := e.deps.Connector.Execute(execCtx, rec.Action)
	cancelExec()

	rec.Execution = &model.ExecutionResult{
		Status:     model.ResultSuccess,
		Output:     output,
		Duration:   time.Since(start),
		FinishedAt: time.Now().UTC(),
	}
	if execErr != nil {
		rec.Execution.Status = model.ResultFailure
		rec.Execution.Error = execErr.Error()
		rec.Validation = model.ValidationSkipped
		e.rollback(ctx, rec, fmt.Sprintf("execution failed: %v", execErr))
		return
	}

	rec.Transition(model.StateValidating, "")
	e.save(ctx, rec)

	probeCtx, cancelProbe := context.WithTimeout(ctx, e.opts.ValidationTimeout)
	probeErr := e.deps.Connector.ProbeHealth(probeCtx, rec.Action.TargetResource)
	cancelProbe()
	if probeErr != nil {
		rec.Validation = model.ValidationUnhealthy
		e.rollback(ctx, rec, fmt.Sprintf("post-execution health check failed: %v", probeErr))
		return
	}

	rec.Validation = model.ValidationHealthy
	rec.Transition(model.StateComplete, "executed and validated healthy")
	e.finish(ctx, rec)
}

// rollback restores the pre-execution snapshot and settles the record.
// A record with no snapshot (a non-mutating action that still failed) is
// a distinct terminal failure, never a silent drop.
func (e *Engine) rollback(ctx context.Context, rec *model.RemediationRecord, cause string) {
	if rec.SnapshotID == "" {
		rec.EscalationRequired = true
		rec.Transition(model.StateFailed, cause+"; no snapshot available to roll back")
		e.finish(ctx, rec)
		return
	}

	rec.Transition(model.StateRollingBack, cause)
	e.save(ctx, rec)

	rbCtx, cancel := context.WithTimeout(ctx, e.opts.RollbackTimeout)
	restoreErr := e.deps.Snapshots.Restore(rbCtx, rec.SnapshotID, rec.Action.TargetResource)
	cancel()

	rec.Rollback = &model.RollbackResult{
		Status:     model.ResultSuccess,
		SnapshotID: rec.SnapshotID,
		FinishedAt: time.Now().UTC(),
	}
	if restoreErr != nil {
		rec.Rollback.Status = model.ResultFailure
		rec.Rollback.Error = restoreErr.Error()
		rec.RollbackSucceeded = false
		rec.EscalationRequired = true
		e.deps.Metrics.IncRollback(model.ResultFailure)
		rec.Transition(model.StateRolledBack, cause+"; rollback FAILED, resource may be inconsistent")
	} else {
		rec.RollbackSucceeded = true
		e.deps.Metrics.IncRollback(model.ResultSuccess)
		rec.Transition(model.StateRolledBack, cause+"; restored from snapshot")
	}
	e.finish(ctx, rec)
}

// finish settles a terminal record: persist, audit, count, notify when
// escalation is required, and wake any waiters.
func (e *Engine) finish(ctx context.Context, rec *model.RemediationRecord) {
	e.save(ctx, rec)
	e.deps.Metrics.IncFinished(string(rec.State))
	e.deps.Metrics.WorkflowDuration.Observe(time.Since(rec.CreatedAt).Seconds())

	if err := e.deps.Trail.Record(ctx, model.AuditKindRemediation, rec.ID, "terminal:"+string(rec.State), rec.Action.RequestedBy, map[string]any{
		"action":      string(rec.Action.Type),
		"resource":    rec.Action.TargetResource,
		"environment": string(rec.Action.Environment),
		"risk":        string(rec.Risk),
		"reason":      rec.StateReason,
	}); err != nil {
		e.deps.Logger.Error("failed to audit terminal record", "record_id", rec.ID, "error", err)
	}

	if rec.EscalationRequired {
		e.notifyEscalation(rec)
	}

	e.deps.Logger.Info("remediation finished",
		"record_id", rec.ID,
		"state", rec.State,
		"reason", rec.StateReason,
		"escalation_required", rec.EscalationRequired)

	e.mu.Lock()
	delete(e.cancels, rec.ID)
	waiters := e.watchers[rec.ID]
	delete(e.watchers, rec.ID)
	e.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// notifyEscalation pages a human. A failed rollback gets its own wording:
// it is the one outcome where infrastructure may be left inconsistent.
func (e *Engine) notifyEscalation(rec *model.RemediationRecord) {
	title := fmt.Sprintf("Remediation %s needs attention", rec.ID)
	if rec.State == model.StateRolledBack && !rec.RollbackSucceeded {
		title = fmt.Sprintf("ROLLBACK FAILED on %s, manual intervention required", rec.Action.TargetResource)
	}
	e.deps.Notifier.Notify(notify.Notification{
		Severity: notify.SeverityCritical,
		Title:    title,
		Body:     rec.StateReason,
		RecordID: rec.ID,
		Labels: map[string]string{
			"action":      string(rec.Action.Type),
			"resource":    rec.Action.TargetResource,
			"environment": string(rec.Action.Environment),
		},
	})
}

func (e *Engine) chain(level model.RiskLevel) []string {
	if chain, ok := e.opts.Chains[level]; ok {
		return chain
	}
	return e.opts.Chains[model.RiskHigh]
}

func (e *Engine) canceled(recordID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.cancels[recordID]
	return reason, ok
}

// watch returns a channel closed when the record goes terminal. A record
// already terminal gets an immediately closed channel.
func (e *Engine) watch(recordID string) <-chan struct{} {
	ch := make(chan struct{})
	rec, err := e.deps.Store.GetRemediation(context.Background(), recordID)
	if err == nil && rec.Terminal() {
		close(ch)
		return ch
	}
	e.mu.Lock()
	e.watchers[recordID] = append(e.watchers[recordID], ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) save(ctx context.Context, rec *model.RemediationRecord) {
	if err := e.deps.Store.SaveRemediation(ctx, rec); err != nil {
		e.deps.Logger.Error("failed to persist record", "record_id", rec.ID, "state", rec.State, "error", err)
	}
}
