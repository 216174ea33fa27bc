package workflow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghantakiran/ShieldOps-sub002/internal/approval"
	"github.com/ghantakiran/ShieldOps-sub002/internal/audit"
	"github.com/ghantakiran/ShieldOps-sub002/internal/connector"
	"github.com/ghantakiran/ShieldOps-sub002/internal/lease"
	"github.com/ghantakiran/ShieldOps-sub002/internal/metrics"
	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
	"github.com/ghantakiran/ShieldOps-sub002/internal/notify"
	"github.com/ghantakiran/ShieldOps-sub002/internal/risk"
	"github.com/ghantakiran/ShieldOps-sub002/internal/snapshot"
	"github.com/ghantakiran/ShieldOps-sub002/internal/store"
)

type fakePolicy struct {
	mu    sync.Mutex
	allow bool
	deny  []string
	err   error
	calls int
}

func (f *fakePolicy) Evaluate(_ context.Context, _ *model.Action, _ model.RiskLevel) (*model.PolicyDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.PolicyDecision{
		Allowed:     f.allow,
		Reasons:     f.deny,
		EvaluatedAt: time.Now().UTC(),
	}, nil
}

type testHarness struct {
	engine    *Engine
	store     store.RecordStore
	conn      *connector.Fake
	policy    *fakePolicy
	approvals *approval.Manager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.New(prometheus.NewRegistry())
	st := store.NewMemoryStore(logger)
	notifier := notify.NewDispatcher(nil, time.Second, logger, m)
	trail := audit.NewTrail(st, nil, "", logger)
	conn := connector.NewFake()
	pol := &fakePolicy{allow: true}
	approvals := approval.NewManager(st, notifier, m, 5*time.Minute, time.Hour, logger)
	classifier := risk.NewClassifier(
		[]string{"delete", "destroy", "terminate"},
		map[string]int{string(model.EnvProduction): 5, string(model.EnvStaging): 10},
	)

	engine := NewEngine(Deps{
		Store:     st,
		Policy:    pol,
		Risk:      classifier,
		Approvals: approvals,
		Snapshots: snapshot.NewManager(st, conn, 0, logger),
		Leases:    lease.NewMemoryManager(logger),
		Connector: conn,
		Notifier:  notifier,
		Trail:     trail,
		Metrics:   m,
		Logger:    logger,
	}, Options{
		ExecutionTimeout:  5 * time.Second,
		ValidationTimeout: 2 * time.Second,
		RollbackTimeout:   5 * time.Second,
		LeaseWait:         200 * time.Millisecond,
		Chains: map[model.RiskLevel][]string{
			model.RiskHigh:     {"oncall-primary", "oncall-secondary"},
			model.RiskCritical: {"oncall-primary", "oncall-secondary", "eng-manager"},
		},
	})
	return &testHarness{engine: engine, store: st, conn: conn, policy: pol, approvals: approvals}
}

func (h *testHarness) waitState(t *testing.T, recordID string, want model.WorkflowState) *model.RemediationRecord {
	t.Helper()
	var rec *model.RemediationRecord
	require.Eventually(t, func() bool {
		got, err := h.store.GetRemediation(context.Background(), recordID)
		if err != nil {
			return false
		}
		rec = got
		return got.State == want
	}, 5*time.Second, 10*time.Millisecond, "record never reached %s", want)
	return rec
}

func stagingAction(t model.ActionType, resource string) *model.Action {
	a := model.NewAction(t, resource, model.EnvStaging, "tester")
	a.RiskHint = model.RiskMedium
	return a
}

func TestMediumRiskActionRunsToComplete(t *testing.T) {
	h := newHarness(t)
	h.conn.SeedResource("pod/web-1", map[string]any{"replicas": 3})

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionRestartPod, "pod/web-1"))
	require.NoError(t, err)

	assert.Equal(t, model.StateComplete, rec.State)
	assert.Equal(t, model.RiskMedium, rec.Risk)
	assert.Equal(t, model.ValidationHealthy, rec.Validation)
	assert.Empty(t, rec.ApprovalID, "medium risk must not require approval")
	assert.NotEmpty(t, rec.SnapshotID)
	assert.Equal(t, model.ResultSuccess, rec.Execution.Status)
	assert.Nil(t, rec.Rollback)

	// snapshot before execute, probe after
	calls := h.conn.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "capture:pod/web-1", calls[0])
	assert.Equal(t, "execute:restart_pod:pod/web-1", calls[1])
	assert.Equal(t, "probe:pod/web-1", calls[2])
}

func TestPolicyDenialIsTerminalAndNeverExecutes(t *testing.T) {
	h := newHarness(t)
	h.policy.allow = false
	h.policy.deny = []string{"change freeze in effect", "rate limit exceeded"}

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionRestartPod, "pod/web-1"))
	require.NoError(t, err)

	assert.Equal(t, model.StatePolicyDenied, rec.State)
	assert.False(t, rec.Policy.Allowed)
	assert.Equal(t, []string{"change freeze in effect", "rate limit exceeded"}, rec.Policy.Reasons)
	assert.Contains(t, rec.StateReason, "change freeze in effect")
	assert.Empty(t, h.conn.Calls(), "denied action must never touch the connector")
}

func TestPolicyUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.policy.err = model.ErrPolicyUnavailable

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionRestartPod, "pod/web-1"))
	require.NoError(t, err)

	assert.Equal(t, model.StatePolicyDenied, rec.State)
	assert.Equal(t, []string{"policy service unavailable"}, rec.Policy.Reasons)
	assert.Empty(t, h.conn.Calls())
}

func TestCriticalActionNeedsTwoDistinctApprovals(t *testing.T) {
	h := newHarness(t)
	action := model.NewAction(model.ActionRollbackDeployment, "deploy/api", model.EnvProduction, "tester")
	action.RiskHint = model.RiskCritical

	rec, err := h.engine.Submit(context.Background(), action)
	require.NoError(t, err)
	pending := h.waitState(t, rec.ID, model.StatePendingApproval)
	require.NotEmpty(t, pending.ApprovalID)

	// First approval: still pending.
	req, err := h.approvals.SubmitDecision(context.Background(), pending.ApprovalID, "alice", model.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, req.Status)
	got, err := h.store.GetRemediation(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingApproval, got.State)

	// Same identity again: rejected, not counted.
	_, err = h.approvals.SubmitDecision(context.Background(), pending.ApprovalID, "alice", model.DecisionApprove, "")
	assert.ErrorIs(t, err, model.ErrDuplicateApprover)

	// Second, distinct identity: workflow resumes through snapshot to terminal.
	_, err = h.approvals.SubmitDecision(context.Background(), pending.ApprovalID, "bob", model.DecisionApprove, "")
	require.NoError(t, err)

	final := h.waitState(t, rec.ID, model.StateComplete)
	assert.NotEmpty(t, final.SnapshotID)
	var passed []model.WorkflowState
	for _, step := range final.History {
		passed = append(passed, step.To)
	}
	assert.Contains(t, passed, model.StateSnapshotCreated)
	assert.Contains(t, passed, model.StateExecuting)
}

func TestSingleDenialTerminatesCriticalApproval(t *testing.T) {
	h := newHarness(t)
	action := model.NewAction(model.ActionRollbackDeployment, "deploy/api", model.EnvProduction, "tester")
	action.RiskHint = model.RiskCritical

	rec, err := h.engine.Submit(context.Background(), action)
	require.NoError(t, err)
	pending := h.waitState(t, rec.ID, model.StatePendingApproval)

	_, err = h.approvals.SubmitDecision(context.Background(), pending.ApprovalID, "alice", model.DecisionDeny, "too risky during peak")
	require.NoError(t, err)

	final := h.waitState(t, rec.ID, model.StateApprovalDenied)
	assert.Contains(t, final.StateReason, "too risky during peak")
	assert.Empty(t, h.conn.Calls(), "denied action must never execute")
}

func TestExecutionFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.conn.SeedResource("svc/cache", map[string]any{"version": "v1"})
	h.conn.ExecuteFunc = func(_ context.Context, _ *model.Action) (string, error) {
		return "", errors.New("connector exploded")
	}

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionRestartService, "svc/cache"))
	require.NoError(t, err)

	assert.Equal(t, model.StateRolledBack, rec.State)
	assert.True(t, rec.RollbackSucceeded)
	assert.Equal(t, model.ResultFailure, rec.Execution.Status)
	require.NotNil(t, rec.Rollback)
	assert.Equal(t, model.ResultSuccess, rec.Rollback.Status)
	assert.Equal(t, rec.SnapshotID, rec.Rollback.SnapshotID)
}

func TestUnhealthyValidationRollsBack(t *testing.T) {
	h := newHarness(t)
	h.conn.SeedResource("svc/cache", map[string]any{"version": "v1"})
	h.conn.ProbeHealthFunc = func(_ context.Context, _ string) error {
		return errors.New("5xx rate above threshold")
	}

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionRestartService, "svc/cache"))
	require.NoError(t, err)

	assert.Equal(t, model.StateRolledBack, rec.State)
	assert.True(t, rec.RollbackSucceeded)
	assert.Equal(t, model.ValidationUnhealthy, rec.Validation)
	assert.Equal(t, model.ResultSuccess, rec.Execution.Status)
	require.NotNil(t, rec.Rollback)
	assert.Equal(t, rec.SnapshotID, rec.Rollback.SnapshotID)

	var passed []model.WorkflowState
	for _, step := range rec.History {
		passed = append(passed, step.To)
	}
	assert.Contains(t, passed, model.StateValidating)
	assert.Contains(t, passed, model.StateRollingBack)
}

func TestRollbackFailureIsFlaggedForEscalation(t *testing.T) {
	h := newHarness(t)
	h.conn.ExecuteFunc = func(_ context.Context, _ *model.Action) (string, error) {
		return "", errors.New("execution blew up")
	}
	h.conn.RestoreStateFunc = func(_ context.Context, _ string, _ []byte) error {
		return errors.New("restore also blew up")
	}

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionRestartService, "svc/cache"))
	require.NoError(t, err)

	assert.Equal(t, model.StateRolledBack, rec.State)
	assert.False(t, rec.RollbackSucceeded)
	assert.True(t, rec.EscalationRequired)
	assert.Equal(t, model.ResultFailure, rec.Rollback.Status)
}

func TestSnapshotFailureBlocksMutatingExecution(t *testing.T) {
	h := newHarness(t)
	h.conn.CaptureStateFunc = func(_ context.Context, _ string) ([]byte, error) {
		return nil, errors.New("target unreachable")
	}

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionRestartService, "svc/cache"))
	require.NoError(t, err)

	assert.Equal(t, model.StateFailed, rec.State)
	assert.Contains(t, rec.StateReason, "snapshot capture failed")
	for _, call := range h.conn.Calls() {
		assert.NotContains(t, call, "execute", "mutating action must not execute without a snapshot")
	}
}

func TestNonMutatingActionSkipsSnapshot(t *testing.T) {
	h := newHarness(t)

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionCollectDiagnostics, "host/node-1"))
	require.NoError(t, err)

	assert.Equal(t, model.StateComplete, rec.State)
	assert.Empty(t, rec.SnapshotID)
	for _, call := range h.conn.Calls() {
		assert.NotContains(t, call, "capture")
	}
}

func TestNonMutatingFailureWithoutSnapshotIsDistinctTerminalFailure(t *testing.T) {
	h := newHarness(t)
	h.conn.ExecuteFunc = func(_ context.Context, _ *model.Action) (string, error) {
		return "", errors.New("probe script crashed")
	}

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionCollectDiagnostics, "host/node-1"))
	require.NoError(t, err)

	assert.Equal(t, model.StateFailed, rec.State)
	assert.Contains(t, rec.StateReason, "no snapshot available to roll back")
	assert.True(t, rec.EscalationRequired)
}

func TestSecondActionOnLockedResourceTimesOut(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	h.conn.ExecuteFunc = func(ctx context.Context, action *model.Action) (string, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	first, err := h.engine.Submit(context.Background(), stagingAction(model.ActionRestartService, "svc/shared"))
	require.NoError(t, err)
	<-started

	// Second workflow on the same resource cannot win the lease in time.
	second, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionRestartService, "svc/shared"))
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, second.State)
	assert.Contains(t, second.StateReason, "resource busy")

	close(release)
	h.waitState(t, first.ID, model.StateComplete)
}

func TestCancelBeforeExecutionIsHonored(t *testing.T) {
	h := newHarness(t)
	action := model.NewAction(model.ActionRollbackDeployment, "deploy/api", model.EnvProduction, "tester")
	action.RiskHint = model.RiskHigh

	rec, err := h.engine.Submit(context.Background(), action)
	require.NoError(t, err)
	pending := h.waitState(t, rec.ID, model.StatePendingApproval)

	require.NoError(t, h.engine.Cancel(context.Background(), rec.ID, "operator changed their mind"))

	// Approval lands after the cancel; the workflow must stop anyway.
	_, err = h.approvals.SubmitDecision(context.Background(), pending.ApprovalID, "alice", model.DecisionApprove, "")
	require.NoError(t, err)

	final := h.waitState(t, rec.ID, model.StateCanceled)
	assert.Contains(t, final.StateReason, "changed their mind")
	assert.Empty(t, h.conn.Calls())
}

func TestCancelDuringExecutionIsRefused(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	h.conn.ExecuteFunc = func(ctx context.Context, _ *model.Action) (string, error) {
		close(started)
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	rec, err := h.engine.Submit(context.Background(), stagingAction(model.ActionRestartService, "svc/cache"))
	require.NoError(t, err)
	<-started

	err = h.engine.Cancel(context.Background(), rec.ID, "too late")
	assert.ErrorIs(t, err, model.ErrCancelTooLate)

	close(release)
	h.waitState(t, rec.ID, model.StateComplete)
}

func TestManualRollbackOfCompletedRecord(t *testing.T) {
	h := newHarness(t)
	h.conn.SeedResource("deploy/api", map[string]any{"image": "v1"})

	rec, err := h.engine.SubmitAndWait(context.Background(), stagingAction(model.ActionScaleDeployment, "deploy/api"))
	require.NoError(t, err)
	require.Equal(t, model.StateComplete, rec.State)

	result, err := h.engine.TriggerRollback(context.Background(), rec.ID, "regression spotted", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result.Status)
	assert.Equal(t, rec.SnapshotID, result.SnapshotID)
	assert.Equal(t, "v1", h.conn.ResourceState("deploy/api")["image"])

	// Restore is idempotent: a second trigger observes the first outcome.
	again, err := h.engine.TriggerRollback(context.Background(), rec.ID, "double click", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, again.Status)
}

func TestManualRollbackRefusedForNonTerminalRecord(t *testing.T) {
	h := newHarness(t)
	action := model.NewAction(model.ActionRollbackDeployment, "deploy/api", model.EnvProduction, "tester")
	action.RiskHint = model.RiskHigh

	rec, err := h.engine.Submit(context.Background(), action)
	require.NoError(t, err)
	h.waitState(t, rec.ID, model.StatePendingApproval)

	_, err = h.engine.TriggerRollback(context.Background(), rec.ID, "nope", "alice")
	assert.Error(t, err)
}

func TestResumeMarksInterruptedExecutionFailed(t *testing.T) {
	h := newHarness(t)

	// Simulate a crash mid-execution: a persisted record stuck in executing.
	stuck := model.NewRemediationRecord(stagingAction(model.ActionRestartService, "svc/cache"))
	stuck.Transition(model.StateExecuting, "")
	require.NoError(t, h.store.SaveRemediation(context.Background(), stuck))

	require.NoError(t, h.engine.Resume(context.Background()))

	rec, err := h.store.GetRemediation(context.Background(), stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, rec.State)
	assert.True(t, rec.EscalationRequired)
	assert.Contains(t, rec.StateReason, "restarted")
}

func TestResumeReattachesPendingApproval(t *testing.T) {
	h := newHarness(t)
	action := model.NewAction(model.ActionRollbackDeployment, "deploy/api", model.EnvProduction, "tester")
	action.RiskHint = model.RiskHigh
	rec := model.NewRemediationRecord(action)
	rec.Risk = model.RiskHigh
	rec.Transition(model.StatePendingApproval, "high risk requires human approval")
	require.NoError(t, h.store.SaveRemediation(context.Background(), rec))

	req, err := h.approvals.RequestApproval(context.Background(), rec, []string{"oncall-primary"}, nil)
	require.NoError(t, err)
	rec.ApprovalID = req.ID
	require.NoError(t, h.store.SaveRemediation(context.Background(), rec))

	require.NoError(t, h.engine.Resume(context.Background()))

	// The re-attached callback resumes the workflow when the decision lands.
	_, err = h.approvals.SubmitDecision(context.Background(), req.ID, "oncall-primary", model.DecisionApprove, "")
	require.NoError(t, err)
	h.waitState(t, rec.ID, model.StateComplete)
}

func TestExpiredApprovalChainDeniesWorkflow(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := newHarness(t)

	// A manager with an immediate timeout drains the whole chain at once.
	m := metrics.New(prometheus.NewRegistry())
	fast := approval.NewManager(h.store, notify.NewDispatcher(nil, time.Second, logger, m), m, time.Millisecond, time.Hour, logger)
	h.engine.deps.Approvals = fast

	action := model.NewAction(model.ActionRollbackDeployment, "deploy/api", model.EnvProduction, "tester")
	action.RiskHint = model.RiskHigh
	rec, err := h.engine.Submit(context.Background(), action)
	require.NoError(t, err)
	h.waitState(t, rec.ID, model.StatePendingApproval)

	// One sweep per chain hop, then one more to expire the request.
	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		fast.CheckTimeouts(context.Background())
	}

	final := h.waitState(t, rec.ID, model.StateApprovalDenied)
	assert.Contains(t, final.StateReason, "expired")
	assert.Empty(t, h.conn.Calls())
}
