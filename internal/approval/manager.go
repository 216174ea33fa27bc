// Package approval runs the human gate for high-risk actions: request
// creation, per-approver decisions, escalation chains, and timeouts.
// Workflows suspend by registering a resolution callback; no goroutine
// blocks while a request is pending.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ghantakiran/ShieldOps-sub002/internal/metrics"
	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
	"github.com/ghantakiran/ShieldOps-sub002/internal/notify"
	"github.com/ghantakiran/ShieldOps-sub002/internal/store"
)

// Resolution is the final verdict delivered to a waiting workflow.
type Resolution struct {
	Request *model.ApprovalRequest
	Status  model.ApprovalStatus
	Reason  string
}

// ResolutionFunc receives the verdict. It runs on its own goroutine.
type ResolutionFunc func(Resolution)

// Manager owns approval request state.
type Manager struct {
	store         store.RecordStore
	notifier      *notify.Dispatcher
	metrics       *metrics.Metrics
	logger        *slog.Logger
	timeout       time.Duration
	checkInterval time.Duration

	mu        sync.Mutex
	callbacks map[string]ResolutionFunc
}

// NewManager wires the approval manager.
func NewManager(st store.RecordStore, notifier *notify.Dispatcher, m *metrics.Metrics, timeout, checkInterval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:         st,
		notifier:      notifier,
		metrics:       m,
		logger:        logger,
		timeout:       timeout,
		checkInterval: checkInterval,
		callbacks:     make(map[string]ResolutionFunc),
	}
}

// RequestApproval opens a pending request for the record. Critical risk
// requires two distinct approvers; everything else one. The first chain
// member is notified immediately and fn fires when the request resolves.
func (m *Manager) RequestApproval(ctx context.Context, rec *model.RemediationRecord, chain []string, fn ResolutionFunc) (*model.ApprovalRequest, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("no escalation chain configured for %s risk", rec.Risk)
	}
	required := 1
	if rec.Risk == model.RiskCritical {
		required = 2
	}

	req := model.NewApprovalRequest(rec.ID, rec.Action.ID, required, m.timeout)
	req.Chain = chain

	if err := m.store.SaveApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save approval request: %w", err)
	}

	m.mu.Lock()
	if fn != nil {
		m.callbacks[req.ID] = fn
	}
	m.mu.Unlock()

	m.metrics.ApprovalsRequested.Inc()
	m.notifyApprover(req, rec.Action)
	m.logger.Info("approval requested",
		"approval_id", req.ID,
		"record_id", rec.ID,
		"action", rec.Action.Type,
		"risk", rec.Risk,
		"required_approvals", required,
		"approver", req.CurrentApprover())
	return req.Clone(), nil
}

// Attach re-registers a resolution callback, used when pending requests
// are re-armed after a restart.
func (m *Manager) Attach(requestID string, fn ResolutionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[requestID] = fn
}

// SubmitDecision applies one approver's verdict. Decisions are idempotent
// per approver: resubmitting overwrites rather than double-counting. A
// request already resolved returns model.ErrApprovalClosed unchanged. On
// a two-person request the second approval must come from a different
// identity; the same identity gets model.ErrDuplicateApprover and the
// request stays pending.
func (m *Manager) SubmitDecision(ctx context.Context, requestID, approver string, decision model.Decision, reason string) (*model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, model.ErrApprovalClosed
	}

	switch decision {
	case model.DecisionDeny:
		// One explicit no stops the action regardless of tier. A previous
		// approval by the same identity is superseded.
		m.removeApproval(req, approver)
		req.Denials = append(req.Denials, model.Denial{
			Approver: approver,
			Reason:   reason,
			At:       time.Now().UTC(),
		})
		m.resolveLocked(ctx, req, model.ApprovalDeniedBy, fmt.Sprintf("denied by %s: %s", approver, reason))
		return req.Clone(), nil

	case model.DecisionApprove:
		if req.HasApproved(approver) {
			return req.Clone(), model.ErrDuplicateApprover
		}
		req.Approvals = append(req.Approvals, approver)
		if len(req.Approvals) >= req.RequiredApprovals {
			m.resolveLocked(ctx, req, model.ApprovalApproved, fmt.Sprintf("approved by %v", req.Approvals))
			return req.Clone(), nil
		}
		if err := m.store.SaveApproval(ctx, req); err != nil {
			return nil, fmt.Errorf("failed to save approval request: %w", err)
		}
		m.logger.Info("partial approval recorded",
			"approval_id", req.ID,
			"approver", approver,
			"have", len(req.Approvals),
			"need", req.RequiredApprovals)
		return req.Clone(), nil

	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}
}

func (m *Manager) removeApproval(req *model.ApprovalRequest, approver string) {
	for i, got := range req.Approvals {
		if got == approver {
			req.Approvals = append(req.Approvals[:i], req.Approvals[i+1:]...)
			return
		}
	}
}

// CheckTimeouts advances expired pending requests: escalate along the
// chain or, when the chain is exhausted, expire the request, which
// downstream counts as a denial. Returns the requests it touched.
func (m *Manager) CheckTimeouts(ctx context.Context) []*model.ApprovalRequest {
	pending, err := m.store.ListPendingApprovals(ctx)
	if err != nil {
		m.logger.Error("failed to list pending approvals", "error", err)
		return nil
	}

	now := time.Now().UTC()
	var touched []*model.ApprovalRequest

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range pending {
		if now.Before(req.TimeoutAt) {
			continue
		}
		// Re-read under the lock; a decision may have landed since the list.
		current, err := m.store.GetApproval(ctx, req.ID)
		if err != nil || current.Status.Terminal() {
			continue
		}
		req = current

		if req.ChainPosition+1 < len(req.Chain) {
			req.ChainPosition++
			req.TimeoutAt = now.Add(m.timeout)
			if err := m.store.SaveApproval(ctx, req); err != nil {
				m.logger.Error("failed to save escalated approval", "approval_id", req.ID, "error", err)
				continue
			}
			m.metrics.ApprovalEscalations.Inc()
			m.notifyEscalation(req)
			m.logger.Info("approval escalated",
				"approval_id", req.ID,
				"chain_position", req.ChainPosition,
				"approver", req.CurrentApprover())
		} else {
			m.resolveLocked(ctx, req, model.ApprovalExpired, "escalation chain exhausted without a decision")
		}
		touched = append(touched, req.Clone())
	}
	return touched
}

// Run drives CheckTimeouts on a ticker until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	m.logger.Info("approval timeout driver started", "interval", m.checkInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("approval timeout driver stopped")
			return
		case <-ticker.C:
			m.CheckTimeouts(ctx)
		}
	}
}

// resolveLocked finishes a request and fires its callback. Callers hold
// m.mu.
func (m *Manager) resolveLocked(ctx context.Context, req *model.ApprovalRequest, status model.ApprovalStatus, reason string) {
	req.Status = status
	req.ResolvedAt = time.Now().UTC()
	if err := m.store.SaveApproval(ctx, req); err != nil {
		m.logger.Error("failed to save resolved approval", "approval_id", req.ID, "error", err)
	}

	fn := m.callbacks[req.ID]
	delete(m.callbacks, req.ID)

	m.logger.Info("approval resolved",
		"approval_id", req.ID,
		"record_id", req.RecordID,
		"status", status,
		"reason", reason)

	if fn != nil {
		res := Resolution{Request: req.Clone(), Status: status, Reason: reason}
		go fn(res)
	}
}

func (m *Manager) notifyApprover(req *model.ApprovalRequest, action *model.Action) {
	m.notifier.Notify(notify.Notification{
		Severity:  notify.SeverityWarning,
		Title:     fmt.Sprintf("Approval needed: %s on %s", action.Type, action.TargetResource),
		Body:      fmt.Sprintf("Environment %s. %d approval(s) required. Request %s.", action.Environment, req.RequiredApprovals, req.ID),
		Recipient: req.CurrentApprover(),
		RecordID:  req.RecordID,
	})
}

func (m *Manager) notifyEscalation(req *model.ApprovalRequest) {
	m.notifier.Notify(notify.Notification{
		Severity:  notify.SeverityWarning,
		Title:     fmt.Sprintf("Approval escalated (hop %d)", req.ChainPosition),
		Body:      fmt.Sprintf("No decision on request %s before the deadline.", req.ID),
		Recipient: req.CurrentApprover(),
		RecordID:  req.RecordID,
	})
}
