package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// RemediationRunner is the slice of the workflow engine the worker needs.
type RemediationRunner interface {
	SubmitAndWait(ctx context.Context, action *model.Action) (*model.RemediationRecord, error)
}

// RemediationWorker runs remediation-request events through the workflow
// engine. It is the one built-in worker; the others live outside the
// control plane and are reached over the bus.
type RemediationWorker struct {
	runner RemediationRunner
	logger *slog.Logger
}

// NewRemediationWorker wires the worker.
func NewRemediationWorker(runner RemediationRunner, logger *slog.Logger) *RemediationWorker {
	return &RemediationWorker{runner: runner, logger: logger}
}

// Handle extracts the proposed action from the event payload and drives it
// to a terminal workflow state.
func (w *RemediationWorker) Handle(ctx context.Context, ev *model.SupervisorEvent) (*model.AgentResult, error) {
	action, err := actionFromPayload(ev)
	if err != nil {
		return nil, fmt.Errorf("event %s carries no usable action: %w", ev.ID, err)
	}

	start := time.Now()
	rec, err := w.runner.SubmitAndWait(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("remediation run failed: %w", err)
	}

	result := &model.AgentResult{
		Status:   model.AgentCompleted,
		Summary:  fmt.Sprintf("remediation %s ended %s: %s", rec.ID, rec.State, rec.StateReason),
		Duration: time.Since(start),
	}
	if rec.State != model.StateComplete {
		result.Status = model.AgentFailed
		result.Error = rec.StateReason
	}
	w.logger.Info("remediation worker finished",
		"event_id", ev.ID, "record_id", rec.ID, "state", rec.State)
	return result, nil
}

// actionFromPayload decodes payload["action"] into an Action. Events that
// arrive without an ID or timestamp get them filled in.
func actionFromPayload(ev *model.SupervisorEvent) (*model.Action, error) {
	raw, ok := ev.Payload["action"]
	if !ok {
		return nil, fmt.Errorf("payload has no action field")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode action payload: %w", err)
	}
	var action model.Action
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("failed to decode action: %w", err)
	}
	if action.Type == "" || action.TargetResource == "" {
		return nil, fmt.Errorf("action is missing type or target_resource")
	}
	if action.ID == "" {
		fresh := model.NewAction(action.Type, action.TargetResource, action.Environment, action.RequestedBy)
		fresh.RiskHint = action.RiskHint
		fresh.Parameters = action.Parameters
		fresh.AffectedResources = action.AffectedResources
		fresh.InvestigationID = action.InvestigationID
		fresh.AlertID = action.AlertID
		action = *fresh
	}
	action.AlertID = firstNonEmpty(action.AlertID, ev.Labels["alert_id"])
	return &action, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
