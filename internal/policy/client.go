// Package policy gates actions through an external policy decision point.
// When the service cannot answer, the gate fails closed.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ghantakiran/ShieldOps-sub002/internal/metrics"
	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// Client evaluates actions against the policy decision point.
type Client struct {
	endpoint string
	client   *http.Client
	breaker  *CircuitBreaker
	logger   *slog.Logger
}

// EvaluateRequest is the wire request to the decision point.
type EvaluateRequest struct {
	Action            string          `json:"action"`
	TargetResource    string          `json:"target_resource"`
	Environment       string          `json:"environment"`
	RiskLevel         string          `json:"risk_level"`
	AffectedResources []string        `json:"affected_resources,omitempty"`
	Context           RequestContext  `json:"context"`
}

// RequestContext carries the evaluation context the decision point sees.
type RequestContext struct {
	RequestedBy string `json:"requested_by,omitempty"`
	BlastRadius int    `json:"blast_radius"`
}

type evaluateResponse struct {
	Allow       bool     `json:"allow"`
	DenyReasons []string `json:"deny_reasons,omitempty"`
}

// NewClient wires the policy client. The breaker gauge updates through the
// metrics instance on every state change.
func NewClient(endpoint string, timeout time.Duration, threshold int, cooldownBase, cooldownMax time.Duration, logger *slog.Logger, m *metrics.Metrics) *Client {
	breaker := NewCircuitBreaker(threshold, cooldownBase, cooldownMax, func(s BreakerState) {
		logger.Info("policy breaker state changed", "state", s)
		m.SetBreakerState(s.GaugeValue())
	})
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker:  breaker,
		logger:   logger,
	}
}

// BreakerState exposes the breaker position for health reporting.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Evaluate asks the decision point whether the action may run. Any failure
// to obtain an answer, including an open breaker, returns an error wrapping
// model.ErrPolicyUnavailable; the workflow records that as a denial.
func (c *Client) Evaluate(ctx context.Context, action *model.Action, risk model.RiskLevel) (*model.PolicyDecision, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("circuit open: %w", model.ErrPolicyUnavailable)
	}

	resp, err := c.post(ctx, action, risk)
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("policy evaluation failed", "action_id", action.ID, "error", err)
		return nil, fmt.Errorf("%v: %w", err, model.ErrPolicyUnavailable)
	}
	c.breaker.RecordSuccess()

	decision := &model.PolicyDecision{
		Allowed:     resp.Allow,
		Reasons:     resp.DenyReasons,
		EvaluatedAt: time.Now().UTC(),
	}
	// A decision carrying deny reasons is a deny even if the allow flag
	// disagrees.
	if len(decision.Reasons) > 0 {
		decision.Allowed = false
	}
	if !decision.Allowed && len(decision.Reasons) == 0 {
		decision.Reasons = []string{"denied by policy"}
	}
	return decision, nil
}

func (c *Client) post(ctx context.Context, action *model.Action, risk model.RiskLevel) (*evaluateResponse, error) {
	reqBody := EvaluateRequest{
		Action:            string(action.Type),
		TargetResource:    action.TargetResource,
		Environment:       string(action.Environment),
		RiskLevel:         string(risk),
		AffectedResources: action.AffectedResources,
		Context: RequestContext{
			RequestedBy: action.RequestedBy,
			BlastRadius: action.BlastRadius(),
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy service returned status %d", httpResp.StatusCode)
	}

	var resp evaluateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode policy response: %w", err)
	}
	return &resp, nil
}
