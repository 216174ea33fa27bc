package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionType identifies a kind of operation a connector can perform
// against infrastructure.
type ActionType string

const (
	ActionRestartPod         ActionType = "restart_pod"
	ActionRollbackDeployment ActionType = "rollback_deployment"
	ActionScaleDeployment    ActionType = "scale_deployment"
	ActionRestartService     ActionType = "restart_service"
	ActionClearCache         ActionType = "clear_cache"
	ActionRotateCredentials  ActionType = "rotate_credentials"
	ActionBlockIP            ActionType = "block_ip"
	ActionQuarantineHost     ActionType = "quarantine_host"
	ActionCollectDiagnostics ActionType = "collect_diagnostics"
	ActionRunHealthcheck     ActionType = "run_healthcheck"
)

// nonMutatingActions lists the action types that only read state. Anything
// not listed here is presumed to change the target and therefore requires
// a snapshot before execution.
var nonMutatingActions = map[ActionType]bool{
	ActionCollectDiagnostics: true,
	ActionRunHealthcheck:     true,
}

// Mutating reports whether the action type changes infrastructure state.
// Unknown types are treated as mutating.
func (t ActionType) Mutating() bool {
	return !nonMutatingActions[t]
}

// Environment is the deployment tier an action targets.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// RiskLevel grades the blast potential of an action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal position of the risk level, low to critical.
// Unknown levels rank below low.
func (r RiskLevel) Rank() int {
	if n, ok := riskRank[r]; ok {
		return n
	}
	return -1
}

// AtLeast reports whether r is as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// Max returns the more severe of the two levels.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.Rank() > r.Rank() {
		return other
	}
	return r
}

// Action is a proposed infrastructure change. Actions are immutable once
// submitted; retries and compensations are new Actions.
type Action struct {
	ID                string         `json:"id"`
	Type              ActionType     `json:"type"`
	TargetResource    string         `json:"target_resource"`
	Environment       Environment    `json:"environment"`
	RiskHint          RiskLevel      `json:"risk_hint,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	AffectedResources []string       `json:"affected_resources,omitempty"`
	InvestigationID   string         `json:"investigation_id,omitempty"`
	AlertID           string         `json:"alert_id,omitempty"`
	RequestedBy       string         `json:"requested_by"`
	CreatedAt         time.Time      `json:"created_at"`
}

// NewAction builds an Action with a fresh ID and creation timestamp.
func NewAction(t ActionType, target string, env Environment, requestedBy string) *Action {
	return &Action{
		ID:             uuid.New().String(),
		Type:           t,
		TargetResource: target,
		Environment:    env,
		RequestedBy:    requestedBy,
		CreatedAt:      time.Now().UTC(),
	}
}

// BlastRadius counts the resources the action touches. The target itself
// always counts, so the minimum is one.
func (a *Action) BlastRadius() int {
	if len(a.AffectedResources) == 0 {
		return 1
	}
	seen := make(map[string]bool, len(a.AffectedResources)+1)
	seen[a.TargetResource] = true
	for _, r := range a.AffectedResources {
		seen[r] = true
	}
	return len(seen)
}
