package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkerType names a specialist worker the supervisor can dispatch to.
type WorkerType string

const (
	WorkerInvestigation WorkerType = "investigation"
	WorkerRemediation   WorkerType = "remediation"
	WorkerSecurity      WorkerType = "security"
	WorkerCost          WorkerType = "cost"
	WorkerLearning      WorkerType = "learning"
	WorkerUnclassified  WorkerType = "unclassified"
)

// EventType categorizes inbound supervisor events.
type EventType string

const (
	EventAlert              EventType = "alert"
	EventRemediationRequest EventType = "remediation_request"
	EventScanTrigger        EventType = "scan_trigger"
	EventCostAnomaly        EventType = "cost_anomaly"
	EventLearningFeedback   EventType = "learning_feedback"
)

// SupervisorEvent is one unit of inbound work. The ID doubles as the
// idempotency key: redelivery of the same ID must not produce a second
// supervisor run.
type SupervisorEvent struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Source     string            `json:"source"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// NewSupervisorEvent builds an event with a fresh ID for callers that do
// not carry their own idempotency key.
func NewSupervisorEvent(t EventType, source string) *SupervisorEvent {
	return &SupervisorEvent{
		ID:         uuid.New().String(),
		Type:       t,
		Source:     source,
		ReceivedAt: time.Now().UTC(),
	}
}

// AgentResult is what a worker hands back to the supervisor.
type AgentResult struct {
	Status            string        `json:"status"`
	Confidence        *float64      `json:"confidence,omitempty"`
	RecommendedAction *Action       `json:"recommended_action,omitempty"`
	Summary           string        `json:"summary,omitempty"`
	Error             string        `json:"error,omitempty"`
	Duration          time.Duration `json:"duration"`
}

const (
	AgentCompleted = "completed"
	AgentFailed    = "failed"
)

// SupervisorState is the lifecycle position of a supervisor record.
type SupervisorState string

const (
	SupReceived   SupervisorState = "received"
	SupClassified SupervisorState = "classified"
	SupDispatched SupervisorState = "dispatched"
	SupEvaluated  SupervisorState = "evaluated"
	SupChained    SupervisorState = "chained"
	SupEscalated  SupervisorState = "escalated"
	SupFinalized  SupervisorState = "finalized"
)

// SupervisorRecord binds one event to everything the supervisor decided
// about it. Finalization happens exactly once per record.
type SupervisorRecord struct {
	ID               string          `json:"id"`
	Event            *SupervisorEvent `json:"event"`
	State            SupervisorState `json:"state"`
	Worker           WorkerType      `json:"worker,omitempty"`
	Result           *AgentResult    `json:"result,omitempty"`
	ChainedRecordID  string          `json:"chained_record_id,omitempty"`
	Escalated        bool            `json:"escalated"`
	EscalationReason string          `json:"escalation_reason,omitempty"`
	Outcome          string          `json:"outcome,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewSupervisorRecord starts a record in the received state.
func NewSupervisorRecord(ev *SupervisorEvent) *SupervisorRecord {
	now := time.Now().UTC()
	return &SupervisorRecord{
		ID:        uuid.New().String(),
		Event:     ev,
		State:     SupReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetState advances the record.
func (r *SupervisorRecord) SetState(s SupervisorState) {
	r.State = s
	r.UpdatedAt = time.Now().UTC()
}

// Clone returns a copy safe to hand across goroutines.
func (r *SupervisorRecord) Clone() *SupervisorRecord {
	c := *r
	return &c
}
