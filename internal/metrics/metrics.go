package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the control plane.
type Metrics struct {
	RemediationsSubmitted *prometheus.CounterVec
	RemediationsFinished  *prometheus.CounterVec
	RollbacksTotal        *prometheus.CounterVec
	ApprovalsRequested    prometheus.Counter
	ApprovalEscalations   prometheus.Counter
	PolicyDenials         prometheus.Counter
	PolicyBreakerState    prometheus.Gauge
	SupervisorEvents      *prometheus.CounterVec
	SupervisorEscalations prometheus.Counter
	SupervisorChained     prometheus.Counter
	DedupeDrops           prometheus.Counter
	NotifyFailures        prometheus.Counter
	WorkflowDuration      prometheus.Histogram
}

// New registers all instruments against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RemediationsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_remediations_submitted_total",
			Help: "Remediation actions submitted, by environment",
		}, []string{"environment"}),
		RemediationsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_remediations_finished_total",
			Help: "Remediation records reaching a terminal state, by state",
		}, []string{"state"}),
		RollbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_rollbacks_total",
			Help: "Rollback attempts, by outcome",
		}, []string{"status"}),
		ApprovalsRequested: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_approvals_requested_total",
			Help: "Approval requests opened",
		}),
		ApprovalEscalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_approval_escalations_total",
			Help: "Approval timeouts that advanced the escalation chain",
		}),
		PolicyDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_policy_denials_total",
			Help: "Actions denied by policy, including fail-closed denials",
		}),
		PolicyBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_policy_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}),
		SupervisorEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_supervisor_events_total",
			Help: "Events accepted by the supervisor, by type",
		}, []string{"type"}),
		SupervisorEscalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_supervisor_escalations_total",
			Help: "Supervisor records escalated to humans",
		}),
		SupervisorChained: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_supervisor_chained_total",
			Help: "Supervisor results auto-chained into remediation",
		}),
		DedupeDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_dedupe_drops_total",
			Help: "Redelivered events dropped by the idempotency cache",
		}),
		NotifyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_notify_failures_total",
			Help: "Notification sends that failed and were logged",
		}),
		WorkflowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "controlplane_workflow_duration_seconds",
			Help:    "Wall time from submission to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
}

// IncSubmitted records one submitted remediation.
func (m *Metrics) IncSubmitted(environment string) {
	m.RemediationsSubmitted.WithLabelValues(environment).Inc()
}

// IncFinished records one terminal remediation state.
func (m *Metrics) IncFinished(state string) {
	m.RemediationsFinished.WithLabelValues(state).Inc()
}

// IncRollback records one rollback attempt outcome.
func (m *Metrics) IncRollback(status string) {
	m.RollbacksTotal.WithLabelValues(status).Inc()
}

// SetBreakerState publishes the current circuit breaker state.
func (m *Metrics) SetBreakerState(state float64) {
	m.PolicyBreakerState.Set(state)
}

// IncSupervisorEvent records one accepted supervisor event.
func (m *Metrics) IncSupervisorEvent(eventType string) {
	m.SupervisorEvents.WithLabelValues(eventType).Inc()
}
