// Package supervisor is the top-level orchestrator: it classifies inbound
// events, dispatches them to specialist workers, evaluates the results,
// chains follow-up remediation, and escalates to humans whenever automated
// handling cannot safely proceed. Every record is finalized exactly once.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ghantakiran/ShieldOps-sub002/internal/audit"
	"github.com/ghantakiran/ShieldOps-sub002/internal/dispatch"
	"github.com/ghantakiran/ShieldOps-sub002/internal/metrics"
	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
	"github.com/ghantakiran/ShieldOps-sub002/internal/notify"
	"github.com/ghantakiran/ShieldOps-sub002/internal/store"
)

// Chainer runs a recommended action through the remediation workflow.
// Implemented by workflow.Engine.
type Chainer interface {
	SubmitAndWait(ctx context.Context, action *model.Action) (*model.RemediationRecord, error)
}

// Deps are the collaborators the orchestrator composes.
type Deps struct {
	Store    store.RecordStore
	Registry *dispatch.Registry
	Chainer  Chainer
	Notifier *notify.Dispatcher
	Trail    *audit.Trail
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Options tune the orchestrator's decision thresholds.
type Options struct {
	// AutoChainThreshold is the minimum confidence for chaining a
	// recommended action without a human in the loop.
	AutoChainThreshold float64
	// EscalateBelow is the confidence floor; results under it go to a human.
	EscalateBelow float64
	// DispatchTimeout bounds one worker invocation.
	DispatchTimeout time.Duration
	// DedupeSize is the capacity of the redelivery cache.
	DedupeSize int
}

// Orchestrator drives supervisor records from received to finalized.
type Orchestrator struct {
	deps Deps
	opts Options
	seen *lru.Cache[string, bool]
}

// New wires the orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if opts.AutoChainThreshold <= 0 {
		opts.AutoChainThreshold = 0.85
	}
	if opts.EscalateBelow <= 0 {
		opts.EscalateBelow = 0.50
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 5 * time.Minute
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 4096
	}
	seen, err := lru.New[string, bool](opts.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build dedupe cache: %w", err)
	}
	return &Orchestrator{deps: deps, opts: opts, seen: seen}, nil
}

// Handle runs one event to a finalized supervisor record. Redelivered
// event IDs are dropped with model.ErrDuplicateEvent; the HTTP and bus
// ingress paths both land here, so dedup covers both.
func (o *Orchestrator) Handle(ctx context.Context, ev *model.SupervisorEvent) (*model.SupervisorRecord, error) {
	if ev.ID == "" {
		return nil, fmt.Errorf("event has no ID")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	if found, _ := o.seen.ContainsOrAdd(ev.ID, true); found {
		o.deps.Metrics.DedupeDrops.Inc()
		o.deps.Logger.Debug("duplicate event dropped by cache", "event_id", ev.ID)
		return nil, model.ErrDuplicateEvent
	}
	// The cache is best-effort; the store check survives restarts.
	if existing, err := o.deps.Store.GetSupervisorByEventID(ctx, ev.ID); err == nil {
		o.deps.Metrics.DedupeDrops.Inc()
		o.deps.Logger.Debug("duplicate event dropped by store", "event_id", ev.ID, "record_id", existing.ID)
		return nil, model.ErrDuplicateEvent
	}

	rec := model.NewSupervisorRecord(ev)
	o.deps.Metrics.IncSupervisorEvent(string(ev.Type))
	o.save(ctx, rec)
	o.deps.Logger.Info("event received", "event_id", ev.ID, "type", ev.Type, "source", ev.Source)

	o.process(ctx, rec)
	return o.finalize(ctx, rec)
}

// process advances the record up to (but not including) finalization.
func (o *Orchestrator) process(ctx context.Context, rec *model.SupervisorRecord) {
	ev := rec.Event

	rec.Worker = o.classify(ev)
	rec.SetState(model.SupClassified)
	o.save(ctx, rec)
	if rec.Worker == model.WorkerUnclassified {
		o.escalate(rec, fmt.Sprintf("event type %q with labels %v could not be classified", ev.Type, ev.Labels))
		return
	}

	worker, err := o.deps.Registry.Resolve(rec.Worker)
	if err != nil {
		o.escalate(rec, err.Error())
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, o.opts.DispatchTimeout)
	start := time.Now()
	result, err := worker.Handle(dispatchCtx, ev)
	cancel()
	if err != nil {
		result = &model.AgentResult{
			Status:   model.AgentFailed,
			Error:    err.Error(),
			Duration: time.Since(start),
		}
	}
	rec.Result = result
	rec.SetState(model.SupDispatched)
	o.save(ctx, rec)
	o.deps.Logger.Info("worker dispatched",
		"event_id", ev.ID, "worker", rec.Worker, "status", result.Status, "confidence", confidenceLabel(result))

	verdict, reason := o.evaluateResult(result)
	rec.SetState(model.SupEvaluated)
	o.save(ctx, rec)

	switch verdict {
	case verdictEscalate:
		o.escalate(rec, reason)
	case verdictChain:
		o.chain(ctx, rec)
	default:
		rec.Outcome = "completed"
	}
}

// classify maps an event to exactly one worker type. An explicit worker
// label wins; otherwise the event type decides; anything else falls into
// the unclassified sink.
func (o *Orchestrator) classify(ev *model.SupervisorEvent) model.WorkerType {
	if label, ok := ev.Labels["worker"]; ok {
		switch t := model.WorkerType(label); t {
		case model.WorkerInvestigation, model.WorkerRemediation, model.WorkerSecurity, model.WorkerCost, model.WorkerLearning:
			return t
		}
	}
	switch ev.Type {
	case model.EventAlert:
		return model.WorkerInvestigation
	case model.EventRemediationRequest:
		return model.WorkerRemediation
	case model.EventScanTrigger:
		return model.WorkerSecurity
	case model.EventCostAnomaly:
		return model.WorkerCost
	case model.EventLearningFeedback:
		return model.WorkerLearning
	}
	return model.WorkerUnclassified
}

type verdict int

const (
	verdictFinalize verdict = iota
	verdictChain
	verdictEscalate
)

// evaluateResult decides what happens after a dispatch: chain when the
// worker is confident and recommends an action, escalate on errors or low
// confidence, otherwise just finalize.
func (o *Orchestrator) evaluateResult(result *model.AgentResult) (verdict, string) {
	if result == nil {
		return verdictEscalate, "worker returned no result"
	}
	if result.Status == model.AgentFailed || result.Error != "" {
		return verdictEscalate, fmt.Sprintf("worker failed: %s", result.Error)
	}
	if result.Confidence != nil {
		c := *result.Confidence
		if c < o.opts.EscalateBelow {
			return verdictEscalate, fmt.Sprintf("confidence %.2f below floor %.2f", c, o.opts.EscalateBelow)
		}
		if c >= o.opts.AutoChainThreshold && result.RecommendedAction != nil {
			return verdictChain, ""
		}
	}
	return verdictFinalize, ""
}

// chain runs the recommended action through the remediation workflow and
// escalates when the chained run ends badly.
func (o *Orchestrator) chain(ctx context.Context, rec *model.SupervisorRecord) {
	rec.SetState(model.SupChained)
	o.deps.Metrics.SupervisorChained.Inc()
	o.save(ctx, rec)

	chained, err := o.deps.Chainer.SubmitAndWait(ctx, rec.Result.RecommendedAction)
	if err != nil {
		o.escalate(rec, fmt.Sprintf("chained remediation did not finish: %v", err))
		return
	}
	rec.ChainedRecordID = chained.ID
	o.deps.Logger.Info("chained remediation finished",
		"event_id", rec.Event.ID, "record_id", chained.ID, "state", chained.State)

	switch {
	case chained.State == model.StateComplete:
		rec.Outcome = "remediated"
	case chained.EscalationRequired, chained.State == model.StateRolledBack, chained.State == model.StateFailed:
		o.escalate(rec, fmt.Sprintf("chained remediation %s ended %s: %s", chained.ID, chained.State, chained.StateReason))
	default:
		// policy_denied, approval_denied, canceled: blocked by design, a
		// human already said no or the gate did. Record and move on.
		rec.Outcome = fmt.Sprintf("remediation blocked (%s)", chained.State)
	}
}

// escalate hands the record to a human and marks it so.
func (o *Orchestrator) escalate(rec *model.SupervisorRecord, reason string) {
	rec.Escalated = true
	rec.EscalationReason = reason
	rec.Outcome = "escalated"
	rec.SetState(model.SupEscalated)
	o.deps.Metrics.SupervisorEscalations.Inc()

	o.deps.Notifier.Notify(notify.Notification{
		Severity: notify.SeverityWarning,
		Title:    fmt.Sprintf("Supervisor escalation: %s event from %s", rec.Event.Type, rec.Event.Source),
		Body:     reason,
		RecordID: rec.ID,
		Labels:   rec.Event.Labels,
	})
	o.deps.Logger.Warn("supervisor escalated", "event_id", rec.Event.ID, "reason", reason)
}

// finalize settles the record and writes its audit entry. It is the single
// exit point of Handle, so it runs exactly once per record.
func (o *Orchestrator) finalize(ctx context.Context, rec *model.SupervisorRecord) (*model.SupervisorRecord, error) {
	if rec.Outcome == "" {
		rec.Outcome = "completed"
	}
	rec.SetState(model.SupFinalized)
	o.save(ctx, rec)

	if err := o.deps.Trail.Record(ctx, model.AuditKindSupervisor, rec.ID, "finalized:"+rec.Outcome, "", map[string]any{
		"event_id":          rec.Event.ID,
		"event_type":        string(rec.Event.Type),
		"worker":            string(rec.Worker),
		"escalated":         rec.Escalated,
		"chained_record_id": rec.ChainedRecordID,
	}); err != nil {
		o.deps.Logger.Error("failed to audit supervisor record", "record_id", rec.ID, "error", err)
	}

	o.deps.Logger.Info("supervisor record finalized",
		"record_id", rec.ID, "event_id", rec.Event.ID, "outcome", rec.Outcome)
	return rec.Clone(), nil
}

func (o *Orchestrator) save(ctx context.Context, rec *model.SupervisorRecord) {
	if err := o.deps.Store.SaveSupervisor(ctx, rec); err != nil {
		o.deps.Logger.Error("failed to persist supervisor record", "record_id", rec.ID, "error", err)
	}
}

func confidenceLabel(result *model.AgentResult) string {
	if result == nil || result.Confidence == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *result.Confidence)
}
