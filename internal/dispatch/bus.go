package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// Requester is the subset of the NATS connection the bus worker needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// BusWorker reaches a specialist worker over NATS request-reply. The
// remote side receives the event JSON and answers with an AgentResult.
type BusWorker struct {
	nc      Requester
	subject string
	timeout time.Duration
}

// NewBusWorker wires a worker living at the given subject.
func NewBusWorker(nc Requester, subject string, timeout time.Duration) *BusWorker {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &BusWorker{nc: nc, subject: subject, timeout: timeout}
}

// Handle ships the event to the remote worker and decodes its result.
func (w *BusWorker) Handle(ctx context.Context, ev *model.SupervisorEvent) (*model.AgentResult, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	msg, err := w.nc.RequestWithContext(reqCtx, w.subject, data)
	if err != nil {
		return nil, fmt.Errorf("worker at %s did not answer: %w", w.subject, err)
	}

	var result model.AgentResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return nil, fmt.Errorf("worker at %s sent an undecodable result: %w", w.subject, err)
	}
	return &result, nil
}
