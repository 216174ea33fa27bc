// Package ingest consumes supervisor events from the message bus. Every
// message is schema-validated before it reaches the supervisor; the
// supervisor's idempotency check handles redelivery, so consumption is
// safe at-least-once.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// eventSchema validates the wire shape of inbound events before any
// decoding happens. Unknown event types are rejected at the edge.
const eventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "type"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {
      "type": "string",
      "enum": ["alert", "remediation_request", "scan_trigger", "cost_anomaly", "learning_feedback"]
    },
    "source": {"type": "string"},
    "payload": {"type": "object"},
    "labels": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

// Handler is the supervisor entry point the consumer feeds.
type Handler interface {
	Handle(ctx context.Context, ev *model.SupervisorEvent) (*model.SupervisorRecord, error)
}

// Subscriber is the subset of the NATS connection the consumer needs.
type Subscriber interface {
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Consumer bridges the bus to the supervisor.
type Consumer struct {
	nc      Subscriber
	sup     Handler
	schema  *gojsonschema.Schema
	timeout time.Duration
	logger  *slog.Logger
	sub     *nats.Subscription
}

type wireEvent struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Source  string            `json:"source"`
	Payload map[string]any    `json:"payload"`
	Labels  map[string]string `json:"labels"`
}

// NewConsumer wires the consumer.
func NewConsumer(nc Subscriber, sup Handler, timeout time.Duration, logger *slog.Logger) (*Consumer, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile event schema: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Consumer{nc: nc, sup: sup, schema: schema, timeout: timeout, logger: logger}, nil
}

// Start subscribes on the event subject. Queue-group membership spreads
// load across control plane replicas without double-delivery.
func (c *Consumer) Start(subject, queue string) error {
	sub, err := c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if _, err := c.Process(msg.Data); err != nil {
			c.logger.Debug("event not processed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.sub = sub
	c.logger.Info("event consumer started", "subject", subject, "queue", queue)
	return nil
}

// Process validates, decodes, and hands one raw event to the supervisor.
// Exposed so the synchronous ingress path and tests share the exact
// validation the bus path uses.
func (c *Consumer) Process(data []byte) (*model.SupervisorRecord, error) {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		c.logger.Warn("event rejected: unreadable JSON", "error", err)
		return nil, fmt.Errorf("unreadable event: %w", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		c.logger.Warn("event rejected by schema", "reasons", strings.Join(reasons, "; "))
		return nil, fmt.Errorf("event failed schema validation: %s", strings.Join(reasons, "; "))
	}

	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	ev := &model.SupervisorEvent{
		ID:         wire.ID,
		Type:       model.EventType(wire.Type),
		Source:     wire.Source,
		Payload:    wire.Payload,
		Labels:     wire.Labels,
		ReceivedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	rec, err := c.sup.Handle(ctx, ev)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Drain unsubscribes and lets in-flight handlers finish.
func (c *Consumer) Drain() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Drain()
}
