// Package notify delivers human-facing notifications. Delivery is
// fire-and-forget: a dead channel is logged and counted, never surfaced to
// the workflow that triggered it.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/ghantakiran/ShieldOps-sub002/internal/metrics"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one message for a human.
type Notification struct {
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Recipient string            `json:"recipient,omitempty"`
	RecordID  string            `json:"record_id,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

// Sender delivers to one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Dispatcher fans a notification out to every configured sender.
type Dispatcher struct {
	senders []Sender
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(senders []Sender, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		senders: senders,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// Notify sends asynchronously on every channel and returns immediately.
func (d *Dispatcher) Notify(n Notification) {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	for _, s := range d.senders {
		go d.send(s, n)
	}
}

func (d *Dispatcher) send(s Sender, n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := s.Send(ctx, n); err != nil {
		d.logger.Warn("notification delivery failed",
			"channel", s.Name(),
			"severity", n.Severity,
			"record_id", n.RecordID,
			"error", err)
		d.metrics.NotifyFailures.Inc()
		return
	}
	d.logger.Debug("notification delivered",
		"channel", s.Name(),
		"recipient", n.Recipient,
		"title", n.Title)
}
