package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// LogSender writes notifications to the structured log. Always configured
// as the channel of last resort.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		"severity", n.Severity,
		"title", n.Title,
		"body", n.Body,
		"recipient", n.Recipient,
		"record_id", n.RecordID)
	return nil
}

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	client     *http.Client
}

func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("[%s] %s", n.Severity, n.Title)
	if n.Body != "" {
		text += "\n" + n.Body
	}
	if n.Recipient != "" {
		text = fmt.Sprintf("@%s %s", n.Recipient, text)
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// PagerDutySender triggers incidents via the Events v2 API.
type PagerDutySender struct {
	endpoint   string
	routingKey string
	client     *http.Client
}

func NewPagerDutySender(routingKey string) *PagerDutySender {
	return &PagerDutySender{
		endpoint:   "https://events.pagerduty.com/v2/enqueue",
		routingKey: routingKey,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *PagerDutySender) Name() string { return "pagerduty" }

func (s *PagerDutySender) Send(ctx context.Context, n Notification) error {
	severity := "info"
	switch n.Severity {
	case SeverityWarning:
		severity = "warning"
	case SeverityCritical:
		severity = "critical"
	}
	event := map[string]any{
		"routing_key":  s.routingKey,
		"event_action": "trigger",
		"dedup_key":    n.RecordID,
		"payload": map[string]any{
			"summary":        n.Title,
			"source":         "controlplane",
			"severity":       severity,
			"custom_details": map[string]any{"body": n.Body, "record_id": n.RecordID},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal pagerduty event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to pagerduty: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pagerduty returned status %d", resp.StatusCode)
	}
	return nil
}

// NATSPublisher is the subset of the NATS connection the sender needs.
type NATSPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSSender publishes notifications on a bus subject so downstream
// consumers (dashboard, chat bridges) can fan them out further.
type NATSSender struct {
	nc      NATSPublisher
	subject string
}

func NewNATSSender(nc NATSPublisher, subject string) *NATSSender {
	if subject == "" {
		subject = "ops.notifications"
	}
	return &NATSSender{nc: nc, subject: subject}
}

func (s *NATSSender) Name() string { return "nats" }

func (s *NATSSender) Send(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
