// Package audit writes the immutable decision trail: every terminal
// remediation outcome and every finalized supervisor run lands here.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
	"github.com/ghantakiran/ShieldOps-sub002/internal/store"
)

// Publisher is the subset of the NATS connection the trail needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Trail persists audit entries and mirrors them onto the bus so external
// consumers (compliance, dashboards) see them live.
type Trail struct {
	store   store.RecordStore
	pub     Publisher
	subject string
	logger  *slog.Logger
}

// NewTrail wires the trail. pub may be nil when the bus is not configured.
func NewTrail(st store.RecordStore, pub Publisher, subject string, logger *slog.Logger) *Trail {
	if subject == "" {
		subject = "audit.record"
	}
	return &Trail{store: st, pub: pub, subject: subject, logger: logger}
}

// Record appends one entry. Persistence failure is returned; publish
// failure is only logged since the store already holds the entry.
func (t *Trail) Record(ctx context.Context, kind, refID, event, actor string, detail map[string]any) error {
	entry := model.NewAuditEntry(kind, refID, event)
	entry.Actor = actor
	entry.Detail = detail

	if err := t.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if t.pub != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			t.logger.Warn("failed to marshal audit entry", "entry_id", entry.ID, "error", err)
			return nil
		}
		if err := t.pub.Publish(t.subject, data); err != nil {
			t.logger.Warn("failed to publish audit entry", "entry_id", entry.ID, "error", err)
		}
	}
	return nil
}

// List returns the trail for one reference ID.
func (t *Trail) List(ctx context.Context, refID string) ([]*model.AuditEntry, error) {
	return t.store.ListAudit(ctx, refID)
}
