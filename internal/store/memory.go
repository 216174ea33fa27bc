package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// MemoryStore implements RecordStore with in-process maps. Records are
// cloned on the way in and out so callers never share mutable state.
type MemoryStore struct {
	mu           sync.RWMutex
	remediations map[string]*model.RemediationRecord
	supervisors  map[string]*model.SupervisorRecord
	byEventID    map[string]string
	approvals    map[string]*model.ApprovalRequest
	snapshots    map[string]*snapshotRow
	audit        []*model.AuditEntry
	logger       *slog.Logger
}

type snapshotRow struct {
	actionID   string
	resource   string
	blob       []byte
	capturedAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		remediations: make(map[string]*model.RemediationRecord),
		supervisors:  make(map[string]*model.SupervisorRecord),
		byEventID:    make(map[string]string),
		approvals:    make(map[string]*model.ApprovalRequest),
		snapshots:    make(map[string]*snapshotRow),
		logger:       logger,
	}
}

func (s *MemoryStore) SaveRemediation(_ context.Context, rec *model.RemediationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remediations[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetRemediation(_ context.Context, id string) (*model.RemediationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.remediations[id]
	if !ok {
		return nil, fmt.Errorf("remediation record %s: %w", id, model.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListRemediations(_ context.Context, limit int) ([]*model.RemediationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.RemediationRecord, 0, len(s.remediations))
	for _, rec := range s.remediations {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListActiveRemediations(_ context.Context) ([]*model.RemediationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.RemediationRecord
	for _, rec := range s.remediations {
		if !rec.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveSupervisor(_ context.Context, rec *model.SupervisorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supervisors[rec.ID] = rec.Clone()
	if rec.Event != nil {
		s.byEventID[rec.Event.ID] = rec.ID
	}
	return nil
}

func (s *MemoryStore) GetSupervisor(_ context.Context, id string) (*model.SupervisorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.supervisors[id]
	if !ok {
		return nil, fmt.Errorf("supervisor record %s: %w", id, model.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetSupervisorByEventID(_ context.Context, eventID string) (*model.SupervisorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEventID[eventID]
	if !ok {
		return nil, fmt.Errorf("supervisor record for event %s: %w", eventID, model.ErrNotFound)
	}
	return s.supervisors[id].Clone(), nil
}

func (s *MemoryStore) ListSupervisors(_ context.Context, limit int) ([]*model.SupervisorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.SupervisorRecord, 0, len(s.supervisors))
	for _, rec := range s.supervisors {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveApproval(_ context.Context, req *model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id string) (*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval request %s: %w", id, model.ErrNotFound)
	}
	return req.Clone(), nil
}

func (s *MemoryStore) ListPendingApprovals(_ context.Context) ([]*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ApprovalRequest
	for _, req := range s.approvals {
		if req.Status == model.ApprovalPending {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, id, actionID, resource string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(blob))
	copy(stored, blob)
	s.snapshots[id] = &snapshotRow{
		actionID:   actionID,
		resource:   resource,
		blob:       stored,
		capturedAt: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, model.ErrNotFound)
	}
	out := make([]byte, len(row.blob))
	copy(out, row.blob)
	return out, nil
}

func (s *MemoryStore) DeleteSnapshotsBefore(_ context.Context, cutoffUnix int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Unix(cutoffUnix, 0)
	removed := 0
	for id, row := range s.snapshots {
		if row.capturedAt.Before(cutoff) {
			delete(s.snapshots, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, refID string) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AuditEntry
	for _, e := range s.audit {
		if refID == "" || e.RefID == refID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
