// Package store persists control plane records. The memory implementation
// backs single-node and test deployments; the Postgres implementation
// survives restarts.
package store

import (
	"context"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// RecordStore is the durable home of every aggregate the control plane
// owns. Save methods upsert by ID.
type RecordStore interface {
	SaveRemediation(ctx context.Context, rec *model.RemediationRecord) error
	GetRemediation(ctx context.Context, id string) (*model.RemediationRecord, error)
	ListRemediations(ctx context.Context, limit int) ([]*model.RemediationRecord, error)
	ListActiveRemediations(ctx context.Context) ([]*model.RemediationRecord, error)

	SaveSupervisor(ctx context.Context, rec *model.SupervisorRecord) error
	GetSupervisor(ctx context.Context, id string) (*model.SupervisorRecord, error)
	GetSupervisorByEventID(ctx context.Context, eventID string) (*model.SupervisorRecord, error)
	ListSupervisors(ctx context.Context, limit int) ([]*model.SupervisorRecord, error)

	SaveApproval(ctx context.Context, req *model.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context) ([]*model.ApprovalRequest, error)

	SaveSnapshot(ctx context.Context, id, actionID, resource string, blob []byte) error
	GetSnapshot(ctx context.Context, id string) ([]byte, error)
	DeleteSnapshotsBefore(ctx context.Context, cutoffUnix int64) (int, error)

	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
	ListAudit(ctx context.Context, refID string) ([]*model.AuditEntry, error)

	Close() error
}
