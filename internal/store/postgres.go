package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// PostgresStore implements RecordStore on PostgreSQL. Aggregates are
// stored as JSONB documents with the columns queries filter on promoted
// alongside.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens the pool and ensures the schema exists.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS remediation_records (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			target_resource TEXT NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_remediation_state ON remediation_records (state);

		CREATE TABLE IF NOT EXISTS supervisor_records (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			status TEXT NOT NULL,
			timeout_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_requests (status);

		CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			action_id TEXT NOT NULL,
			target_resource TEXT NOT NULL,
			blob BYTEA NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ref ON audit_entries (ref_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRemediation(ctx context.Context, rec *model.RemediationRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal remediation record: %w", err)
	}
	query := `
		INSERT INTO remediation_records (id, state, target_resource, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, string(rec.State), rec.Action.TargetResource, doc, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save remediation record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRemediation(ctx context.Context, id string) (*model.RemediationRecord, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM remediation_records WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("remediation record %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query remediation record: %w", err)
	}
	var rec model.RemediationRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remediation record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListRemediations(ctx context.Context, limit int) ([]*model.RemediationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM remediation_records ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query remediation records: %w", err)
	}
	defer rows.Close()
	return scanRemediations(rows)
}

func (s *PostgresStore) ListActiveRemediations(ctx context.Context) ([]*model.RemediationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM remediation_records
		WHERE state NOT IN ('policy_denied', 'approval_denied', 'rolled_back', 'complete', 'failed', 'canceled')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active remediation records: %w", err)
	}
	defer rows.Close()
	return scanRemediations(rows)
}

func scanRemediations(rows *sql.Rows) ([]*model.RemediationRecord, error) {
	var out []*model.RemediationRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan remediation record: %w", err)
		}
		var rec model.RemediationRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal remediation record: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveSupervisor(ctx context.Context, rec *model.SupervisorRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal supervisor record: %w", err)
	}
	eventID := ""
	if rec.Event != nil {
		eventID = rec.Event.ID
	}
	query := `
		INSERT INTO supervisor_records (id, event_id, state, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, rec.ID, eventID, string(rec.State), doc, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save supervisor record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSupervisor(ctx context.Context, id string) (*model.SupervisorRecord, error) {
	return s.querySupervisor(ctx, `SELECT doc FROM supervisor_records WHERE id = $1`, id)
}

func (s *PostgresStore) GetSupervisorByEventID(ctx context.Context, eventID string) (*model.SupervisorRecord, error) {
	return s.querySupervisor(ctx, `SELECT doc FROM supervisor_records WHERE event_id = $1`, eventID)
}

func (s *PostgresStore) querySupervisor(ctx context.Context, query, arg string) (*model.SupervisorRecord, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("supervisor record %s: %w", arg, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query supervisor record: %w", err)
	}
	var rec model.SupervisorRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal supervisor record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListSupervisors(ctx context.Context, limit int) ([]*model.SupervisorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM supervisor_records ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query supervisor records: %w", err)
	}
	defer rows.Close()

	var out []*model.SupervisorRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan supervisor record: %w", err)
		}
		var rec model.SupervisorRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal supervisor record: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveApproval(ctx context.Context, req *model.ApprovalRequest) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}
	query := `
		INSERT INTO approval_requests (id, record_id, status, timeout_at, doc, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			timeout_at = EXCLUDED.timeout_at,
			doc = EXCLUDED.doc
	`
	_, err = s.db.ExecContext(ctx, query,
		req.ID, req.RecordID, string(req.Status), req.TimeoutAt, doc, req.RequestedAt)
	if err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM approval_requests WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("approval request %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query approval request: %w", err)
	}
	var req model.ApprovalRequest
	if err := json.Unmarshal(doc, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval request: %w", err)
	}
	return &req, nil
}

func (s *PostgresStore) ListPendingApprovals(ctx context.Context) ([]*model.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM approval_requests WHERE status = 'pending' ORDER BY requested_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*model.ApprovalRequest
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		var req model.ApprovalRequest
		if err := json.Unmarshal(doc, &req); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval request: %w", err)
		}
		out = append(out, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, id, actionID, resource string, blob []byte) error {
	query := `
		INSERT INTO snapshots (id, action_id, target_resource, blob, captured_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, id, actionID, resource, blob); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM snapshots WHERE id = $1`, id).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("snapshot %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return blob, nil
}

func (s *PostgresStore) DeleteSnapshotsBefore(ctx context.Context, cutoffUnix int64) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE captured_at < to_timestamp($1)`, cutoffUnix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired snapshots: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	query := `
		INSERT INTO audit_entries (id, kind, ref_id, doc, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, entry.ID, entry.Kind, entry.RefID, doc, entry.At); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, refID string) ([]*model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM audit_entries WHERE ref_id = $1 ORDER BY created_at ASC`, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		var entry model.AuditEntry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Health checks if the database is accessible.
func (s *PostgresStore) Health() error {
	return s.db.Ping()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
