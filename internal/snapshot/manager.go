// Package snapshot captures pre-execution state and restores it on
// rollback. Blobs are zstd-packed and opaque; only the connector can
// interpret them.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/ghantakiran/ShieldOps-sub002/internal/connector"
	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
	"github.com/ghantakiran/ShieldOps-sub002/internal/store"
)

// Manager owns snapshot capture, restore, and retention.
type Manager struct {
	store     store.RecordStore
	conn      connector.Connector
	logger    *slog.Logger
	retention time.Duration

	mu       sync.Mutex
	restores map[string]*restoreAttempt
}

// restoreAttempt pins the outcome of the first restore per snapshot so
// later and concurrent invocations observe it instead of re-running.
type restoreAttempt struct {
	done chan struct{}
	err  error
}

// NewManager wires the snapshot manager.
func NewManager(st store.RecordStore, conn connector.Connector, retention time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		conn:      conn,
		logger:    logger,
		retention: retention,
		restores:  make(map[string]*restoreAttempt),
	}
}

// Capture records the target's current state and returns the snapshot ID.
// Every failure wraps model.ErrSnapshotFailed; for mutating actions that
// is a terminal outcome upstream.
func (m *Manager) Capture(ctx context.Context, action *model.Action) (string, error) {
	state, err := m.conn.CaptureState(ctx, action.TargetResource)
	if err != nil {
		return "", fmt.Errorf("capture state for %s: %v: %w", action.TargetResource, err, model.ErrSnapshotFailed)
	}

	blob, err := pack(state)
	if err != nil {
		return "", fmt.Errorf("pack snapshot for %s: %v: %w", action.TargetResource, err, model.ErrSnapshotFailed)
	}

	id := uuid.New().String()
	if err := m.store.SaveSnapshot(ctx, id, action.ID, action.TargetResource, blob); err != nil {
		return "", fmt.Errorf("persist snapshot for %s: %v: %w", action.TargetResource, err, model.ErrSnapshotFailed)
	}

	m.logger.Info("snapshot captured",
		"snapshot_id", id,
		"action_id", action.ID,
		"resource", action.TargetResource,
		"raw_bytes", len(state),
		"packed_bytes", len(blob))
	return id, nil
}

// Restore reapplies a snapshot. The first invocation per snapshot runs
// the restore; concurrent invocations wait for it, and later invocations
// observe its outcome without running again.
func (m *Manager) Restore(ctx context.Context, snapshotID, resource string) error {
	m.mu.Lock()
	if att, ok := m.restores[snapshotID]; ok {
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &restoreAttempt{done: make(chan struct{})}
	m.restores[snapshotID] = att
	m.mu.Unlock()

	att.err = m.restore(ctx, snapshotID, resource)
	close(att.done)

	if att.err != nil {
		m.logger.Error("snapshot restore failed",
			"snapshot_id", snapshotID, "resource", resource, "error", att.err)
	} else {
		m.logger.Info("snapshot restored", "snapshot_id", snapshotID, "resource", resource)
	}
	return att.err
}

func (m *Manager) restore(ctx context.Context, snapshotID, resource string) error {
	blob, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %v: %w", snapshotID, err, model.ErrRollbackFailed)
	}
	state, err := unpack(blob)
	if err != nil {
		return fmt.Errorf("unpack snapshot %s: %v: %w", snapshotID, err, model.ErrRollbackFailed)
	}
	if err := m.conn.RestoreState(ctx, resource, state); err != nil {
		return fmt.Errorf("restore state on %s: %v: %w", resource, err, model.ErrRollbackFailed)
	}
	return nil
}

// StartRetentionSweep prunes snapshots past the retention window until the
// context is canceled.
func (m *Manager) StartRetentionSweep(ctx context.Context, interval time.Duration) {
	if m.retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-m.retention).Unix()
				n, err := m.store.DeleteSnapshotsBefore(ctx, cutoff)
				if err != nil {
					m.logger.Warn("snapshot retention sweep failed", "error", err)
					continue
				}
				if n > 0 {
					m.logger.Info("expired snapshots removed", "count", n)
				}
			}
		}
	}()
}

func pack(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

func unpack(blob []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return data, nil
}
