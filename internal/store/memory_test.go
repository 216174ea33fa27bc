package store

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

func testStore() *MemoryStore {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewMemoryStore(logger)
}

func TestRemediationRoundTrip(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	rec := model.NewRemediationRecord(
		model.NewAction(model.ActionRestartPod, "pod/api-1", model.EnvStaging, "oncall"))
	require.NoError(t, s.SaveRemediation(ctx, rec))

	got, err := s.GetRemediation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, model.StateSubmitted, got.State)

	_, err = s.GetRemediation(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSaveIsolatesCallerMutations(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	rec := model.NewRemediationRecord(
		model.NewAction(model.ActionRestartPod, "pod/api-1", model.EnvStaging, "oncall"))
	require.NoError(t, s.SaveRemediation(ctx, rec))

	// Mutating the caller's copy after save must not leak into the store.
	rec.Transition(model.StateFailed, "local mutation")

	got, err := s.GetRemediation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateSubmitted, got.State)
	assert.Empty(t, got.History)
}

func TestListActiveRemediations(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	live := model.NewRemediationRecord(
		model.NewAction(model.ActionRestartPod, "pod/a", model.EnvStaging, "x"))
	done := model.NewRemediationRecord(
		model.NewAction(model.ActionRestartPod, "pod/b", model.EnvStaging, "x"))
	done.Transition(model.StateComplete, "")

	require.NoError(t, s.SaveRemediation(ctx, live))
	require.NoError(t, s.SaveRemediation(ctx, done))

	active, err := s.ListActiveRemediations(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.ID, active[0].ID)
}

func TestSupervisorEventIDLookup(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	ev := model.NewSupervisorEvent(model.EventAlert, "prometheus")
	rec := model.NewSupervisorRecord(ev)
	require.NoError(t, s.SaveSupervisor(ctx, rec))

	got, err := s.GetSupervisorByEventID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = s.GetSupervisorByEventID(ctx, "never-seen")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPendingApprovalsSortedByAge(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	older := model.NewApprovalRequest("rec-1", "act-1", 1, time.Minute)
	older.RequestedAt = older.RequestedAt.Add(-time.Hour)
	newer := model.NewApprovalRequest("rec-2", "act-2", 1, time.Minute)
	resolved := model.NewApprovalRequest("rec-3", "act-3", 1, time.Minute)
	resolved.Status = model.ApprovalApproved

	require.NoError(t, s.SaveApproval(ctx, newer))
	require.NoError(t, s.SaveApproval(ctx, older))
	require.NoError(t, s.SaveApproval(ctx, resolved))

	pending, err := s.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID)
	assert.Equal(t, newer.ID, pending[1].ID)
}

func TestSnapshotRetention(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, "snap-1", "act-1", "pod/a", []byte("blob")))

	got, err := s.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)

	// Cutoff in the past removes nothing.
	n, err := s.DeleteSnapshotsBefore(ctx, time.Now().Add(-time.Hour).Unix())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Cutoff in the future removes the snapshot.
	n, err = s.DeleteSnapshotsBefore(ctx, time.Now().Add(time.Hour).Unix())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetSnapshot(ctx, "snap-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAuditTrail(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	e1 := model.NewAuditEntry(model.AuditKindRemediation, "rec-1", "state complete")
	e2 := model.NewAuditEntry(model.AuditKindRemediation, "rec-2", "state failed")
	require.NoError(t, s.AppendAudit(ctx, e1))
	require.NoError(t, s.AppendAudit(ctx, e2))

	got, err := s.ListAudit(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "state complete", got[0].Event)

	all, err := s.ListAudit(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
