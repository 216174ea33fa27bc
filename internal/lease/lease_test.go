package lease

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

func testManager() *MemoryManager {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewMemoryManager(logger)
}

func TestAcquireFreeResource(t *testing.T) {
	m := testManager()
	l, err := m.Acquire(context.Background(), "pod/api-1", "wf-1")
	require.NoError(t, err)
	l.Release()
}

func TestSecondAcquirerWaitsForRelease(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	first, err := m.Acquire(ctx, "pod/api-1", "wf-1")
	require.NoError(t, err)

	acquired := make(chan Lease, 1)
	go func() {
		l, err := m.Acquire(ctx, "pod/api-1", "wf-2")
		require.NoError(t, err)
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer got the lease while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	select {
	case l := <-acquired:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("second acquirer never got the lease after release")
	}
}

func TestDifferentResourcesDoNotBlock(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	a, err := m.Acquire(ctx, "pod/a", "wf-1")
	require.NoError(t, err)
	defer a.Release()

	done := make(chan struct{})
	go func() {
		b, err := m.Acquire(ctx, "pod/b", "wf-2")
		require.NoError(t, err)
		b.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lease on a different resource blocked")
	}
}

func TestWaitersGrantedInFIFOOrder(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	first, err := m.Acquire(ctx, "db/main", "wf-0")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	ready := make(chan struct{}, 3)

	for _, holder := range []string{"wf-1", "wf-2", "wf-3"} {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			ready <- struct{}{}
			l, err := m.Acquire(ctx, "db/main", h)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, h)
			mu.Unlock()
			l.Release()
		}(holder)
		<-ready
		// Give the goroutine time to enqueue before starting the next so
		// arrival order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	first.Release()
	wg.Wait()

	assert.Equal(t, []string{"wf-1", "wf-2", "wf-3"}, order)
}

func TestAcquireTimeoutReturnsResourceBusy(t *testing.T) {
	m := testManager()

	first, err := m.Acquire(context.Background(), "pod/api-1", "wf-1")
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "pod/api-1", "wf-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrResourceBusy)
}

func TestAbandonedWaiterDoesNotStallQueue(t *testing.T) {
	m := testManager()
	bg := context.Background()

	first, err := m.Acquire(bg, "pod/api-1", "wf-1")
	require.NoError(t, err)

	// wf-2 gives up while queued.
	ctx, cancel := context.WithTimeout(bg, 30*time.Millisecond)
	_, err = m.Acquire(ctx, "pod/api-1", "wf-2")
	cancel()
	require.ErrorIs(t, err, model.ErrResourceBusy)

	// wf-3 queues after the abandoned waiter and must still get the lease.
	acquired := make(chan Lease, 1)
	go func() {
		l, err := m.Acquire(bg, "pod/api-1", "wf-3")
		require.NoError(t, err)
		acquired <- l
	}()
	time.Sleep(20 * time.Millisecond)

	first.Release()
	select {
	case l := <-acquired:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("queue stalled behind an abandoned waiter")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := testManager()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "pod/api-1", "wf-1")
	require.NoError(t, err)
	l.Release()
	l.Release() // second release is a no-op

	// The resource is free for the next holder.
	next, err := m.Acquire(ctx, "pod/api-1", "wf-2")
	require.NoError(t, err)
	next.Release()
}
