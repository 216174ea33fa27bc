// Package lease serializes work per target resource. At most one workflow
// may hold a resource's lease while executing or rolling back; everyone
// else waits their turn or times out with model.ErrResourceBusy.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// Lease is a held grant. Release is idempotent.
type Lease interface {
	Release()
}

// Manager grants exclusive per-resource leases.
type Manager interface {
	// Acquire blocks until the resource lease is granted or ctx expires.
	// Expiry returns an error wrapping model.ErrResourceBusy.
	Acquire(ctx context.Context, resource, holder string) (Lease, error)
}

// MemoryManager is the single-node manager. Waiters are queued FIFO, so
// within one resource, grants follow arrival order.
type MemoryManager struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	logger    *slog.Logger
}

type resourceState struct {
	holder  string
	waiters []*waiter
}

type waiter struct {
	holder  string
	granted chan struct{}
}

// NewMemoryManager creates an empty manager.
func NewMemoryManager(logger *slog.Logger) *MemoryManager {
	return &MemoryManager{
		resources: make(map[string]*resourceState),
		logger:    logger,
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, resource, holder string) (Lease, error) {
	m.mu.Lock()
	rs, ok := m.resources[resource]
	if !ok {
		rs = &resourceState{}
		m.resources[resource] = rs
	}
	if rs.holder == "" && len(rs.waiters) == 0 {
		rs.holder = holder
		m.mu.Unlock()
		m.logger.Debug("lease granted", "resource", resource, "holder", holder)
		return &memoryLease{m: m, resource: resource, holder: holder}, nil
	}

	w := &waiter{holder: holder, granted: make(chan struct{})}
	rs.waiters = append(rs.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.granted:
		m.logger.Debug("lease granted after wait", "resource", resource, "holder", holder)
		return &memoryLease{m: m, resource: resource, holder: holder}, nil
	case <-ctx.Done():
		m.abandon(resource, w)
		return nil, fmt.Errorf("lease on %s held elsewhere: %w", resource, model.ErrResourceBusy)
	}
}

// abandon removes a waiter that gave up. If the grant raced the timeout,
// the grant is passed along instead of being lost.
func (m *MemoryManager) abandon(resource string, w *waiter) {
	m.mu.Lock()
	rs := m.resources[resource]
	if rs == nil {
		m.mu.Unlock()
		return
	}
	for i, queued := range rs.waiters {
		if queued == w {
			rs.waiters = append(rs.waiters[:i], rs.waiters[i+1:]...)
			m.mu.Unlock()
			return
		}
	}
	// Not in the queue: the grant already landed. Hand it to the next in
	// line as if this waiter released immediately.
	m.releaseLocked(resource, w.holder)
	m.mu.Unlock()
}

// releaseLocked passes the lease to the next waiter or clears the entry.
// Callers hold m.mu.
func (m *MemoryManager) releaseLocked(resource, holder string) {
	rs := m.resources[resource]
	if rs == nil || rs.holder != holder {
		return
	}
	if len(rs.waiters) == 0 {
		delete(m.resources, resource)
		return
	}
	next := rs.waiters[0]
	rs.waiters = rs.waiters[1:]
	rs.holder = next.holder
	close(next.granted)
}

type memoryLease struct {
	m        *MemoryManager
	resource string
	holder   string
	once     sync.Once
}

func (l *memoryLease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		l.m.releaseLocked(l.resource, l.holder)
		l.m.mu.Unlock()
		l.m.logger.Debug("lease released", "resource", l.resource, "holder", l.holder)
	})
}
