// Package dispatch routes supervisor events to specialist workers. The
// registry is an explicit value handed to the supervisor at construction;
// there is no process-wide worker table.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// Worker handles one dispatched event and reports a normalized result.
type Worker interface {
	Handle(ctx context.Context, ev *model.SupervisorEvent) (*model.AgentResult, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, ev *model.SupervisorEvent) (*model.AgentResult, error)

// Handle calls f.
func (f WorkerFunc) Handle(ctx context.Context, ev *model.SupervisorEvent) (*model.AgentResult, error) {
	return f(ctx, ev)
}

// Registry maps worker types to their entry points.
type Registry struct {
	mu      sync.RWMutex
	workers map[model.WorkerType]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[model.WorkerType]Worker)}
}

// Register installs or replaces the worker for a type.
func (r *Registry) Register(t model.WorkerType, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[t] = w
}

// Resolve returns the worker for a type. An unregistered type yields an
// error wrapping model.ErrUnknownWorker.
func (r *Registry) Resolve(t model.WorkerType) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownWorker, t)
	}
	return w, nil
}

// Types lists the registered worker types, sorted for stable output.
func (r *Registry) Types() []model.WorkerType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.WorkerType, 0, len(r.workers))
	for t := range r.workers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
