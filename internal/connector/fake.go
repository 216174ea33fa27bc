package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// Fake is an in-process connector for development mode and tests. Each
// hook can be overridden; unset hooks fall back to a small in-memory
// resource model so capture and restore round-trip.
type Fake struct {
	mu        sync.Mutex
	resources map[string]map[string]any
	calls     []string

	ExecuteFunc      func(ctx context.Context, action *model.Action) (string, error)
	ProbeHealthFunc  func(ctx context.Context, resource string) error
	CaptureStateFunc func(ctx context.Context, resource string) ([]byte, error)
	RestoreStateFunc func(ctx context.Context, resource string, state []byte) error
}

// NewFake builds an empty fake.
func NewFake() *Fake {
	return &Fake{resources: make(map[string]map[string]any)}
}

// SeedResource installs initial state for a resource.
func (f *Fake) SeedResource(resource string, state map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[resource] = state
}

// ResourceState returns the current state of a resource.
func (f *Fake) ResourceState(resource string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources[resource]
}

// Calls lists the operations performed, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *Fake) Execute(ctx context.Context, action *model.Action) (string, error) {
	f.record("execute:" + string(action.Type) + ":" + action.TargetResource)
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, action)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.resources[action.TargetResource]
	if !ok {
		state = make(map[string]any)
		f.resources[action.TargetResource] = state
	}
	state["last_action"] = string(action.Type)
	state["last_action_at"] = time.Now().UTC().Format(time.RFC3339)
	return fmt.Sprintf("%s applied to %s", action.Type, action.TargetResource), nil
}

func (f *Fake) ProbeHealth(ctx context.Context, resource string) error {
	f.record("probe:" + resource)
	if f.ProbeHealthFunc != nil {
		return f.ProbeHealthFunc(ctx, resource)
	}
	return nil
}

func (f *Fake) CaptureState(ctx context.Context, resource string) ([]byte, error) {
	f.record("capture:" + resource)
	if f.CaptureStateFunc != nil {
		return f.CaptureStateFunc(ctx, resource)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.resources[resource]
	if !ok {
		state = map[string]any{}
	}
	return json.Marshal(state)
}

func (f *Fake) RestoreState(ctx context.Context, resource string, state []byte) error {
	f.record("restore:" + resource)
	if f.RestoreStateFunc != nil {
		return f.RestoreStateFunc(ctx, resource, state)
	}
	var decoded map[string]any
	if err := json.Unmarshal(state, &decoded); err != nil {
		return fmt.Errorf("failed to decode captured state: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[resource] = decoded
	return nil
}
