// Package connector is the boundary to real infrastructure. The control
// plane never talks to cloud or cluster APIs directly; it goes through a
// Connector so executions stay swappable and testable.
package connector

import (
	"context"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// Connector performs actions against a target platform.
type Connector interface {
	// Execute runs the action and returns its output.
	Execute(ctx context.Context, action *model.Action) (string, error)

	// ProbeHealth verifies the resource is healthy. A nil error means
	// healthy; any error counts as unhealthy.
	ProbeHealth(ctx context.Context, resource string) error

	// CaptureState serializes enough of the resource's current state to
	// restore it later. The payload is opaque to the control plane.
	CaptureState(ctx context.Context, resource string) ([]byte, error)

	// RestoreState reapplies previously captured state.
	RestoreState(ctx context.Context, resource string, state []byte) error
}
