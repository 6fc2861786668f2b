// Package lifecycle runs the gateway process: it starts the listeners,
// waits for a shutdown signal or a listener failure, then drains and
// stops them within a deadline.
//
// # Process Lifecycle
//
// A [Service] moves through a finite state machine validated by
// [ValidTransition]:
//
//	Unknown → Starting → Running → Draining → Stopped
//
// Any non-terminal state may move to Failed when a component cannot
// start or exits unexpectedly. Observers registered with
// [ServiceBuilder.OnStateChange] see every transition; the gateway uses
// them to flip gRPC health to NOT_SERVING as soon as draining begins.
//
// # OpenTelemetry Integration
//
// Run and the drain phase create spans under the tracer scope
// "github.com/StricklySoft/storefront-gateway/pkg/lifecycle".
package lifecycle

import "slices"

// State is the lifecycle state of a [Service]. The zero value is not a
// valid state; services start in [StateUnknown].
type State string

const (
	// StateUnknown is the state of a service that has not been run.
	StateUnknown State = "unknown"

	// StateStarting is set while components are being launched.
	StateStarting State = "starting"

	// StateRunning means every component is serving. It is the only
	// state in which [Service.Health] reports healthy.
	StateRunning State = "running"

	// StateDraining is set once shutdown begins. Components stop
	// accepting new work and finish in-flight requests.
	StateDraining State = "draining"

	// StateStopped is the terminal state after a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed is the terminal state after a component failed.
	StateFailed State = "failed"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StateDraining,
		StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is [StateStopped] or [StateFailed].
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Draining, Failed
//	Running  → Draining, Failed
//	Draining → Stopped, Failed
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateDraining, StateFailed},
	StateRunning:  {StateDraining, StateFailed},
	StateDraining: {StateStopped, StateFailed},
}

// ValidTransition reports whether from may move to to. Same-state
// transitions and transitions out of terminal states are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	return slices.Contains(validTransitions[from], to)
}
