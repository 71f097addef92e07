package ramp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Outcome is a handler's declaration of the phase that should own the ramp
// next. Handlers return their own phase name to signal "no progress".
type Outcome struct {
	NextPhase string
}

// Handler executes the side-effecting work for one named phase.
//
// Execute must be idempotent with respect to external effects: when invoked
// again for a ramp whose chain-level action already succeeded it must detect
// the applied state and declare the next phase without double-submitting.
type Handler interface {
	Name() string
	Execute(ctx context.Context, state *RampState) (Outcome, error)
}

// Registry is the phase-name to handler lookup table populated at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register stores the handler under its phase name. Duplicate registration
// silently overwrites the previous handler.
func (r *Registry) Register(h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get returns the handler owning the phase, if registered.
func (r *Registry) Get(phase string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[phase]
	return h, ok
}

// Names returns the registered phase names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MisconfigurationError reports phases with no registered handler.
type MisconfigurationError struct {
	Missing []string
}

// Error implements error.
func (e *MisconfigurationError) Error() string {
	return fmt.Sprintf("ramp: no handler registered for phases: %s", strings.Join(e.Missing, ", "))
}

// CheckComplete verifies that every named phase has a handler. It is meant to
// run at boot so an incomplete registration surfaces as a startup failure
// instead of a silently stalled ramp.
func (r *Registry) CheckComplete(phases ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, phase := range phases {
		if _, ok := r.handlers[phase]; !ok {
			missing = append(missing, phase)
		}
	}
	if len(missing) > 0 {
		return &MisconfigurationError{Missing: missing}
	}
	return nil
}

// Pipeline lists every non-terminal phase a complete deployment must register.
func Pipeline() []string {
	return []string{
		PhaseInitial,
		PhaseFundEphemeral,
		PhaseMoonbeamToPendulum,
		PhaseNablaApprove,
		PhaseNablaSwap,
		PhaseSubsidizePostSwap,
		PhaseSpacewalkRedeem,
		PhaseStellarPayment,
		PhaseStellarCleanup,
		PhasePendulumCleanup,
		PhasePendulumToDest,
		PhaseComplete,
	}
}
