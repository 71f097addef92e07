package phases

import (
	"context"
	"strings"

	"rampd/netclient"
	"rampd/ramp"
)

// pendulumCleanupHandler returns the pendulum ephemeral's remaining dust to
// the treasury, closing the off-ramp pipeline.
type pendulumCleanupHandler struct {
	deps *Deps
}

func (h *pendulumCleanupHandler) Name() string { return ramp.PhasePendulumCleanup }

func (h *pendulumCleanupHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	hash, already, err := submitPresigned(ctx, h.deps, state, ramp.PhasePendulumCleanup, netclient.NetworkPendulum)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		state.SetMeta(MetaPendulumCleanupHash, hash)
	}
	return ramp.Outcome{NextPhase: ramp.PhaseComplete}, nil
}

// pendulumToDestHandler delivers the on-ramp's output to the client's
// destination: a direct transfer when the destination is the native
// parachain's sibling, otherwise bridged back through the EVM hop.
type pendulumToDestHandler struct {
	deps *Deps
}

func (h *pendulumToDestHandler) Name() string { return ramp.PhasePendulumToDest }

func (h *pendulumToDestHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	if _, err := requireMeta(state, MetaPendulumEphemeral); err != nil {
		return ramp.Outcome{}, err
	}
	route := RouteBridged
	if strings.EqualFold(state.To, railAssetHub) {
		route = RouteDirect
	}
	state.SetMeta(MetaDestRoute, route)
	hash, already, err := submitPresigned(ctx, h.deps, state, ramp.PhasePendulumToDest, netclient.NetworkPendulum)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		state.SetMeta(MetaDestTransferHash, hash)
		h.deps.logger().Info("destination transfer submitted",
			"ramp", state.ID.String(), "to", state.To, "route", route, "tx", hash)
	}
	return ramp.Outcome{NextPhase: ramp.PhaseComplete}, nil
}

// completeHandler is the terminal no-op. Returning its own name tells the
// processor the ramp is done; post-completion work belongs to the cleanup
// sweep, not a phase.
type completeHandler struct{}

func (h *completeHandler) Name() string { return ramp.PhaseComplete }

func (h *completeHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	return ramp.Outcome{NextPhase: ramp.PhaseComplete}, nil
}
