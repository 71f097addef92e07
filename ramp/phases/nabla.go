package phases

import (
	"context"
	"math/big"

	"rampd/netclient"
	"rampd/ramp"
)

// nablaApproveHandler submits the presigned allowance for the swap pool.
type nablaApproveHandler struct {
	deps *Deps
}

func (h *nablaApproveHandler) Name() string { return ramp.PhaseNablaApprove }

func (h *nablaApproveHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	hash, already, err := submitPresigned(ctx, h.deps, state, ramp.PhaseNablaApprove, netclient.NetworkPendulum)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		state.SetMeta(MetaNablaApproveHash, hash)
	}
	return ramp.Outcome{NextPhase: ramp.PhaseNablaSwap}, nil
}

// nablaSwapHandler executes the presigned pool swap converting the input
// asset into the output asset on the pendulum ephemeral.
type nablaSwapHandler struct {
	deps *Deps
}

func (h *nablaSwapHandler) Name() string { return ramp.PhaseNablaSwap }

func (h *nablaSwapHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	// The swap's minimum-out is committed at registration; its absence here
	// means registration never priced this ramp.
	if _, err := requireAmount(state, MetaOutputAmountRaw); err != nil {
		return ramp.Outcome{}, err
	}
	hash, already, err := submitPresigned(ctx, h.deps, state, ramp.PhaseNablaSwap, netclient.NetworkPendulum)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		state.SetMeta(MetaNablaSwapHash, hash)
	}
	return ramp.Outcome{NextPhase: ramp.PhaseSubsidizePostSwap}, nil
}

// subsidizePostSwapHandler tops the pendulum ephemeral up from the treasury
// when slippage left it short of the committed output amount.
type subsidizePostSwapHandler struct {
	deps *Deps
}

func (h *subsidizePostSwapHandler) Name() string { return ramp.PhaseSubsidizePostSwap }

func (h *subsidizePostSwapHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	ephemeral, err := requireMeta(state, MetaPendulumEphemeral)
	if err != nil {
		return ramp.Outcome{}, err
	}
	output, err := requireAmount(state, MetaOutputAmountRaw)
	if err != nil {
		return ramp.Outcome{}, err
	}
	next := ramp.Outcome{NextPhase: ramp.PhaseSpacewalkRedeem}
	if state.Type == ramp.OnRamp {
		next = ramp.Outcome{NextPhase: ramp.PhasePendulumToDest}
	}

	balance, err := accountBalance(ctx, h.deps, netclient.NetworkPendulum, ephemeral)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if balance.Cmp(output) >= 0 {
		// Swap delivered in full, or a previous attempt already subsidized.
		return next, nil
	}

	shortfall := new(big.Int).Sub(output, balance)
	hash, already, err := submitTreasury(ctx, h.deps, ramp.PhaseSubsidizePostSwap,
		netclient.NetworkPendulum, h.deps.Treasury.PendulumAddress, ephemeral, shortfall)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		state.SetMeta(MetaSubsidyHash, hash)
		h.deps.logger().Info("subsidized post-swap shortfall",
			"ramp", state.ID.String(), "account", ephemeral, "amount", shortfall.String(), "tx", hash)
	}
	return next, nil
}
