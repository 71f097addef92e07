package phases

import (
	"context"
	"math/big"

	"rampd/netclient"
	"rampd/ramp"
)

// stellarEphemeralReserve is the starting balance (in stroops) lent to every
// stellar ephemeral account so it clears the base reserve plus fees. Swept
// back to the treasury by the cleanup worker.
var stellarEphemeralReserve = big.NewInt(25_000_000)

// fundEphemeralHandler seeds the ramp's ephemeral accounts from the treasury.
// Off-ramps create the stellar ephemeral account that will receive the
// spacewalk redeem; on-ramps fund the moonbeam ephemeral that carries the
// purchased asset into the parachain.
type fundEphemeralHandler struct {
	deps *Deps
}

func (h *fundEphemeralHandler) Name() string { return ramp.PhaseFundEphemeral }

func (h *fundEphemeralHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	switch state.Type {
	case ramp.OffRamp:
		return h.fundStellar(ctx, state)
	case ramp.OnRamp:
		return h.fundMoonbeam(ctx, state)
	default:
		return ramp.Outcome{}, ramp.Unrecoverablef("phases: ramp %s has unknown type %q", state.ID, state.Type)
	}
}

func (h *fundEphemeralHandler) fundStellar(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	ephemeral, err := requireMeta(state, MetaStellarEphemeral)
	if err != nil {
		return ramp.Outcome{}, err
	}
	next := ramp.Outcome{NextPhase: ramp.PhaseNablaApprove}

	// Funded on a previous attempt: the account exists with a balance.
	balance, err := accountBalance(ctx, h.deps, netclient.NetworkStellar, ephemeral)
	if err == nil && balance.Sign() > 0 {
		return next, nil
	}

	hash, already, err := submitTreasury(ctx, h.deps, ramp.PhaseFundEphemeral,
		netclient.NetworkStellar, h.deps.Treasury.StellarAddress, ephemeral, stellarEphemeralReserve)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		h.deps.logger().Info("funded stellar ephemeral",
			"ramp", state.ID.String(), "account", ephemeral, "tx", hash)
	}
	return next, nil
}

func (h *fundEphemeralHandler) fundMoonbeam(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	ephemeral, err := requireMeta(state, MetaMoonbeamEphemeral)
	if err != nil {
		return ramp.Outcome{}, err
	}
	input, err := requireAmount(state, MetaInputAmountRaw)
	if err != nil {
		return ramp.Outcome{}, err
	}
	next := ramp.Outcome{NextPhase: ramp.PhaseMoonbeamToPendulum}

	balance, err := accountBalance(ctx, h.deps, netclient.NetworkMoonbeam, ephemeral)
	if err == nil && balance.Cmp(input) >= 0 {
		return next, nil
	}

	hash, already, err := submitTreasury(ctx, h.deps, ramp.PhaseFundEphemeral,
		netclient.NetworkMoonbeam, h.deps.Treasury.MoonbeamAddress, ephemeral, input)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		h.deps.logger().Info("funded moonbeam ephemeral",
			"ramp", state.ID.String(), "account", ephemeral, "tx", hash)
	}
	return next, nil
}

// moonbeamToPendulumHandler submits the presigned XCM transfer moving the
// on-ramp's asset from the moonbeam ephemeral to the pendulum ephemeral.
type moonbeamToPendulumHandler struct {
	deps *Deps
}

func (h *moonbeamToPendulumHandler) Name() string { return ramp.PhaseMoonbeamToPendulum }

func (h *moonbeamToPendulumHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	pendulumEphemeral, err := requireMeta(state, MetaPendulumEphemeral)
	if err != nil {
		return ramp.Outcome{}, err
	}
	input, err := requireAmount(state, MetaInputAmountRaw)
	if err != nil {
		return ramp.Outcome{}, err
	}
	next := ramp.Outcome{NextPhase: ramp.PhaseNablaApprove}

	// Funds already visible on the pendulum side means the XCM completed on
	// a previous attempt.
	balance, err := accountBalance(ctx, h.deps, netclient.NetworkPendulum, pendulumEphemeral)
	if err == nil && balance.Cmp(input) >= 0 {
		return next, nil
	}

	hash, already, err := submitPresigned(ctx, h.deps, state, ramp.PhaseMoonbeamToPendulum, netclient.NetworkMoonbeam)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if already {
		// Submitted but not yet settled on the destination chain.
		return ramp.Outcome{}, ramp.Recoverablef("phases: xcm transfer in flight for ramp %s", state.ID)
	}
	state.SetMeta(MetaMoonbeamXcmHash, hash)
	return next, nil
}
