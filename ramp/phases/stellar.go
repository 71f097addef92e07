package phases

import (
	"context"

	"rampd/netclient"
	"rampd/ramp"
)

// spacewalkRedeemHandler submits the presigned redeem request that moves the
// off-ramp's output asset from the pendulum ephemeral to the stellar
// ephemeral via the spacewalk bridge. A balance-exceeded rejection means the
// redeem already consumed the funds on a previous attempt.
type spacewalkRedeemHandler struct {
	deps *Deps
}

func (h *spacewalkRedeemHandler) Name() string { return ramp.PhaseSpacewalkRedeem }

func (h *spacewalkRedeemHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	hash, already, err := submitPresigned(ctx, h.deps, state, ramp.PhaseSpacewalkRedeem, netclient.NetworkPendulum)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		state.SetMeta(MetaSpacewalkRedeemHash, hash)
	}
	return ramp.Outcome{NextPhase: ramp.PhaseStellarPayment}, nil
}

// stellarPaymentHandler submits the presigned payment from the stellar
// ephemeral to the payout anchor. A sequence conflict means the payment was
// accepted on a previous attempt.
type stellarPaymentHandler struct {
	deps *Deps
}

func (h *stellarPaymentHandler) Name() string { return ramp.PhaseStellarPayment }

func (h *stellarPaymentHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	if _, err := requireMeta(state, MetaStellarEphemeral); err != nil {
		return ramp.Outcome{}, err
	}
	hash, already, err := submitPresigned(ctx, h.deps, state, ramp.PhaseStellarPayment, netclient.NetworkStellar)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		state.SetMeta(MetaStellarPaymentHash, hash)
	}
	return ramp.Outcome{NextPhase: ramp.PhaseStellarCleanup}, nil
}

// stellarCleanupHandler merges the stellar ephemeral back into the treasury
// once the payment cleared.
type stellarCleanupHandler struct {
	deps *Deps
}

func (h *stellarCleanupHandler) Name() string { return ramp.PhaseStellarCleanup }

func (h *stellarCleanupHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	hash, already, err := submitPresigned(ctx, h.deps, state, ramp.PhaseStellarCleanup, netclient.NetworkStellar)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if !already {
		state.SetMeta(MetaStellarCleanupHash, hash)
	}
	return ramp.Outcome{NextPhase: ramp.PhasePendulumCleanup}, nil
}
