package phases

import (
	"context"
	"strings"

	"rampd/fiatprov"
	"rampd/netclient"
	"rampd/ramp"
)

// initialHandler gates the pipeline on incoming funds. Off-ramps wait for the
// client's crypto to land on the pendulum ephemeral account; on-ramps wait
// for the fiat deposit to settle at the payment provider.
type initialHandler struct {
	deps *Deps
}

func (h *initialHandler) Name() string { return ramp.PhaseInitial }

func (h *initialHandler) Execute(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	switch state.Type {
	case ramp.OffRamp:
		return h.awaitCryptoInput(ctx, state)
	case ramp.OnRamp:
		return h.awaitFiatDeposit(ctx, state)
	default:
		return ramp.Outcome{}, ramp.Unrecoverablef("phases: ramp %s has unknown type %q", state.ID, state.Type)
	}
}

func (h *initialHandler) awaitCryptoInput(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	ephemeral, err := requireMeta(state, MetaPendulumEphemeral)
	if err != nil {
		return ramp.Outcome{}, err
	}
	input, err := requireAmount(state, MetaInputAmountRaw)
	if err != nil {
		return ramp.Outcome{}, err
	}
	balance, err := accountBalance(ctx, h.deps, netclient.NetworkPendulum, ephemeral)
	if err != nil {
		return ramp.Outcome{}, err
	}
	if balance.Cmp(input) < 0 {
		return ramp.Outcome{}, ramp.Recoverablef("phases: input funds not yet arrived on %s (have %s, want %s)", ephemeral, balance, input)
	}
	return ramp.Outcome{NextPhase: ramp.PhaseFundEphemeral}, nil
}

func (h *initialHandler) awaitFiatDeposit(ctx context.Context, state *ramp.RampState) (ramp.Outcome, error) {
	if state.PayeeSubaccount == "" || state.DepositReference == "" {
		return ramp.Outcome{}, ramp.Unrecoverablef("phases: ramp %s missing provider subaccount or deposit reference", state.ID)
	}
	deposits, err := h.deps.Provider.DepositHistory(ctx, state.PayeeSubaccount)
	if err != nil {
		if fiatprov.IsRequestError(err) {
			return ramp.Outcome{}, ramp.Unrecoverablef("phases: deposit history for %s: %v", state.PayeeSubaccount, err)
		}
		return ramp.Outcome{}, ramp.Recoverablef("phases: deposit history for %s: %v", state.PayeeSubaccount, err)
	}
	for _, deposit := range deposits {
		if strings.EqualFold(strings.TrimSpace(deposit.Reference), state.DepositReference) && deposit.Settled() {
			return ramp.Outcome{NextPhase: ramp.PhaseFundEphemeral}, nil
		}
	}
	return ramp.Outcome{}, ramp.Recoverablef("phases: deposit %q not yet observed on subaccount %s", state.DepositReference, state.PayeeSubaccount)
}
