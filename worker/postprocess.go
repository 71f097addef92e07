package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"rampd/fiatprov"
	"rampd/netclient"
	"rampd/ramp"
	"rampd/ramp/phases"
)

// PostDeps bundles the collaborators the shipped post-processors need.
type PostDeps struct {
	Networks *netclient.Manager
	Provider fiatprov.Provider
	Treasury phases.Treasury
	Logger   *slog.Logger
}

// DefaultPostProcessors returns the shipped post-completion handler set.
func DefaultPostProcessors(deps *PostDeps) []PostProcessor {
	return []PostProcessor{
		&stellarSweepProcessor{deps: deps},
		&pendulumDustProcessor{deps: deps},
		&payoutConfirmProcessor{deps: deps},
	}
}

// stellarSweepProcessor verifies the stellar ephemeral was merged back into
// the treasury. While the account still holds a balance the handler fails,
// so the sweep keeps retrying until the merge settles.
type stellarSweepProcessor struct {
	deps *PostDeps
}

func (p *stellarSweepProcessor) Name() string { return "stellarEphemeralSweep" }

func (p *stellarSweepProcessor) ShouldProcess(state *ramp.RampState) bool {
	if state.Type != ramp.OffRamp {
		return false
	}
	_, ok := state.Meta(phases.MetaStellarEphemeral)
	return ok
}

func (p *stellarSweepProcessor) Process(ctx context.Context, state *ramp.RampState) error {
	account, _ := state.Meta(phases.MetaStellarEphemeral)
	conn, err := p.deps.Networks.GetConnection(ctx, netclient.NetworkStellar)
	if err != nil {
		return fmt.Errorf("stellar connection: %w", err)
	}
	balance, err := conn.AccountBalance(ctx, account)
	if err != nil {
		// A merged account no longer resolves; treat lookup failure on a
		// cleaned ramp as the merge having settled.
		if _, done := state.Meta(phases.MetaStellarCleanupHash); done {
			return nil
		}
		return fmt.Errorf("stellar balance for %s: %w", account, err)
	}
	if balance.Sign() > 0 {
		return fmt.Errorf("stellar ephemeral %s still holds %s stroops", account, balance)
	}
	return nil
}

// pendulumDustThreshold is the residue (in the chain's raw units) considered
// acceptable to leave behind on a pendulum ephemeral.
var pendulumDustThreshold = big.NewInt(1_000_000_000)

// pendulumDustProcessor verifies the pendulum ephemeral was drained down to
// dust by the cleanup phase.
type pendulumDustProcessor struct {
	deps *PostDeps
}

func (p *pendulumDustProcessor) Name() string { return "pendulumDustRefund" }

func (p *pendulumDustProcessor) ShouldProcess(state *ramp.RampState) bool {
	_, ok := state.Meta(phases.MetaPendulumEphemeral)
	return ok
}

func (p *pendulumDustProcessor) Process(ctx context.Context, state *ramp.RampState) error {
	account, _ := state.Meta(phases.MetaPendulumEphemeral)
	conn, err := p.deps.Networks.GetConnection(ctx, netclient.NetworkPendulum)
	if err != nil {
		return fmt.Errorf("pendulum connection: %w", err)
	}
	balance, err := conn.AccountBalance(ctx, account)
	if err != nil {
		return fmt.Errorf("pendulum balance for %s: %w", account, err)
	}
	if balance.Cmp(pendulumDustThreshold) > 0 {
		return fmt.Errorf("pendulum ephemeral %s still holds %s raw units", account, balance)
	}
	return nil
}

// payoutConfirmProcessor triggers the off-ramp's fiat payout and confirms it
// settled. The provider deduplicates on the reference, so re-running after a
// crash never pays twice.
type payoutConfirmProcessor struct {
	deps *PostDeps
}

func (p *payoutConfirmProcessor) Name() string { return "payoutConfirmation" }

func (p *payoutConfirmProcessor) ShouldProcess(state *ramp.RampState) bool {
	if state.Type != ramp.OffRamp || state.PayeeSubaccount == "" {
		return false
	}
	if _, ok := state.Meta(phases.MetaOutputAmountRaw); !ok {
		return false
	}
	_, ok := state.Meta(phases.MetaPayoutCurrency)
	return ok
}

func (p *payoutConfirmProcessor) Process(ctx context.Context, state *ramp.RampState) error {
	amount, _ := state.Meta(phases.MetaOutputAmountRaw)
	currency, _ := state.Meta(phases.MetaPayoutCurrency)
	payout, err := p.deps.Provider.TriggerPayout(ctx, &fiatprov.PayoutRequest{
		SubaccountID: state.PayeeSubaccount,
		Amount:       amount,
		Currency:     currency,
		Reference:    "ramp-" + state.ID.String(),
	})
	if err != nil {
		return fmt.Errorf("trigger payout: %w", err)
	}
	if !payout.Completed() {
		return fmt.Errorf("payout %s still %s", payout.ID, payout.Status)
	}
	return nil
}
