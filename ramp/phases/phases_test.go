package phases

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"rampd/fiatprov"
	"rampd/netclient"
	"rampd/ramp"
)

type stubConn struct {
	mu        sync.Mutex
	network   netclient.Network
	balances  map[string]*big.Int
	sequences map[string]uint64
	submitErr error
	submitted [][]byte
}

func (c *stubConn) Network() netclient.Network { return c.network }

func (c *stubConn) SpecVersion(ctx context.Context) (uint32, error) { return 1, nil }

func (c *stubConn) AccountSequence(ctx context.Context, account string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequences[account], nil
}

func (c *stubConn) AccountBalance(ctx context.Context, account string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if balance, ok := c.balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (c *stubConn) SubmitTransaction(ctx context.Context, payload []byte) (netclient.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return netclient.TxResult{}, c.submitErr
	}
	c.submitted = append(c.submitted, payload)
	return netclient.TxResult{Hash: "hash"}, nil
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) setBalance(account string, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances == nil {
		c.balances = make(map[string]*big.Int)
	}
	c.balances[account] = big.NewInt(amount)
}

type stubProvider struct {
	deposits []fiatprov.Deposit
}

func (p *stubProvider) SubaccountByTaxID(ctx context.Context, taxID string) (*fiatprov.Subaccount, error) {
	return &fiatprov.Subaccount{ID: "sub"}, nil
}

func (p *stubProvider) DepositHistory(ctx context.Context, subaccountID string) ([]fiatprov.Deposit, error) {
	return p.deposits, nil
}

func (p *stubProvider) TriggerPayout(ctx context.Context, req *fiatprov.PayoutRequest) (*fiatprov.Payout, error) {
	return &fiatprov.Payout{ID: "p1", Status: "completed"}, nil
}

type testEnv struct {
	deps     *Deps
	stellar  *stubConn
	pendulum *stubConn
	moonbeam *stubConn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stellar := &stubConn{network: netclient.NetworkStellar}
	pendulum := &stubConn{network: netclient.NetworkPendulum}
	moonbeam := &stubConn{network: netclient.NetworkMoonbeam}

	manager := netclient.NewManager()
	for _, conn := range []*stubConn{stellar, pendulum, moonbeam} {
		conn := conn
		manager.RegisterNetwork(conn.network, func(ctx context.Context) (netclient.Connection, error) {
			return conn, nil
		})
	}
	deps := &Deps{
		Networks: manager,
		Provider: &stubProvider{},
		Treasury: Treasury{
			PendulumAddress: "treasury-pen",
			StellarAddress:  "treasury-xlm",
			MoonbeamAddress: "treasury-glmr",
		},
		BuildTransfer: func(ctx context.Context, network netclient.Network, from, to string, amount *big.Int, nonce uint64) ([]byte, error) {
			return []byte("transfer:" + string(network)), nil
		},
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	return &testEnv{deps: deps, stellar: stellar, pendulum: pendulum, moonbeam: moonbeam}
}

type nullStore struct{}

func (nullStore) SaveRamp(ctx context.Context, state *ramp.RampState) error { return nil }

func (nullStore) GetRamp(ctx context.Context, id uuid.UUID) (*ramp.RampState, error) {
	return nil, errors.New("not persisted")
}

func (nullStore) SetProcessingLock(ctx context.Context, id uuid.UUID, locked bool) error { return nil }

func offRampState() *ramp.RampState {
	state := &ramp.RampState{
		ID:           uuid.New(),
		Type:         ramp.OffRamp,
		CurrentPhase: ramp.PhaseInitial,
		From:         "polygon",
		To:           "sepa",
		StateMeta:    ramp.MetaBag{},
	}
	state.SetMeta(MetaPendulumEphemeral, "eph-pen")
	state.SetMeta(MetaStellarEphemeral, "eph-xlm")
	state.SetMeta(MetaInputAmountRaw, "100")
	state.SetMeta(MetaOutputAmountRaw, "92")
	for _, phase := range []string{
		ramp.PhaseNablaApprove,
		ramp.PhaseNablaSwap,
		ramp.PhaseSpacewalkRedeem,
		ramp.PhaseStellarPayment,
		ramp.PhaseStellarCleanup,
		ramp.PhasePendulumCleanup,
	} {
		state.PresignedTxs = append(state.PresignedTxs, ramp.TxTemplate{
			Phase:   phase,
			Payload: "signed:" + phase,
		})
	}
	return state
}

func TestOffRampHappyPath(t *testing.T) {
	env := newTestEnv(t)
	// Client funds arrived on the pendulum ephemeral, enough to cover the
	// committed output so no subsidy is needed.
	env.pendulum.setBalance("eph-pen", 100)

	registry := ramp.NewRegistry()
	for _, handler := range All(env.deps) {
		registry.Register(handler)
	}
	require.NoError(t, registry.CheckComplete(ramp.Pipeline()...))

	processor := ramp.NewProcessor(registry, nullStore{},
		ramp.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))

	state := offRampState()
	require.NoError(t, processor.Process(context.Background(), state))
	require.Equal(t, ramp.PhaseComplete, state.CurrentPhase)

	visited := make([]string, 0, len(state.PhaseHistory))
	for _, transition := range state.PhaseHistory {
		visited = append(visited, transition.To)
	}
	require.Equal(t, []string{
		ramp.PhaseFundEphemeral,
		ramp.PhaseNablaApprove,
		ramp.PhaseNablaSwap,
		ramp.PhaseSubsidizePostSwap,
		ramp.PhaseSpacewalkRedeem,
		ramp.PhaseStellarPayment,
		ramp.PhaseStellarCleanup,
		ramp.PhasePendulumCleanup,
		ramp.PhaseComplete,
	}, visited)

	// One treasury funding on stellar plus the two presigned stellar phases.
	require.Len(t, env.stellar.submitted, 3)
	// Approve, swap, redeem, cleanup; no subsidy was necessary.
	require.Len(t, env.pendulum.submitted, 4)
	_, hasSubsidy := state.Meta(MetaSubsidyHash)
	require.False(t, hasSubsidy)
	_, hasPayment := state.Meta(MetaStellarPaymentHash)
	require.True(t, hasPayment)
}

func TestInitialWaitsForFunds(t *testing.T) {
	env := newTestEnv(t)
	env.pendulum.setBalance("eph-pen", 10) // partial arrival

	handler := &initialHandler{deps: env.deps}
	state := offRampState()

	_, err := handler.Execute(context.Background(), state)
	require.Error(t, err)
	require.True(t, ramp.IsRecoverable(err))

	env.pendulum.setBalance("eph-pen", 100)
	outcome, err := handler.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, ramp.PhaseFundEphemeral, outcome.NextPhase)
}

func TestIdempotentReentryOnNonceConflict(t *testing.T) {
	env := newTestEnv(t)
	handler := &stellarPaymentHandler{deps: env.deps}
	state := offRampState()

	outcome, err := handler.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, ramp.PhaseStellarCleanup, outcome.NextPhase)
	require.Len(t, env.stellar.submitted, 1)

	// The payment landed; re-entry sees a sequence conflict and must declare
	// the same next phase without double-submitting.
	env.stellar.mu.Lock()
	env.stellar.submitErr = &netclient.SubmitError{Network: netclient.NetworkStellar, Code: netclient.CodeNonceConflict}
	env.stellar.mu.Unlock()

	outcome, err = handler.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, ramp.PhaseStellarCleanup, outcome.NextPhase)
	require.Len(t, env.stellar.submitted, 1, "no duplicate submission")
}

func TestSpacewalkRedeemRetriesOnTransportFailure(t *testing.T) {
	env := newTestEnv(t)
	env.pendulum.mu.Lock()
	env.pendulum.submitErr = errors.New("netclient: author_submitExtrinsic: status=503")
	env.pendulum.mu.Unlock()

	handler := &spacewalkRedeemHandler{deps: env.deps}
	_, err := handler.Execute(context.Background(), offRampState())
	require.Error(t, err)
	require.True(t, ramp.IsRecoverable(err), "node never ruled on the extrinsic")
}

func TestSpacewalkRedeemTreatsBalanceExceededAsApplied(t *testing.T) {
	env := newTestEnv(t)
	env.pendulum.mu.Lock()
	env.pendulum.submitErr = &netclient.SubmitError{Network: netclient.NetworkPendulum, Code: netclient.CodeBalanceExceeded}
	env.pendulum.mu.Unlock()

	handler := &spacewalkRedeemHandler{deps: env.deps}
	outcome, err := handler.Execute(context.Background(), offRampState())
	require.NoError(t, err)
	require.Equal(t, ramp.PhaseStellarPayment, outcome.NextPhase)
}

func TestMissingMetaIsUnrecoverable(t *testing.T) {
	env := newTestEnv(t)
	handler := &initialHandler{deps: env.deps}
	state := offRampState()
	delete(state.StateMeta, MetaPendulumEphemeral)

	_, err := handler.Execute(context.Background(), state)
	require.Error(t, err)
	require.False(t, ramp.IsRecoverable(err))
}

func TestSubsidizeTopsUpShortfall(t *testing.T) {
	env := newTestEnv(t)
	env.pendulum.setBalance("eph-pen", 80) // swap came in under the committed 92

	handler := &subsidizePostSwapHandler{deps: env.deps}
	state := offRampState()
	outcome, err := handler.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, ramp.PhaseSpacewalkRedeem, outcome.NextPhase)
	require.Len(t, env.pendulum.submitted, 1)
	_, hasSubsidy := state.Meta(MetaSubsidyHash)
	require.True(t, hasSubsidy)
}

func TestDestinationRouteRecorded(t *testing.T) {
	env := newTestEnv(t)
	handler := &pendulumToDestHandler{deps: env.deps}

	direct := offRampState()
	direct.Type = ramp.OnRamp
	direct.To = "assethub"
	direct.PresignedTxs = append(direct.PresignedTxs, ramp.TxTemplate{Phase: ramp.PhasePendulumToDest, Payload: "signed:dest"})

	outcome, err := handler.Execute(context.Background(), direct)
	require.NoError(t, err)
	require.Equal(t, ramp.PhaseComplete, outcome.NextPhase)
	route, ok := direct.Meta(MetaDestRoute)
	require.True(t, ok)
	require.Equal(t, RouteDirect, route)

	bridged := offRampState()
	bridged.Type = ramp.OnRamp
	bridged.To = "polygon"
	bridged.PresignedTxs = append(bridged.PresignedTxs, ramp.TxTemplate{Phase: ramp.PhasePendulumToDest, Payload: "signed:dest"})

	_, err = handler.Execute(context.Background(), bridged)
	require.NoError(t, err)
	route, _ = bridged.Meta(MetaDestRoute)
	require.Equal(t, RouteBridged, route)
}

func TestOnRampInitialWaitsForDeposit(t *testing.T) {
	env := newTestEnv(t)
	provider := &stubProvider{}
	env.deps.Provider = provider

	state := offRampState()
	state.Type = ramp.OnRamp
	state.PayeeSubaccount = "sub-1"
	state.DepositReference = "ref-1"

	handler := &initialHandler{deps: env.deps}
	_, err := handler.Execute(context.Background(), state)
	require.Error(t, err)
	require.True(t, ramp.IsRecoverable(err))

	provider.deposits = []fiatprov.Deposit{{ID: "d1", Reference: "ref-1", Status: "settled"}}
	outcome, err := handler.Execute(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, ramp.PhaseFundEphemeral, outcome.NextPhase)
}
