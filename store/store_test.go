package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"rampd/ramp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pendingQuote(t *testing.T, s *Store, expires time.Time) *ramp.QuoteTicket {
	t.Helper()
	quote := &ramp.QuoteTicket{
		ID:             uuid.New(),
		Status:         ramp.QuoteStatusPending,
		InputCurrency:  "usdc",
		OutputCurrency: "eur",
		InputAmount:    "100000000",
		OutputAmount:   "92000000",
		ExpiresAt:      expires,
	}
	require.NoError(t, s.CreateQuote(context.Background(), quote))
	return quote
}

func registerParams() RegisterParams {
	return RegisterParams{
		Type: ramp.OffRamp,
		From: "polygon",
		To:   "sepa",
		UnsignedTxs: ramp.TxTemplates{
			{Phase: ramp.PhaseNablaApprove, Network: "pendulum", Signer: "eph", Nonce: 0},
		},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestRegisterRampConsumesQuoteOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	quote := pendingQuote(t, s, time.Now().Add(time.Hour))

	state, err := s.RegisterRamp(ctx, quote.ID, registerParams())
	require.NoError(t, err)
	require.Equal(t, ramp.PhaseInitial, state.CurrentPhase)
	require.Equal(t, quote.ID, state.Quote)

	_, err = s.RegisterRamp(ctx, quote.ID, registerParams())
	require.ErrorIs(t, err, ErrQuoteNotPending)
}

func TestRegisterRampRejectsExpiredQuote(t *testing.T) {
	s := openTestStore(t)
	quote := pendingQuote(t, s, time.Now().Add(-time.Minute))

	_, err := s.RegisterRamp(context.Background(), quote.ID, registerParams())
	require.ErrorIs(t, err, ErrQuoteExpired)
}

func TestRegisterRampUnknownQuote(t *testing.T) {
	s := openTestStore(t)
	_, err := s.RegisterRamp(context.Background(), uuid.New(), registerParams())
	require.ErrorIs(t, err, ErrQuoteNotFound)
}

func TestRegisterRampValidatesTemplateCount(t *testing.T) {
	s := openTestStore(t)
	quote := pendingQuote(t, s, time.Now().Add(time.Hour))

	params := registerParams()
	params.UnsignedTxs = nil
	_, err := s.RegisterRamp(context.Background(), quote.ID, params)
	require.Error(t, err)

	params = registerParams()
	for i := 0; i < 11; i++ {
		params.UnsignedTxs = append(params.UnsignedTxs, ramp.TxTemplate{Phase: fmt.Sprintf("p%d", i)})
	}
	_, err = s.RegisterRamp(context.Background(), quote.ID, params)
	require.Error(t, err)
}

func TestAttachPresignedImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	quote := pendingQuote(t, s, time.Now().Add(time.Hour))
	state, err := s.RegisterRamp(ctx, quote.ID, registerParams())
	require.NoError(t, err)

	signed := ramp.TxTemplates{{Phase: ramp.PhaseNablaApprove, Network: "pendulum", Payload: "0xsigned"}}
	updated, err := s.AttachPresigned(ctx, state.ID, signed)
	require.NoError(t, err)
	require.Len(t, updated.PresignedTxs, 1)

	_, err = s.AttachPresigned(ctx, state.ID, signed)
	require.ErrorIs(t, err, ErrPresignedAlreadySet)
}

func TestListStalledFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mkRamp := func(phase string, presigned bool) *ramp.RampState {
		quote := pendingQuote(t, s, now.Add(time.Hour))
		state, err := s.RegisterRamp(ctx, quote.ID, registerParams())
		require.NoError(t, err)
		if presigned {
			_, err = s.AttachPresigned(ctx, state.ID, ramp.TxTemplates{{Phase: ramp.PhaseNablaApprove, Payload: "x"}})
			require.NoError(t, err)
		}
		state, err = s.GetRamp(ctx, state.ID)
		require.NoError(t, err)
		if phase != ramp.PhaseInitial {
			state.RecordTransition(phase, now)
			require.NoError(t, s.SaveRamp(ctx, state))
		}
		return state
	}

	stalled := mkRamp(ramp.PhaseNablaSwap, true)
	mkRamp(ramp.PhaseComplete, true)    // complete: excluded
	mkRamp(ramp.PhaseNablaSwap, false)  // never started: excluded

	// A cutoff in the future makes every row "stale"; the filter under test
	// is the phase and presigned conditions.
	states, err := s.ListStalled(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, stalled.ID, states[0].ID)
}

func TestCleanupRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	quote := pendingQuote(t, s, time.Now().Add(time.Hour))
	state, err := s.RegisterRamp(ctx, quote.ID, registerParams())
	require.NoError(t, err)

	state.RecordTransition(ramp.PhaseComplete, time.Now().UTC())
	require.NoError(t, s.SaveRamp(ctx, state))

	pending, err := s.ListCleanupPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	now := time.Now().UTC()
	require.NoError(t, s.SaveCleanup(ctx, state.ID, ramp.CleanupState{Completed: true, CleanupAt: &now}))

	pending, err = s.ListCleanupPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	reloaded, err := s.GetRamp(ctx, state.ID)
	require.NoError(t, err)
	require.True(t, reloaded.PostComplete.Completed)
	require.True(t, reloaded.CleanupCompleted)
}

func TestUnhandledCandidateLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	quote := pendingQuote(t, s, time.Now().Add(time.Hour))
	params := registerParams()
	params.PayeeSubaccount = "sub-1"
	params.DepositReference = "ref-1"
	state, err := s.RegisterRamp(ctx, quote.ID, params)
	require.NoError(t, err)

	// Freshly created: inside the grace period, not a candidate.
	candidates, err := s.ListUnhandledCandidates(ctx, 30*time.Minute, 5*24*time.Hour)
	require.NoError(t, err)
	require.Empty(t, candidates)

	// With a zero grace period the stuck-in-initial ramp qualifies.
	candidates, err = s.ListUnhandledCandidates(ctx, 0, 5*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, state.ID, candidates[0].ID)

	require.NoError(t, s.MarkUnhandledEvaluated(ctx, state.ID))
	candidates, err = s.ListUnhandledCandidates(ctx, 0, 5*24*time.Hour)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestSetProcessingLockKeepsUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	quote := pendingQuote(t, s, time.Now().Add(time.Hour))
	state, err := s.RegisterRamp(ctx, quote.ID, registerParams())
	require.NoError(t, err)

	before, err := s.GetRamp(ctx, state.ID)
	require.NoError(t, err)

	require.NoError(t, s.SetProcessingLock(ctx, state.ID, true))
	after, err := s.GetRamp(ctx, state.ID)
	require.NoError(t, err)
	require.True(t, after.ProcessingLock)
	require.Equal(t, before.UpdatedAt.Unix(), after.UpdatedAt.Unix(), "staleness clock untouched")
}
