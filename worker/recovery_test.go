package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"rampd/ramp"
)

type fakeRecoveryStore struct {
	cutoffs []time.Time
	states  []*ramp.RampState
	err     error
}

func (s *fakeRecoveryStore) ListStalled(ctx context.Context, cutoff time.Time) ([]*ramp.RampState, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.states, s.err
}

type fakeDriver struct {
	processed []uuid.UUID
	errs      map[uuid.UUID]error
}

func (d *fakeDriver) Process(ctx context.Context, state *ramp.RampState) error {
	d.processed = append(d.processed, state.ID)
	return d.errs[state.ID]
}

func TestRecoverySweepRedrivesStalled(t *testing.T) {
	stalled := &ramp.RampState{ID: uuid.New(), CurrentPhase: ramp.PhaseNablaSwap}
	done := &ramp.RampState{ID: uuid.New(), CurrentPhase: ramp.PhaseComplete}
	store := &fakeRecoveryStore{states: []*ramp.RampState{stalled, done}}
	driver := &fakeDriver{}

	now := time.Unix(1_700_000_000, 0)
	recovery := NewRecovery(store, driver, time.Minute, 10*time.Minute,
		WithRecoveryClock(func() time.Time { return now }))

	recovery.Sweep(context.Background())

	require.Equal(t, []time.Time{now.Add(-10 * time.Minute)}, store.cutoffs)
	require.Equal(t, []uuid.UUID{stalled.ID}, driver.processed, "terminal ramps skipped")
}

func TestRecoverySweepIsolatesFailures(t *testing.T) {
	first := &ramp.RampState{ID: uuid.New(), CurrentPhase: ramp.PhaseInitial}
	second := &ramp.RampState{ID: uuid.New(), CurrentPhase: ramp.PhaseStellarPayment}
	store := &fakeRecoveryStore{states: []*ramp.RampState{first, second}}
	driver := &fakeDriver{errs: map[uuid.UUID]error{first.ID: errors.New("still stuck")}}

	recovery := NewRecovery(store, driver, time.Minute, 10*time.Minute)
	recovery.Sweep(context.Background())

	require.Equal(t, []uuid.UUID{first.ID, second.ID}, driver.processed)
}

func TestRecoverySweepToleratesQueryError(t *testing.T) {
	store := &fakeRecoveryStore{err: errors.New("db down")}
	driver := &fakeDriver{}

	recovery := NewRecovery(store, driver, time.Minute, 10*time.Minute)
	recovery.Sweep(context.Background())

	require.Empty(t, driver.processed)
}
