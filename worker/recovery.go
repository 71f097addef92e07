// Package worker hosts the periodic sweeps that keep ramps moving: recovery
// of stalled ramps, post-completion cleanup, and unhandled-payment
// reconciliation.
package worker

import (
	"context"
	"log/slog"
	"time"

	"rampd/observability"
	"rampd/ramp"
)

// Driver re-enters a ramp's phase pipeline. Satisfied by *ramp.Processor.
type Driver interface {
	Process(ctx context.Context, state *ramp.RampState) error
}

// RecoveryStore lists ramps whose state stopped advancing.
type RecoveryStore interface {
	ListStalled(ctx context.Context, cutoff time.Time) ([]*ramp.RampState, error)
}

// Recovery periodically re-drives started ramps that have not advanced
// within the staleness threshold. Each re-entry gets a fresh retry budget;
// failures stay on the individual ramp and never stop the sweep.
type Recovery struct {
	store     RecoveryStore
	driver    Driver
	interval  time.Duration
	staleness time.Duration
	logger    *slog.Logger
	metrics   *observability.RampMetrics
	now       func() time.Time
}

// RecoveryOption customises the worker.
type RecoveryOption func(*Recovery)

// WithRecoveryLogger sets the sweep logger.
func WithRecoveryLogger(logger *slog.Logger) RecoveryOption {
	return func(w *Recovery) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithRecoveryMetrics sets the metrics sink.
func WithRecoveryMetrics(metrics *observability.RampMetrics) RecoveryOption {
	return func(w *Recovery) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

// WithRecoveryClock sets the time source.
func WithRecoveryClock(clock func() time.Time) RecoveryOption {
	return func(w *Recovery) {
		if clock != nil {
			w.now = clock
		}
	}
}

// NewRecovery wires the recovery worker.
func NewRecovery(store RecoveryStore, driver Driver, interval, staleness time.Duration, opts ...RecoveryOption) *Recovery {
	w := &Recovery{
		store:     store,
		driver:    driver,
		interval:  interval,
		staleness: staleness,
		logger:    slog.Default(),
		metrics:   observability.Ramp(),
		now:       time.Now,
	}
	if w.interval <= 0 {
		w.interval = 5 * time.Minute
	}
	if w.staleness <= 0 {
		w.staleness = 10 * time.Minute
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *Recovery) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep performs one recovery pass.
func (w *Recovery) Sweep(ctx context.Context) {
	cutoff := w.now().Add(-w.staleness)
	states, err := w.store.ListStalled(ctx, cutoff)
	if err != nil {
		w.logger.Error("recovery sweep query failed", slog.String("error", err.Error()))
		w.metrics.RecordSweep("recovery", "error")
		return
	}
	recovered := 0
	for _, state := range states {
		if state.Terminal() {
			continue
		}
		if err := w.driver.Process(ctx, state); err != nil {
			// The processor already appended the failure to the ramp's
			// error log; the sweep just moves on.
			w.logger.Warn("recovery re-drive failed",
				slog.String("ramp", state.ID.String()),
				slog.String("phase", state.CurrentPhase),
				slog.String("error", err.Error()))
			continue
		}
		recovered++
		if ctx.Err() != nil {
			return
		}
	}
	w.metrics.RecordSweep("recovery", "ok")
	if len(states) > 0 {
		w.logger.Info("recovery sweep finished",
			slog.Int("candidates", len(states)),
			slog.Int("recovered", recovered))
	}
}
