package worker

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"rampd/alerts"
	"rampd/fiatprov"
	"rampd/observability"
	"rampd/ramp"
)

// UnhandledStore is the persistence surface of the reconciliation sweep.
type UnhandledStore interface {
	ListUnhandledCandidates(ctx context.Context, grace, ceiling time.Duration) ([]*ramp.RampState, error)
	MarkUnhandledEvaluated(ctx context.Context, id uuid.UUID) error
}

// validReference matches well-formed deposit reference labels.
var validReference = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// Unhandled reconciles the payment provider's deposit ledger against ramps
// that never progressed, surfacing money that arrived without a matching
// pipeline run. Alerts are batched per sweep and deduplicated per
// subaccount through a rolling cooldown.
type Unhandled struct {
	store    UnhandledStore
	provider fiatprov.Provider
	notifier alerts.Notifier
	cooldown *alerts.Cooldown

	interval time.Duration
	grace    time.Duration
	ceiling  time.Duration

	// seen dedups within this process lifetime; the persisted
	// UnhandledAlertSent flag covers restarts.
	seen map[uuid.UUID]struct{}

	logger  *slog.Logger
	metrics *observability.RampMetrics
	now     func() time.Time
}

// UnhandledOption customises the worker.
type UnhandledOption func(*Unhandled)

// WithUnhandledLogger sets the sweep logger.
func WithUnhandledLogger(logger *slog.Logger) UnhandledOption {
	return func(w *Unhandled) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithUnhandledMetrics sets the metrics sink.
func WithUnhandledMetrics(metrics *observability.RampMetrics) UnhandledOption {
	return func(w *Unhandled) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

// WithUnhandledClock sets the time source.
func WithUnhandledClock(clock func() time.Time) UnhandledOption {
	return func(w *Unhandled) {
		if clock != nil {
			w.now = clock
		}
	}
}

// NewUnhandled wires the reconciliation worker.
func NewUnhandled(store UnhandledStore, provider fiatprov.Provider, notifier alerts.Notifier, cooldown *alerts.Cooldown, interval, grace, ceiling time.Duration, opts ...UnhandledOption) *Unhandled {
	w := &Unhandled{
		store:    store,
		provider: provider,
		notifier: notifier,
		cooldown: cooldown,
		interval: interval,
		grace:    grace,
		ceiling:  ceiling,
		seen:     make(map[uuid.UUID]struct{}),
		logger:   slog.Default(),
		metrics:  observability.Ramp(),
		now:      time.Now,
	}
	if w.interval <= 0 {
		w.interval = 10 * time.Minute
	}
	if w.grace <= 0 {
		w.grace = 30 * time.Minute
	}
	if w.ceiling <= 0 {
		w.ceiling = 5 * 24 * time.Hour
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *Unhandled) Run(ctx context.Context) {
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

// Sweep performs one reconciliation pass, flushing all raised alerts in a
// single batch at the end.
func (w *Unhandled) Sweep(ctx context.Context) {
	candidates, err := w.store.ListUnhandledCandidates(ctx, w.grace, w.ceiling)
	if err != nil {
		w.logger.Error("unhandled sweep query failed", slog.String("error", err.Error()))
		w.metrics.RecordSweep("unhandled", "error")
		return
	}
	var batch []alerts.Alert
	for _, state := range candidates {
		if _, dup := w.seen[state.ID]; dup {
			continue
		}
		if state.PayeeSubaccount == "" {
			w.markEvaluated(ctx, state.ID)
			continue
		}
		found, err := w.evaluate(ctx, state)
		if err != nil {
			// Provider unreachable: leave the candidate for the next sweep.
			w.logger.Warn("unhandled evaluation failed",
				slog.String("ramp", state.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if len(found) > 0 && w.cooldown.Allow(state.PayeeSubaccount, w.now()) {
			batch = append(batch, found...)
		}
		w.markEvaluated(ctx, state.ID)
		if ctx.Err() != nil {
			break
		}
	}
	if len(batch) > 0 {
		if err := w.notifier.Notify(ctx, batch); err != nil {
			w.logger.Error("unhandled alert flush failed", slog.String("error", err.Error()))
		}
		for range batch {
			w.metrics.RecordAlert()
		}
	}
	w.metrics.RecordSweep("unhandled", "ok")
}

// evaluate checks the three reconciliation conditions against the
// subaccount's deposit history.
func (w *Unhandled) evaluate(ctx context.Context, state *ramp.RampState) ([]alerts.Alert, error) {
	deposits, err := w.provider.DepositHistory(ctx, state.PayeeSubaccount)
	if err != nil {
		return nil, fmt.Errorf("deposit history for %s: %w", state.PayeeSubaccount, err)
	}
	now := w.now()
	var found []alerts.Alert

	expectDeposit := state.Type == ramp.OnRamp && state.CurrentPhase == ramp.PhaseInitial
	byReference := make(map[string]int, len(deposits))
	for _, deposit := range deposits {
		reference := strings.TrimSpace(deposit.Reference)
		byReference[strings.ToLower(reference)]++

		if !expectDeposit && state.DepositReference != "" && strings.EqualFold(reference, state.DepositReference) {
			found = append(found, alerts.Alert{
				Kind:    "unhandled-deposit",
				Subject: state.PayeeSubaccount,
				Message: "deposit tagged with a ramp reference that expected no payment",
				Fields: map[string]string{
					"ramp":      state.ID.String(),
					"deposit":   deposit.ID,
					"reference": reference,
				},
				At: now,
			})
		}
		if !validReference.MatchString(reference) {
			found = append(found, alerts.Alert{
				Kind:    "malformed-reference",
				Subject: state.PayeeSubaccount,
				Message: "deposit carries a malformed reference label",
				Fields: map[string]string{
					"deposit":   deposit.ID,
					"reference": reference,
				},
				At: now,
			})
		}
	}
	for reference, count := range byReference {
		if count > 1 {
			found = append(found, alerts.Alert{
				Kind:    "duplicate-reference",
				Subject: state.PayeeSubaccount,
				Message: "multiple deposits share one reference label",
				Fields: map[string]string{
					"reference": reference,
					"count":     fmt.Sprintf("%d", count),
				},
				At: now,
			})
		}
	}
	return found, nil
}

func (w *Unhandled) markEvaluated(ctx context.Context, id uuid.UUID) {
	w.seen[id] = struct{}{}
	if err := w.store.MarkUnhandledEvaluated(ctx, id); err != nil {
		w.logger.Error("unhandled flag write failed",
			slog.String("ramp", id.String()),
			slog.String("error", err.Error()))
	}
}
