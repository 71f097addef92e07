package worker

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"rampd/alerts"
	"rampd/netclient"
	"rampd/observability"
	"rampd/ramp"
)

// PostProcessor is one named, independently-retried finalization action run
// after a ramp completes.
type PostProcessor interface {
	Name() string
	ShouldProcess(state *ramp.RampState) bool
	Process(ctx context.Context, state *ramp.RampState) error
}

// CleanupStore is the persistence surface of the cleanup sweep.
type CleanupStore interface {
	ListCleanupPending(ctx context.Context) ([]*ramp.RampState, error)
	SaveCleanup(ctx context.Context, id uuid.UUID, state ramp.CleanupState) error
}

// TreasuryWatch configures the low-balance watchdog folded into the cleanup
// sweep. A zero floor disables the check.
type TreasuryWatch struct {
	Network  netclient.Network
	Account  string
	Floor    *big.Int
	Networks *netclient.Manager
}

// Cleanup drives post-completion handlers for completed ramps. Handlers run
// concurrently per ramp; a prior attempt's errors narrow the next run to the
// handlers that failed.
type Cleanup struct {
	store    CleanupStore
	handlers []PostProcessor
	interval time.Duration

	watch    *TreasuryWatch
	notifier alerts.Notifier
	cooldown *alerts.Cooldown

	logger  *slog.Logger
	metrics *observability.RampMetrics
	now     func() time.Time
}

// CleanupOption customises the worker.
type CleanupOption func(*Cleanup)

// WithCleanupLogger sets the sweep logger.
func WithCleanupLogger(logger *slog.Logger) CleanupOption {
	return func(w *Cleanup) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithCleanupMetrics sets the metrics sink.
func WithCleanupMetrics(metrics *observability.RampMetrics) CleanupOption {
	return func(w *Cleanup) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

// WithCleanupClock sets the time source.
func WithCleanupClock(clock func() time.Time) CleanupOption {
	return func(w *Cleanup) {
		if clock != nil {
			w.now = clock
		}
	}
}

// WithTreasuryWatch enables the low-balance watchdog. Alerts go through the
// notifier under the shared cooldown.
func WithTreasuryWatch(watch TreasuryWatch, notifier alerts.Notifier, cooldown *alerts.Cooldown) CleanupOption {
	return func(w *Cleanup) {
		w.watch = &watch
		w.notifier = notifier
		w.cooldown = cooldown
	}
}

// NewCleanup wires the cleanup worker.
func NewCleanup(store CleanupStore, handlers []PostProcessor, interval time.Duration, opts ...CleanupOption) *Cleanup {
	w := &Cleanup{
		store:    store,
		handlers: handlers,
		interval: interval,
		logger:   slog.Default(),
		metrics:  observability.Ramp(),
		now:      time.Now,
	}
	if w.interval <= 0 {
		w.interval = time.Minute
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *Cleanup) Run(ctx context.Context) {
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

// Sweep performs one cleanup pass over all completion-pending ramps, then
// runs the treasury watchdog.
func (w *Cleanup) Sweep(ctx context.Context) {
	states, err := w.store.ListCleanupPending(ctx)
	if err != nil {
		w.logger.Error("cleanup sweep query failed", slog.String("error", err.Error()))
		w.metrics.RecordSweep("cleanup", "error")
		return
	}
	for _, state := range states {
		w.cleanupRamp(ctx, state)
		if ctx.Err() != nil {
			return
		}
	}
	w.metrics.RecordSweep("cleanup", "ok")
	w.checkTreasury(ctx)
}

func (w *Cleanup) cleanupRamp(ctx context.Context, state *ramp.RampState) {
	selected := w.selectHandlers(state)
	if len(selected) == 0 {
		if len(state.PostComplete.Errors) > 0 {
			// Prior errors name handlers that match no applicable handler
			// anymore; keep them visible instead of declaring the cleanup done.
			w.logger.Warn("cleanup errors match no applicable handler",
				slog.String("ramp", state.ID.String()))
			w.persist(ctx, state.ID, ramp.CleanupState{Errors: state.PostComplete.Errors})
			return
		}
		now := w.now().UTC()
		w.persist(ctx, state.ID, ramp.CleanupState{Completed: true, CleanupAt: &now})
		return
	}

	type result struct {
		name string
		err  error
	}
	results := make([]result, len(selected))
	var wg sync.WaitGroup
	for i, handler := range selected {
		wg.Add(1)
		go func(i int, handler PostProcessor) {
			defer wg.Done()
			results[i] = result{name: handler.Name(), err: handler.Process(ctx, state)}
		}(i, handler)
	}
	wg.Wait()

	// Merge: entries for handlers that ran disappear on success and are
	// upserted on failure; entries for handlers that did not run this pass
	// are carried forward.
	merged := make([]ramp.CleanupError, 0, len(state.PostComplete.Errors)+len(selected))
	ran := make(map[string]error, len(results))
	for _, res := range results {
		ran[res.name] = res.err
	}
	for _, prev := range state.PostComplete.Errors {
		if _, did := ran[prev.Name]; !did {
			merged = append(merged, prev)
		}
	}
	for _, res := range results {
		if res.err != nil {
			merged = append(merged, ramp.CleanupError{Name: res.name, Message: res.err.Error()})
			w.logger.Warn("cleanup handler failed",
				slog.String("ramp", state.ID.String()),
				slog.String("handler", res.name),
				slog.String("error", res.err.Error()))
		}
	}

	next := ramp.CleanupState{Errors: merged}
	if len(merged) == 0 {
		now := w.now().UTC()
		next.Completed = true
		next.CleanupAt = &now
	}
	w.persist(ctx, state.ID, next)
}

// selectHandlers narrows to applicable handlers, and further to previously
// failing ones when a prior attempt left errors behind.
func (w *Cleanup) selectHandlers(state *ramp.RampState) []PostProcessor {
	applicable := make([]PostProcessor, 0, len(w.handlers))
	for _, handler := range w.handlers {
		if handler.ShouldProcess(state) {
			applicable = append(applicable, handler)
		}
	}
	if len(state.PostComplete.Errors) == 0 {
		return applicable
	}
	failed := make(map[string]bool, len(state.PostComplete.Errors))
	for _, prev := range state.PostComplete.Errors {
		failed[prev.Name] = true
	}
	selected := applicable[:0]
	for _, handler := range applicable {
		if failed[handler.Name()] {
			selected = append(selected, handler)
		}
	}
	return selected
}

func (w *Cleanup) persist(ctx context.Context, id uuid.UUID, state ramp.CleanupState) {
	if err := w.store.SaveCleanup(ctx, id, state); err != nil {
		w.logger.Error("cleanup state write failed",
			slog.String("ramp", id.String()),
			slog.String("error", err.Error()))
	}
}

// checkTreasury alerts once per cooldown window when the subsidy treasury
// drops below the configured floor.
func (w *Cleanup) checkTreasury(ctx context.Context) {
	if w.watch == nil || w.watch.Floor == nil || w.watch.Floor.Sign() <= 0 {
		return
	}
	conn, err := w.watch.Networks.GetConnection(ctx, w.watch.Network)
	if err != nil {
		w.logger.Warn("treasury balance check skipped", slog.String("error", err.Error()))
		return
	}
	balance, err := conn.AccountBalance(ctx, w.watch.Account)
	if err != nil {
		w.logger.Warn("treasury balance query failed", slog.String("error", err.Error()))
		return
	}
	if balance.Cmp(w.watch.Floor) >= 0 {
		return
	}
	now := w.now()
	if w.cooldown != nil && !w.cooldown.Allow("treasury:"+w.watch.Account, now) {
		return
	}
	w.logger.Warn("treasury balance below floor",
		slog.String("account", w.watch.Account),
		slog.String("balance", balance.String()),
		slog.String("floor", w.watch.Floor.String()))
	if w.notifier != nil {
		_ = w.notifier.Notify(ctx, []alerts.Alert{{
			Kind:    "treasury-low-balance",
			Subject: w.watch.Account,
			Message: "treasury balance below configured floor",
			Fields: map[string]string{
				"network": string(w.watch.Network),
				"balance": balance.String(),
				"floor":   w.watch.Floor.String(),
			},
			At: now,
		}})
		w.metrics.RecordAlert()
	}
}
