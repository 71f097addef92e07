package ramp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rampd/observability"
)

// defaultMaxRetries is the in-place retry ceiling for recoverable failures.
const defaultMaxRetries = 8

// Store is the persistence surface the processor needs: single-record
// read-modify-write, nothing transactional across ramps.
type Store interface {
	SaveRamp(ctx context.Context, state *RampState) error
	GetRamp(ctx context.Context, id uuid.UUID) (*RampState, error)
	SetProcessingLock(ctx context.Context, id uuid.UUID, locked bool) error
}

// Processor drives a ramp phase-by-phase: it looks up the handler owning the
// current phase, executes it, persists the result, and chains straight into
// the declared next phase until a terminal phase or a failure.
type Processor struct {
	registry *Registry
	store    Store
	logger   *slog.Logger
	metrics  *observability.RampMetrics

	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	mu       sync.Mutex
	attempts map[uuid.UUID]int
	locks    map[uuid.UUID]*rampLock
}

type rampLock struct {
	mu   sync.Mutex
	refs int
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithMaxRetries overrides the recoverable-failure retry ceiling.
func WithMaxRetries(n int) ProcessorOption {
	return func(p *Processor) { p.maxRetries = n }
}

// WithSleep replaces the backoff sleep, primarily for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ProcessorOption {
	return func(p *Processor) { p.sleep = fn }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.RampMetrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithLogger sets the processor logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// NewProcessor constructs the phase driver.
func NewProcessor(registry *Registry, store Store, opts ...ProcessorOption) *Processor {
	p := &Processor{
		registry:   registry,
		store:      store,
		logger:     slog.Default(),
		maxRetries: defaultMaxRetries,
		sleep:      sleepContext,
		now:        time.Now,
		attempts:   make(map[uuid.UUID]int),
		locks:      make(map[uuid.UUID]*rampLock),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observability.Ramp()
	}
	return p
}

// Process drives the ramp from its current phase until a terminal phase, a
// stall, or a failure. Retry counters are in-process and reset once Process
// returns, so a later recovery pass re-enters with a fresh budget.
//
// Concurrent Process calls for the same ramp are serialized on a per-ramp
// mutex; a manual reprocess racing the recovery sweep runs strictly after it,
// against the state the first entry persisted, not the snapshot it loaded
// before queueing on the lock.
func (p *Processor) Process(ctx context.Context, state *RampState) error {
	if state == nil {
		return fmt.Errorf("ramp: state required")
	}
	lock := p.acquireLock(state.ID)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		p.releaseLock(state.ID)
	}()

	// The caller's snapshot predates the lock; an entry that held it first may
	// have advanced the ramp. Adopt the persisted record when one exists.
	if fresh, err := p.store.GetRamp(ctx, state.ID); err == nil && fresh != nil {
		state = fresh
	}
	if state.Terminal() {
		return nil
	}

	if err := p.store.SetProcessingLock(ctx, state.ID, true); err != nil {
		p.logger.Warn("set processing lock", "ramp", state.ID, "error", err)
	}
	defer func() {
		if err := p.store.SetProcessingLock(context.WithoutCancel(ctx), state.ID, false); err != nil {
			p.logger.Warn("clear processing lock", "ramp", state.ID, "error", err)
		}
	}()
	defer p.clearAttempts(state.ID)

	for {
		phase := state.CurrentPhase
		handler, ok := p.registry.Get(phase)
		if !ok {
			// Usually handlers were not fully registered at boot; stall in
			// place rather than fail the ramp.
			p.logger.Warn("no handler registered, ramp stalls", "ramp", state.ID, "phase", phase)
			return nil
		}

		start := p.now()
		outcome, err := handler.Execute(ctx, state)
		if err != nil {
			recoverable := IsRecoverable(err)
			if recoverable && p.attemptCount(state.ID) < p.maxRetries {
				attempt := p.bumpAttempt(state.ID)
				p.metrics.RecordRetry(phase)
				p.metrics.ObservePhase(phase, "retry", p.now().Sub(start))
				delay := time.Duration(1<<(attempt-1)) * time.Second
				p.logger.Info("recoverable phase failure, retrying",
					"ramp", state.ID, "phase", phase, "attempt", attempt, "delay", delay, "error", err)
				if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
					return sleepErr
				}
				continue
			}
			p.metrics.ObservePhase(phase, "error", p.now().Sub(start))
			state.AppendError(ErrorLogEntry{
				Phase:       phase,
				At:          p.now().UTC(),
				Message:     err.Error(),
				Recoverable: recoverable,
			})
			if saveErr := p.store.SaveRamp(ctx, state); saveErr != nil {
				p.logger.Error("persist error log", "ramp", state.ID, "error", saveErr)
			}
			return fmt.Errorf("ramp %s: phase %s: %w", state.ID, phase, err)
		}

		p.clearAttempts(state.ID)
		p.metrics.ObservePhase(phase, "success", p.now().Sub(start))

		next := outcome.NextPhase
		if next == phase {
			if IsTerminal(phase) {
				return nil
			}
			// A handler declaring its own phase without failing is a handler
			// bug; stop rather than spin.
			p.logger.Error("phase handler did not advance", "ramp", state.ID, "phase", phase)
			if err := p.store.SaveRamp(ctx, state); err != nil {
				p.logger.Error("persist ramp", "ramp", state.ID, "error", err)
			}
			return nil
		}
		if !ValidTransition(phase, next) {
			p.logger.Warn("transition outside advisory graph", "ramp", state.ID, "from", phase, "to", next)
		}

		state.RecordTransition(next, p.now().UTC())
		if err := p.store.SaveRamp(ctx, state); err != nil {
			return fmt.Errorf("ramp %s: persist transition to %s: %w", state.ID, next, err)
		}
		p.logger.Info("phase advanced", "ramp", state.ID, "from", phase, "to", next)
		if IsTerminal(next) {
			return nil
		}
	}
}

func (p *Processor) acquireLock(id uuid.UUID) *rampLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[id]
	if !ok {
		lock = &rampLock{}
		p.locks[id] = lock
	}
	lock.refs++
	return lock
}

func (p *Processor) releaseLock(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[id]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(p.locks, id)
	}
}

func (p *Processor) attemptCount(id uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id]
}

func (p *Processor) bumpAttempt(id uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[id]++
	return p.attempts[id]
}

func (p *Processor) clearAttempts(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
