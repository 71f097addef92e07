package ramp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrRampExpired indicates the client started the ramp after its time budget
// lapsed. The ramp is moved to the timedOut terminal phase.
var ErrRampExpired = errors.New("ramp: start window expired")

// EngineStore is the persistence surface the engine drives.
type EngineStore interface {
	AttachPresigned(ctx context.Context, id uuid.UUID, txs TxTemplates) (*RampState, error)
	GetRamp(ctx context.Context, id uuid.UUID) (*RampState, error)
	SaveRamp(ctx context.Context, state *RampState) error
}

// Engine is the public entrypoint for starting and resuming ramps. It owns
// the expiry budget check and hands execution to the processor.
type Engine struct {
	store     EngineStore
	processor *Processor
	logger    *slog.Logger
	now       func() time.Time
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineClock sets the time source.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// NewEngine wires the engine.
func NewEngine(store EngineStore, processor *Processor, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		processor: processor,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRamp attaches the client's presigned transactions and begins phase
// execution. A ramp started past its expiry budget is moved to timedOut and
// never executed.
func (e *Engine) StartRamp(ctx context.Context, id uuid.UUID, presigned TxTemplates) error {
	state, err := e.store.AttachPresigned(ctx, id, presigned)
	if err != nil {
		return err
	}
	if !state.ExpiresAt.IsZero() && e.now().After(state.ExpiresAt) {
		state.RecordTransition(PhaseTimedOut, e.now().UTC())
		if saveErr := e.store.SaveRamp(ctx, state); saveErr != nil {
			return fmt.Errorf("ramp: persist timed out state: %w", saveErr)
		}
		e.logger.Warn("ramp started past expiry budget",
			slog.String("ramp", id.String()),
			slog.Time("expiresAt", state.ExpiresAt))
		return ErrRampExpired
	}
	return e.processor.Process(ctx, state)
}

// Resume reloads a ramp and continues execution from its persisted phase.
// It is the recovery worker's entrypoint and shares the processor's per-ramp
// exclusion with StartRamp.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) error {
	state, err := e.store.GetRamp(ctx, id)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	return e.processor.Process(ctx, state)
}
