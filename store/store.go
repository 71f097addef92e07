package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rampd/ramp"
)

var (
	// ErrQuoteNotFound indicates the supplied quote identifier was unknown.
	ErrQuoteNotFound = errors.New("store: quote not found")
	// ErrQuoteNotPending indicates the quote was already consumed.
	ErrQuoteNotPending = errors.New("store: quote not pending")
	// ErrQuoteExpired indicates the quote's price commitment lapsed.
	ErrQuoteExpired = errors.New("store: quote expired")
	// ErrRampNotFound indicates the supplied ramp identifier was unknown.
	ErrRampNotFound = errors.New("store: ramp not found")
	// ErrPresignedAlreadySet indicates presigned transactions are immutable
	// once supplied.
	ErrPresignedAlreadySet = errors.New("store: presigned transactions already set")
)

// Store wraps the rampd persistence layer.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises the store instance.
type Option func(*Store)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.now = clock }
}

// Open initialises the backing store. Postgres DSNs select the postgres
// driver; anything else is treated as a sqlite path (tests, development).
func Open(dsn string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("store: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.Contains(trimmed, "host=") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.AutoMigrate(&ramp.QuoteTicket{}, &ramp.RampState{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateQuote persists a pending quote ticket.
func (s *Store) CreateQuote(ctx context.Context, quote *ramp.QuoteTicket) error {
	if quote == nil {
		return fmt.Errorf("store: quote required")
	}
	if quote.ID == uuid.Nil {
		quote.ID = uuid.New()
	}
	if quote.Status == "" {
		quote.Status = ramp.QuoteStatusPending
	}
	if err := s.db.WithContext(ctx).Create(quote).Error; err != nil {
		return fmt.Errorf("store: create quote: %w", err)
	}
	return nil
}

// RegisterParams bundles everything needed to create a ramp from a quote.
type RegisterParams struct {
	Type             ramp.Type
	From             string
	To               string
	PayeeSubaccount  string
	DepositReference string
	UnsignedTxs      ramp.TxTemplates
	ExpiresAt        time.Time
}

// RegisterRamp consumes a pending, unexpired quote exactly once and creates
// the ramp in its initial phase.
func (s *Store) RegisterRamp(ctx context.Context, quoteID uuid.UUID, params RegisterParams) (*ramp.RampState, error) {
	if params.Type != ramp.OnRamp && params.Type != ramp.OffRamp {
		return nil, fmt.Errorf("store: ramp type required")
	}
	if n := len(params.UnsignedTxs); n < 1 || n > 10 {
		return nil, fmt.Errorf("store: unsigned transaction count %d outside 1..10", n)
	}
	now := s.now().UTC()
	state := &ramp.RampState{
		ID:               uuid.New(),
		Quote:            quoteID,
		Type:             params.Type,
		CurrentPhase:     ramp.PhaseInitial,
		From:             strings.TrimSpace(params.From),
		To:               strings.TrimSpace(params.To),
		PayeeSubaccount:  strings.TrimSpace(params.PayeeSubaccount),
		DepositReference: strings.TrimSpace(params.DepositReference),
		UnsignedTxs:      params.UnsignedTxs,
		StateMeta:        ramp.MetaBag{},
		ExpiresAt:        params.ExpiresAt,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var quote ramp.QuoteTicket
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&quote, "id = ?", quoteID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrQuoteNotFound
			}
			return err
		}
		if quote.Status != ramp.QuoteStatusPending {
			return ErrQuoteNotPending
		}
		if !quote.ExpiresAt.IsZero() && quote.ExpiresAt.Before(now) {
			if err := tx.Model(&quote).Update("status", ramp.QuoteStatusExpired).Error; err != nil {
				return err
			}
			return ErrQuoteExpired
		}
		if err := tx.Model(&quote).Update("status", ramp.QuoteStatusConsumed).Error; err != nil {
			return err
		}
		return tx.Create(state).Error
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// AttachPresigned stores the client-supplied signed payloads. They are
// immutable once set.
func (s *Store) AttachPresigned(ctx context.Context, id uuid.UUID, txs ramp.TxTemplates) (*ramp.RampState, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("store: presigned transactions required")
	}
	var state ramp.RampState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&state, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRampNotFound
			}
			return err
		}
		if state.PresignedTxs != nil {
			return ErrPresignedAlreadySet
		}
		state.PresignedTxs = txs
		return tx.Save(&state).Error
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// GetRamp returns the persisted ramp record.
func (s *Store) GetRamp(ctx context.Context, id uuid.UUID) (*ramp.RampState, error) {
	var state ramp.RampState
	if err := s.db.WithContext(ctx).First(&state, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRampNotFound
		}
		return nil, fmt.Errorf("store: load ramp: %w", err)
	}
	return &state, nil
}

// SaveRamp persists the full ramp record.
func (s *Store) SaveRamp(ctx context.Context, state *ramp.RampState) error {
	if state == nil {
		return fmt.Errorf("store: state required")
	}
	state.CleanupCompleted = state.PostComplete.Completed
	if err := s.db.WithContext(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("store: save ramp: %w", err)
	}
	return nil
}

// SetProcessingLock flips the advisory processing flag without touching the
// staleness clock.
func (s *Store) SetProcessingLock(ctx context.Context, id uuid.UUID, locked bool) error {
	result := s.db.WithContext(ctx).Model(&ramp.RampState{}).
		Where("id = ?", id).
		UpdateColumn("processing_lock", locked)
	if result.Error != nil {
		return fmt.Errorf("store: set processing lock: %w", result.Error)
	}
	return nil
}

// ListStalled returns ramps that were started by their client, are not
// complete, and whose state has not advanced since the cutoff.
func (s *Store) ListStalled(ctx context.Context, cutoff time.Time) ([]*ramp.RampState, error) {
	var states []*ramp.RampState
	err := s.db.WithContext(ctx).
		Where("current_phase <> ?", ramp.PhaseComplete).
		Where("presigned_txs IS NOT NULL").
		Where("updated_at < ?", cutoff).
		Order("updated_at ASC").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("store: list stalled: %w", err)
	}
	return states, nil
}

// ListCleanupPending returns completed ramps whose post-completion cleanup
// has not finished.
func (s *Store) ListCleanupPending(ctx context.Context) ([]*ramp.RampState, error) {
	var states []*ramp.RampState
	err := s.db.WithContext(ctx).
		Where("current_phase = ?", ramp.PhaseComplete).
		Where("cleanup_completed = ?", false).
		Order("updated_at ASC").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("store: list cleanup pending: %w", err)
	}
	return states, nil
}

// SaveCleanup writes back the cleanup sub-state only.
func (s *Store) SaveCleanup(ctx context.Context, id uuid.UUID, state ramp.CleanupState) error {
	result := s.db.WithContext(ctx).Model(&ramp.RampState{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"post_complete_state": state,
			"cleanup_completed":   state.Completed,
		})
	if result.Error != nil {
		return fmt.Errorf("store: save cleanup: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRampNotFound
	}
	return nil
}

// ListUnhandledCandidates returns ramps the unhandled-payment sweep should
// evaluate: stuck in initial past the grace period, or failed, both within
// the ceiling and not yet alert-evaluated.
func (s *Store) ListUnhandledCandidates(ctx context.Context, grace, ceiling time.Duration) ([]*ramp.RampState, error) {
	now := s.now().UTC()
	graceCutoff := now.Add(-grace)
	ceilingCutoff := now.Add(-ceiling)
	var states []*ramp.RampState
	err := s.db.WithContext(ctx).
		Where("unhandled_alert_sent = ?", false).
		Where(
			s.db.Where("current_phase = ? AND created_at < ? AND created_at > ?", ramp.PhaseInitial, graceCutoff, ceilingCutoff).
				Or("current_phase = ? AND updated_at > ?", ramp.PhaseFailed, ceilingCutoff),
		).
		Order("created_at ASC").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("store: list unhandled candidates: %w", err)
	}
	return states, nil
}

// MarkUnhandledEvaluated flags the ramp so the reconciliation sweep does not
// reconsider it, alert or not.
func (s *Store) MarkUnhandledEvaluated(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&ramp.RampState{}).
		Where("id = ?", id).
		UpdateColumn("unhandled_alert_sent", true)
	if result.Error != nil {
		return fmt.Errorf("store: mark unhandled evaluated: %w", result.Error)
	}
	return nil
}
