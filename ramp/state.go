package ramp

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes fiat->crypto (on) from crypto->fiat (off) transfers.
type Type string

// Ramp directions.
const (
	OnRamp  Type = "on"
	OffRamp Type = "off"
)

// Phase names of the ramp pipeline. A ramp enters at PhaseInitial and ends in
// one of the terminal phases; every intermediate phase is owned by exactly one
// handler.
const (
	PhaseInitial            = "initial"
	PhaseFundEphemeral      = "fundEphemeral"
	PhaseMoonbeamToPendulum = "moonbeamToPendulum"
	PhaseNablaApprove       = "nablaApprove"
	PhaseNablaSwap          = "nablaSwap"
	PhaseSubsidizePostSwap  = "subsidizePostSwap"
	PhaseSpacewalkRedeem    = "spacewalkRedeem"
	PhaseStellarPayment     = "stellarPayment"
	PhaseStellarCleanup     = "stellarCleanup"
	PhasePendulumCleanup    = "pendulumCleanup"
	PhasePendulumToDest     = "pendulumToDestination"
	PhaseComplete           = "complete"
	PhaseFailed             = "failed"
	PhaseTimedOut           = "timedOut"
)

// IsTerminal reports whether the phase ends ramp processing.
func IsTerminal(phase string) bool {
	switch phase {
	case PhaseComplete, PhaseFailed, PhaseTimedOut:
		return true
	}
	return false
}

// ValidSuccessors is advisory metadata describing the expected transition
// graph. The processor logs transitions outside of it but does not reject
// them; handlers alone decide the actual next phase.
var ValidSuccessors = map[string][]string{
	PhaseInitial:            {PhaseFundEphemeral, PhaseTimedOut, PhaseFailed},
	PhaseFundEphemeral:      {PhaseMoonbeamToPendulum, PhaseNablaApprove},
	PhaseMoonbeamToPendulum: {PhaseNablaApprove},
	PhaseNablaApprove:       {PhaseNablaSwap},
	PhaseNablaSwap:          {PhaseSubsidizePostSwap},
	PhaseSubsidizePostSwap:  {PhaseSpacewalkRedeem, PhasePendulumToDest},
	PhaseSpacewalkRedeem:    {PhaseStellarPayment},
	PhaseStellarPayment:     {PhaseStellarCleanup},
	PhaseStellarCleanup:     {PhasePendulumCleanup},
	PhasePendulumCleanup:    {PhaseComplete},
	PhasePendulumToDest:     {PhaseComplete},
}

// ValidTransition reports whether from->to is inside the advisory graph.
// Unknown source phases are permitted.
func ValidTransition(from, to string) bool {
	successors, ok := ValidSuccessors[from]
	if !ok {
		return true
	}
	for _, s := range successors {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorLogCap bounds the persisted error trail per ramp.
const ErrorLogCap = 100

// TxTemplate describes one transaction produced at registration, tagged with
// the phase that consumes it. For presigned templates Payload carries the
// signed wire payload supplied by the client.
type TxTemplate struct {
	Phase   string `json:"phase"`
	Network string `json:"network"`
	Signer  string `json:"signer"`
	Nonce   uint64 `json:"nonce"`
	Payload string `json:"payload"`
}

// TxTemplates is an ordered transaction template list stored as JSON.
type TxTemplates []TxTemplate

// Value implements driver.Valuer.
func (t TxTemplates) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return jsonValue(t)
}

// Scan implements sql.Scanner.
func (t *TxTemplates) Scan(value any) error { return jsonScan(value, t) }

// MetaBag is the open key-value scratch memory passed between phases. Handlers
// must validate the subset they read; a missing key indicates corruption from
// a prior-phase bug, not a transient condition.
type MetaBag map[string]string

// Value implements driver.Valuer.
func (m MetaBag) Value() (driver.Value, error) {
	if m == nil {
		return jsonValue(MetaBag{})
	}
	return jsonValue(m)
}

// Scan implements sql.Scanner.
func (m *MetaBag) Scan(value any) error { return jsonScan(value, m) }

// PhaseTransition records one advance of the phase pointer.
type PhaseTransition struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// PhaseHistory is the append-only transition trail stored as JSON.
type PhaseHistory []PhaseTransition

// Value implements driver.Valuer.
func (h PhaseHistory) Value() (driver.Value, error) { return jsonValue(h) }

// Scan implements sql.Scanner.
func (h *PhaseHistory) Scan(value any) error { return jsonScan(value, h) }

// ErrorLogEntry captures one failed phase execution.
type ErrorLogEntry struct {
	Phase       string    `json:"phase"`
	At          time.Time `json:"at"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// ErrorLog is the capped error trail stored as JSON.
type ErrorLog []ErrorLogEntry

// Value implements driver.Valuer.
func (l ErrorLog) Value() (driver.Value, error) { return jsonValue(l) }

// Scan implements sql.Scanner.
func (l *ErrorLog) Scan(value any) error { return jsonScan(value, l) }

// CleanupError records a still-failing post-process handler by name.
type CleanupError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// CleanupState tracks post-completion cleanup independently of CurrentPhase.
// It is populated only by the cleanup worker.
type CleanupState struct {
	Completed bool           `json:"cleanupCompleted"`
	CleanupAt *time.Time     `json:"cleanupAt,omitempty"`
	Errors    []CleanupError `json:"errors,omitempty"`
}

// Value implements driver.Valuer.
func (c CleanupState) Value() (driver.Value, error) { return jsonValue(c) }

// Scan implements sql.Scanner.
func (c *CleanupState) Scan(value any) error { return jsonScan(value, c) }

// RampState is the persisted record for one in-flight or completed transfer.
// It is the single source of truth: the processor advances CurrentPhase and
// StateMeta, the background workers mutate only their own sub-fields.
type RampState struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Quote uuid.UUID `gorm:"type:uuid;index" json:"quoteId"`
	Type  Type      `gorm:"index" json:"type"`

	CurrentPhase string `gorm:"index" json:"currentPhase"`

	// From and To are logical rail identifiers (e.g. "polygon", "sepa").
	From string `gorm:"column:from_rail" json:"from"`
	To   string `gorm:"column:to_rail" json:"to"`

	// PayeeSubaccount and DepositReference tie the ramp to the payment
	// provider ledger for reconciliation.
	PayeeSubaccount  string `gorm:"index" json:"payeeSubaccount"`
	DepositReference string `json:"depositReference"`

	UnsignedTxs  TxTemplates `gorm:"type:text" json:"unsignedTxs"`
	PresignedTxs TxTemplates `gorm:"type:text" json:"presignedTxs,omitempty"`

	StateMeta    MetaBag      `gorm:"type:text" json:"state"`
	PhaseHistory PhaseHistory `gorm:"type:text" json:"phaseHistory"`
	ErrorLogs    ErrorLog     `gorm:"type:text" json:"errorLogs"`

	// ProcessingLock is an advisory flag mirroring in-process exclusion; the
	// actual guarantee comes from the processor's per-ramp mutex.
	ProcessingLock bool `json:"processingLock"`

	PostComplete CleanupState `gorm:"type:text;column:post_complete_state" json:"postCompleteState"`

	// CleanupCompleted mirrors PostComplete.Completed as a flat indexed
	// column so the cleanup sweep can filter without JSON queries.
	CleanupCompleted bool `gorm:"index" json:"-"`

	UnhandledAlertSent bool `gorm:"index" json:"unhandledPaymentAlertSent"`

	// ExpiresAt is the time budget for the client to start the ramp.
	ExpiresAt time.Time `json:"expiresAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `gorm:"index" json:"updatedAt"`
}

// TableName pins the gorm table name.
func (RampState) TableName() string { return "ramp_states" }

// PresignedTxFor returns the client-signed template consumed by the phase.
func (r *RampState) PresignedTxFor(phase string) (TxTemplate, bool) {
	for _, tx := range r.PresignedTxs {
		if tx.Phase == phase {
			return tx, true
		}
	}
	return TxTemplate{}, false
}

// UnsignedTxFor returns the unsigned template tagged with the phase.
func (r *RampState) UnsignedTxFor(phase string) (TxTemplate, bool) {
	for _, tx := range r.UnsignedTxs {
		if tx.Phase == phase {
			return tx, true
		}
	}
	return TxTemplate{}, false
}

// Meta reads a scratch key, reporting presence of a non-empty value.
func (r *RampState) Meta(key string) (string, bool) {
	if r.StateMeta == nil {
		return "", false
	}
	value, ok := r.StateMeta[key]
	return value, ok && value != ""
}

// SetMeta writes a scratch key.
func (r *RampState) SetMeta(key, value string) {
	if r.StateMeta == nil {
		r.StateMeta = MetaBag{}
	}
	r.StateMeta[key] = value
}

// RecordTransition advances CurrentPhase and appends to the history trail.
func (r *RampState) RecordTransition(next string, at time.Time) {
	r.PhaseHistory = append(r.PhaseHistory, PhaseTransition{From: r.CurrentPhase, To: next, At: at})
	r.CurrentPhase = next
}

// AppendError appends to the error trail, dropping the oldest entries past
// the cap.
func (r *RampState) AppendError(entry ErrorLogEntry) {
	r.ErrorLogs = append(r.ErrorLogs, entry)
	if excess := len(r.ErrorLogs) - ErrorLogCap; excess > 0 {
		r.ErrorLogs = r.ErrorLogs[excess:]
	}
}

// Terminal reports whether the ramp reached a terminal phase.
func (r *RampState) Terminal() bool { return IsTerminal(r.CurrentPhase) }

// Quote ticket statuses.
const (
	QuoteStatusPending  = "pending"
	QuoteStatusConsumed = "consumed"
	QuoteStatusExpired  = "expired"
)

// QuoteTicket is an immutable, expiring price commitment consumed exactly
// once to create a ramp.
type QuoteTicket struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Status         string    `gorm:"index" json:"status"`
	InputCurrency  string    `json:"inputCurrency"`
	OutputCurrency string    `json:"outputCurrency"`
	InputAmount    string    `json:"inputAmount"`
	OutputAmount   string    `json:"outputAmount"`
	ExpiresAt      time.Time `json:"expiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TableName pins the gorm table name.
func (QuoteTicket) TableName() string { return "quote_tickets" }

func jsonValue(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal column: %w", err)
	}
	return string(data), nil
}

func jsonScan(value any, dest any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch raw := value.(type) {
	case []byte:
		data = raw
	case string:
		data = []byte(raw)
	default:
		return fmt.Errorf("unsupported column type %T", value)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}
