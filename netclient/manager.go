package netclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"rampd/observability"
)

// Manager owns one live connection per network, refreshes it on protocol
// version drift or signature failure, and serializes per-account nonce
// allocation under concurrent callers.
type Manager struct {
	logger  *slog.Logger
	metrics *observability.RampMetrics

	mu    sync.Mutex
	slots map[Network]*networkSlot

	nonceMu sync.Mutex
	nonces  map[nonceKey]*accountNonce
}

type networkSlot struct {
	mu          sync.Mutex
	dialer      Dialer
	conn        Connection
	specVersion uint32
}

type nonceKey struct {
	network Network
	account string
}

type accountNonce struct {
	// mu funnels acquisitions for one (network, account) pair into a strict
	// order so concurrent callers never race on the next-nonce read.
	mu     sync.Mutex
	last   uint64
	handed bool
}

// ManagerOption customises the manager instance.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithManagerMetrics overrides the default metrics registry.
func WithManagerMetrics(metrics *observability.RampMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager constructs an empty manager; networks are attached with
// RegisterNetwork before use.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: slog.Default(),
		slots:  make(map[Network]*networkSlot),
		nonces: make(map[nonceKey]*accountNonce),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observability.Ramp()
	}
	return m
}

// RegisterNetwork attaches a dialer for the network. The connection itself is
// established lazily on first use.
func (m *Manager) RegisterNetwork(network Network, dialer Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[network] = &networkSlot{dialer: dialer}
}

func (m *Manager) slot(network Network) (*networkSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[network]
	if !ok {
		return nil, fmt.Errorf("netclient: network %s not registered", network)
	}
	return slot, nil
}

// GetConnection returns the cached connection for the network, dialing on
// first use and transparently redialing when the remote's advertised spec
// version has changed since the last check. Stale connections after a remote
// runtime upgrade must never be reused.
func (m *Manager) GetConnection(ctx context.Context, network Network) (Connection, error) {
	slot, err := m.slot(network)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return m.connectionLocked(ctx, network, slot)
}

func (m *Manager) connectionLocked(ctx context.Context, network Network, slot *networkSlot) (Connection, error) {
	if slot.conn == nil {
		return m.redialLocked(ctx, network, slot, "initial")
	}
	version, err := slot.conn.SpecVersion(ctx)
	if err != nil {
		m.logger.Warn("spec version probe failed, redialing", "network", network, "error", err)
		return m.redialLocked(ctx, network, slot, "probe_failed")
	}
	if version != slot.specVersion {
		m.logger.Info("spec version drift, redialing",
			"network", network, "cached", slot.specVersion, "advertised", version)
		return m.redialLocked(ctx, network, slot, "spec_version")
	}
	return slot.conn, nil
}

func (m *Manager) redialLocked(ctx context.Context, network Network, slot *networkSlot, reason string) (Connection, error) {
	if slot.conn != nil {
		_ = slot.conn.Close()
		slot.conn = nil
	}
	conn, err := slot.dialer(ctx)
	if err != nil {
		return nil, fmt.Errorf("netclient: dial %s: %w", network, err)
	}
	version, err := conn.SpecVersion(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("netclient: probe %s spec version: %w", network, err)
	}
	slot.conn = conn
	slot.specVersion = version
	m.metrics.RecordRefresh(string(network), reason)
	return conn, nil
}

// refresh drops the cached connection and dials a fresh one.
func (m *Manager) refresh(ctx context.Context, network Network, reason string) (Connection, error) {
	slot, err := m.slot(network)
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return m.redialLocked(ctx, network, slot, reason)
}

// NextNonce hands out the next sequence number for the account, strictly
// serialized per (network, account): the remote is queried for its view and
// reconciled against the last nonce this process handed out, so a lagging
// remote never causes a reuse within this process's lifetime.
func (m *Manager) NextNonce(ctx context.Context, network Network, account string) (uint64, error) {
	conn, err := m.GetConnection(ctx, network)
	if err != nil {
		return 0, err
	}

	entry := m.nonceEntry(network, account)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	remote, err := conn.AccountSequence(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("netclient: query %s nonce for %s: %w", network, account, err)
	}
	next := remote
	if entry.handed && entry.last+1 > next {
		next = entry.last + 1
	}
	entry.last = next
	entry.handed = true
	m.metrics.RecordNonce(string(network))
	return next, nil
}

func (m *Manager) nonceEntry(network Network, account string) *accountNonce {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	key := nonceKey{network: network, account: account}
	entry, ok := m.nonces[key]
	if !ok {
		entry = &accountNonce{}
		m.nonces[key] = entry
	}
	return entry
}

// Submit acquires a serialized nonce for the signer, builds the transaction
// via the supplied callback, and submits it. A bad-signature rejection is
// assumed to come from signing against a stale connection: the manager
// refreshes once and retries the whole submit exactly once more.
func (m *Manager) Submit(ctx context.Context, network Network, signer string, build func(nonce uint64) ([]byte, error)) (TxResult, error) {
	conn, err := m.GetConnection(ctx, network)
	if err != nil {
		return TxResult{}, err
	}
	nonce, err := m.NextNonce(ctx, network, signer)
	if err != nil {
		return TxResult{}, err
	}
	payload, err := build(nonce)
	if err != nil {
		return TxResult{}, fmt.Errorf("netclient: build %s transaction: %w", network, err)
	}
	result, err := conn.SubmitTransaction(ctx, payload)
	if err == nil || !IsBadSignature(err) {
		return result, err
	}

	m.logger.Warn("signature rejected, refreshing connection", "network", network, "signer", signer)
	conn, refreshErr := m.refresh(ctx, network, "bad_signature")
	if refreshErr != nil {
		return TxResult{}, refreshErr
	}
	payload, buildErr := build(nonce)
	if buildErr != nil {
		return TxResult{}, fmt.Errorf("netclient: rebuild %s transaction: %w", network, buildErr)
	}
	return conn.SubmitTransaction(ctx, payload)
}

// SubmitSigned submits a presigned wire payload. Presigned transactions
// cannot be re-signed, so a bad-signature rejection only triggers one
// refresh-and-resubmit before giving up.
func (m *Manager) SubmitSigned(ctx context.Context, network Network, payload []byte) (TxResult, error) {
	conn, err := m.GetConnection(ctx, network)
	if err != nil {
		return TxResult{}, err
	}
	result, err := conn.SubmitTransaction(ctx, payload)
	if err == nil || !IsBadSignature(err) {
		return result, err
	}

	conn, refreshErr := m.refresh(ctx, network, "bad_signature")
	if refreshErr != nil {
		return TxResult{}, refreshErr
	}
	return conn.SubmitTransaction(ctx, payload)
}
