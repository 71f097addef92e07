package netclient

import (
	"context"
	"math/big"
)

// Network identifies one of the supported chain networks.
type Network string

// Supported networks.
const (
	NetworkStellar  Network = "stellar"
	NetworkPendulum Network = "pendulum"
	NetworkMoonbeam Network = "moonbeam"
)

// TxResult reports a terminal submission outcome.
type TxResult struct {
	Hash string
}

// Connection is one live RPC connection to a chain network. Implementations
// must surface "already applied" conditions (sequence conflicts, balance
// exceeded) and bad-signature rejections as *SubmitError so the manager and
// the phase handlers can classify them.
type Connection interface {
	Network() Network
	// SpecVersion returns the remote's advertised protocol version. The
	// manager redials when it drifts, since transaction encodings can change
	// across runtime upgrades.
	SpecVersion(ctx context.Context) (uint32, error)
	// AccountSequence returns the next valid sequence number for the account.
	AccountSequence(ctx context.Context, account string) (uint64, error)
	// AccountBalance returns the account's spendable balance in raw units.
	AccountBalance(ctx context.Context, account string) (*big.Int, error)
	// SubmitTransaction submits a signed wire payload.
	SubmitTransaction(ctx context.Context, payload []byte) (TxResult, error)
	Close() error
}

// Dialer establishes a fresh connection to a network.
type Dialer func(ctx context.Context) (Connection, error)
