package netclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// EVMConnection adapts an Ethereum-compatible RPC endpoint (the Moonbeam leg)
// to the Connection interface.
type EVMConnection struct {
	network Network
	client  *ethclient.Client
}

// DialEVM initialises an EVM connection for the provided endpoint.
func DialEVM(ctx context.Context, network Network, endpoint string) (*EVMConnection, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("netclient: evm endpoint required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("netclient: dial evm endpoint: %w", err)
	}
	return &EVMConnection{network: network, client: client}, nil
}

// Network implements Connection.
func (c *EVMConnection) Network() Network { return c.network }

// SpecVersion reports the chain id. EVM transaction encodings are stable
// across node upgrades, so the chain id stands in for the spec version and a
// drift only occurs when the endpoint itself was repointed.
func (c *EVMConnection) SpecVersion(ctx context.Context) (uint32, error) {
	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("netclient: query chain id: %w", err)
	}
	return uint32(chainID.Uint64()), nil
}

// AccountSequence implements Connection using the pending nonce so queued
// submissions from other processes are visible.
func (c *EVMConnection) AccountSequence(ctx context.Context, account string) (uint64, error) {
	if !common.IsHexAddress(account) {
		return 0, fmt.Errorf("netclient: invalid evm address %q", account)
	}
	return c.client.PendingNonceAt(ctx, common.HexToAddress(account))
}

// AccountBalance implements Connection.
func (c *EVMConnection) AccountBalance(ctx context.Context, account string) (*big.Int, error) {
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("netclient: invalid evm address %q", account)
	}
	return c.client.BalanceAt(ctx, common.HexToAddress(account), nil)
}

// SubmitTransaction decodes the RLP payload and submits it, classifying the
// node's textual rejections into submit codes.
func (c *EVMConnection) SubmitTransaction(ctx context.Context, payload []byte) (TxResult, error) {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(payload); err != nil {
		return TxResult{}, fmt.Errorf("netclient: decode evm transaction: %w", err)
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return TxResult{}, classifyEVMError(c.network, err)
	}
	return TxResult{Hash: tx.Hash().Hex()}, nil
}

// Close implements Connection.
func (c *EVMConnection) Close() error {
	c.client.Close()
	return nil
}

// classifyEVMError maps the node's textual rejections into submit codes. A
// JSON-RPC error means the node ruled on the transaction; anything else is a
// transport failure the node never saw, left plain so callers may retry.
func classifyEVMError(network Network, err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("netclient: %s submit: %w", network, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		return &SubmitError{Network: network, Code: CodeNonceConflict, Detail: err.Error()}
	case strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "invalid signature"):
		return &SubmitError{Network: network, Code: CodeBadSignature, Detail: err.Error()}
	case strings.Contains(msg, "insufficient funds"):
		return &SubmitError{Network: network, Code: CodeBalanceExceeded, Detail: err.Error()}
	}
	return &SubmitError{Network: network, Code: CodeUnknown, Detail: err.Error()}
}
