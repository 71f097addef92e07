package netclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// SubstrateConnection adapts a parachain-style JSON-RPC endpoint (the
// Pendulum leg) to the Connection interface. Runtime upgrades change the
// extrinsic encoding, which is why SpecVersion drift forces a redial.
type SubstrateConnection struct {
	network  Network
	endpoint string
	http     *http.Client

	// balanceFn resolves an account's spendable balance. Storage-key encoding
	// is runtime specific and injected by the deployment, mirroring how
	// transaction construction stays outside this package.
	balanceFn func(ctx context.Context, account string) (*big.Int, error)
}

// SubstrateOption customises the connection.
type SubstrateOption func(*SubstrateConnection)

// WithBalanceFunc supplies the runtime-specific balance resolver.
func WithBalanceFunc(fn func(ctx context.Context, account string) (*big.Int, error)) SubstrateOption {
	return func(c *SubstrateConnection) { c.balanceFn = fn }
}

// DialSubstrate initialises a parachain connection for the provided endpoint.
func DialSubstrate(network Network, endpoint string, opts ...SubstrateOption) (*SubstrateConnection, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("netclient: substrate endpoint required")
	}
	conn := &SubstrateConnection{
		network:  network,
		endpoint: trimmed,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(conn)
	}
	return conn, nil
}

// Network implements Connection.
func (c *SubstrateConnection) Network() Network { return c.network }

type runtimeVersion struct {
	SpecVersion uint32 `json:"specVersion"`
}

// SpecVersion implements Connection via state_getRuntimeVersion.
func (c *SubstrateConnection) SpecVersion(ctx context.Context) (uint32, error) {
	var version runtimeVersion
	if err := c.call(ctx, "state_getRuntimeVersion", nil, &version); err != nil {
		return 0, err
	}
	return version.SpecVersion, nil
}

// AccountSequence implements Connection via system_accountNextIndex.
func (c *SubstrateConnection) AccountSequence(ctx context.Context, account string) (uint64, error) {
	var nonce uint64
	if err := c.call(ctx, "system_accountNextIndex", []any{account}, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// AccountBalance implements Connection through the injected resolver.
func (c *SubstrateConnection) AccountBalance(ctx context.Context, account string) (*big.Int, error) {
	if c.balanceFn == nil {
		return nil, fmt.Errorf("netclient: %s balance resolver not configured", c.network)
	}
	return c.balanceFn(ctx, account)
}

// SubmitTransaction implements Connection via author_submitExtrinsic. Only a
// JSON-RPC error carries the node's verdict on the extrinsic; transport and
// HTTP-status failures pass through plain so callers may retry them.
func (c *SubstrateConnection) SubmitTransaction(ctx context.Context, payload []byte) (TxResult, error) {
	encoded := "0x" + hex.EncodeToString(payload)
	var hash string
	if err := c.call(ctx, "author_submitExtrinsic", []any{encoded}, &hash); err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return TxResult{}, classifySubstrateError(c.network, rpcErr)
		}
		return TxResult{}, err
	}
	return TxResult{Hash: hash}, nil
}

// Close implements Connection. The transport is plain HTTP, nothing to tear
// down; dropping the cached object is the refresh.
func (c *SubstrateConnection) Close() error { return nil }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *SubstrateConnection) call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("netclient: marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("netclient: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("netclient: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("netclient: %s: status=%d", method, resp.StatusCode)
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("netclient: decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("netclient: %s: %w", method, decoded.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("netclient: decode %s result: %w", method, err)
	}
	return nil
}

// classifySubstrateError maps the node's pool rejections into submit codes.
func classifySubstrateError(network Network, err *rpcError) error {
	msg := strings.ToLower(err.Error())
	switch {
	// "Transaction is outdated" / stale nonce rejections from the tx pool.
	case strings.Contains(msg, "outdated"),
		strings.Contains(msg, "stale"),
		strings.Contains(msg, "already imported"):
		return &SubmitError{Network: network, Code: CodeNonceConflict, Detail: err.Error()}
	case strings.Contains(msg, "bad proof"),
		strings.Contains(msg, "invalid signature"):
		return &SubmitError{Network: network, Code: CodeBadSignature, Detail: err.Error()}
	case strings.Contains(msg, "inability to pay"),
		strings.Contains(msg, "fundsunavailable"),
		strings.Contains(msg, "insufficient"):
		return &SubmitError{Network: network, Code: CodeBalanceExceeded, Detail: err.Error()}
	}
	return &SubmitError{Network: network, Code: CodeUnknown, Detail: err.Error()}
}
