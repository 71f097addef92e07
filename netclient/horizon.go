package netclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// stroopsPerLumen converts Horizon's decimal balances into raw units.
const stroopsPerLumen = 10_000_000

// HorizonConnection adapts a Stellar Horizon endpoint to the Connection
// interface.
type HorizonConnection struct {
	network Network
	baseURL string
	http    *http.Client
}

// DialHorizon initialises a Stellar connection for the provided Horizon URL.
func DialHorizon(network Network, baseURL string) (*HorizonConnection, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("netclient: horizon url required")
	}
	return &HorizonConnection{
		network: network,
		baseURL: trimmed,
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Network implements Connection.
func (c *HorizonConnection) Network() Network { return c.network }

type horizonRoot struct {
	CurrentProtocolVersion uint32 `json:"current_protocol_version"`
}

// SpecVersion implements Connection via the Horizon root resource.
func (c *HorizonConnection) SpecVersion(ctx context.Context) (uint32, error) {
	var root horizonRoot
	if err := c.get(ctx, "/", &root); err != nil {
		return 0, err
	}
	return root.CurrentProtocolVersion, nil
}

type horizonAccount struct {
	Sequence string `json:"sequence"`
	Balances []struct {
		Balance   string `json:"balance"`
		AssetType string `json:"asset_type"`
	} `json:"balances"`
}

// AccountSequence implements Connection. Horizon reports the last used
// sequence; the next valid one is that plus one.
func (c *HorizonConnection) AccountSequence(ctx context.Context, account string) (uint64, error) {
	var acc horizonAccount
	if err := c.get(ctx, "/accounts/"+url.PathEscape(account), &acc); err != nil {
		return 0, err
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(acc.Sequence), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("netclient: parse sequence %q: %w", acc.Sequence, err)
	}
	return seq + 1, nil
}

// AccountBalance implements Connection, returning the native balance in
// stroops.
func (c *HorizonConnection) AccountBalance(ctx context.Context, account string) (*big.Int, error) {
	var acc horizonAccount
	if err := c.get(ctx, "/accounts/"+url.PathEscape(account), &acc); err != nil {
		return nil, err
	}
	for _, balance := range acc.Balances {
		if balance.AssetType != "native" {
			continue
		}
		return parseStroops(balance.Balance)
	}
	return big.NewInt(0), nil
}

type horizonProblem struct {
	Title  string `json:"title"`
	Extras struct {
		ResultCodes struct {
			Transaction string   `json:"transaction"`
			Operations  []string `json:"operations"`
		} `json:"result_codes"`
	} `json:"extras"`
}

// SubmitTransaction implements Connection by posting the base64 envelope to
// Horizon and classifying its result codes.
func (c *HorizonConnection) SubmitTransaction(ctx context.Context, payload []byte) (TxResult, error) {
	form := url.Values{"tx": {base64.StdEncoding.EncodeToString(payload)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", strings.NewReader(form.Encode()))
	if err != nil {
		return TxResult{}, fmt.Errorf("netclient: build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return TxResult{}, fmt.Errorf("netclient: submit transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var problem horizonProblem
		_ = json.NewDecoder(resp.Body).Decode(&problem)
		return TxResult{}, classifyHorizonProblem(c.network, resp.StatusCode, problem)
	}
	var success struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&success); err != nil {
		return TxResult{}, fmt.Errorf("netclient: decode submit response: %w", err)
	}
	return TxResult{Hash: success.Hash}, nil
}

// Close implements Connection.
func (c *HorizonConnection) Close() error { return nil }

func (c *HorizonConnection) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("netclient: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("netclient: horizon %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("netclient: horizon %s: status=%d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("netclient: decode horizon %s: %w", path, err)
	}
	return nil
}

func classifyHorizonProblem(network Network, status int, problem horizonProblem) error {
	detail := problem.Extras.ResultCodes.Transaction
	codes := append([]string{detail}, problem.Extras.ResultCodes.Operations...)
	for _, code := range codes {
		switch code {
		case "tx_bad_seq":
			return &SubmitError{Network: network, Code: CodeNonceConflict, Detail: code}
		case "tx_bad_auth":
			return &SubmitError{Network: network, Code: CodeBadSignature, Detail: code}
		case "tx_insufficient_balance", "op_underfunded", "op_line_full":
			return &SubmitError{Network: network, Code: CodeBalanceExceeded, Detail: code}
		}
	}
	if status >= 500 {
		// Horizon itself failed without ruling on the transaction.
		return fmt.Errorf("netclient: horizon submit: status=%d title=%s", status, problem.Title)
	}
	return &SubmitError{
		Network: network,
		Code:    CodeUnknown,
		Detail:  fmt.Sprintf("status=%d title=%s codes=%s", status, problem.Title, strings.Join(codes, ",")),
	}
}

func parseStroops(decimal string) (*big.Int, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(decimal), ".")
	result, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("netclient: parse balance %q", decimal)
	}
	result.Mul(result, big.NewInt(stroopsPerLumen))
	if frac == "" {
		return result, nil
	}
	if len(frac) > 7 {
		frac = frac[:7]
	}
	frac += strings.Repeat("0", 7-len(frac))
	fracInt, ok := new(big.Int).SetString(frac, 10)
	if !ok {
		return nil, fmt.Errorf("netclient: parse balance %q", decimal)
	}
	return result.Add(result, fracInt), nil
}
