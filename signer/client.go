// Package signer talks to the treasury signing sidecar. rampd never holds
// treasury key material; server-side transfers (ephemeral funding, post-swap
// subsidies) are built and signed by the sidecar against a nonce the caller
// already reserved. The sidecar also owns the runtime-specific storage
// encoding, so substrate balance reads go through it as well.
package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"rampd/netclient"
)

// Client is an HTTP client for the signing sidecar.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a signer client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type transferRequest struct {
	Network string `json:"network"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  string `json:"amount"`
	Nonce   uint64 `json:"nonce"`
}

type transferResponse struct {
	Payload string `json:"payload"`
}

// BuildTransfer requests a signed transfer payload from the sidecar. The
// returned bytes are the network's wire encoding, ready for submission.
func (c *Client) BuildTransfer(ctx context.Context, network netclient.Network, from, to string, amount *big.Int, nonce uint64) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("signer: transfer amount required")
	}
	body, err := json.Marshal(transferRequest{
		Network: string(network),
		From:    from,
		To:      to,
		Amount:  amount.String(),
		Nonce:   nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("signer: encode transfer request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("signer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signer: sign %s transfer: %w", network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer: sign %s transfer: unexpected status %d", network, resp.StatusCode)
	}
	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("signer: decode response: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(out.Payload)
	if err != nil {
		return nil, fmt.Errorf("signer: decode payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("signer: empty payload for %s transfer", network)
	}
	return payload, nil
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// AccountBalance resolves an account's spendable balance (raw units) through
// the sidecar's runtime-aware storage decoding.
func (c *Client) AccountBalance(ctx context.Context, network netclient.Network, account string) (*big.Int, error) {
	target := fmt.Sprintf("%s/v1/balances/%s/%s", c.baseURL, network, account)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("signer: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signer: query %s balance: %w", network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer: query %s balance: unexpected status %d", network, resp.StatusCode)
	}
	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("signer: decode response: %w", err)
	}
	balance, ok := new(big.Int).SetString(strings.TrimSpace(out.Balance), 10)
	if !ok {
		return nil, fmt.Errorf("signer: parse balance %q", out.Balance)
	}
	return balance, nil
}
