// Package fiatprov talks to the fiat payment provider that holds payee
// subaccounts, receives on-ramp deposits and executes off-ramp payouts.
package fiatprov

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider defines the subset of the payment provider API rampd requires.
type Provider interface {
	SubaccountByTaxID(ctx context.Context, taxID string) (*Subaccount, error)
	DepositHistory(ctx context.Context, subaccountID string) ([]Deposit, error)
	TriggerPayout(ctx context.Context, req *PayoutRequest) (*Payout, error)
}

// Subaccount is a payee-scoped ledger account at the provider.
type Subaccount struct {
	ID        string `json:"id"`
	TaxID     string `json:"tax_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Deposit is one inbound fiat payment recorded on a subaccount.
type Deposit struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Settled reports whether the deposit is considered final.
func (d *Deposit) Settled() bool {
	switch strings.ToLower(strings.TrimSpace(d.Status)) {
	case "settled", "confirmed", "completed":
		return true
	}
	return false
}

// PayoutRequest asks the provider to pay fiat out of a subaccount.
type PayoutRequest struct {
	SubaccountID string `json:"subaccount_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	Reference    string `json:"reference"`
}

// Payout captures the provider's view of an outbound payment.
type Payout struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Completed reports whether the payout settled on the provider's side.
func (p *Payout) Completed() bool {
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "completed", "settled", "paid":
		return true
	}
	return false
}

// RequestError is returned for 4xx responses: the request itself was bad and
// retrying it unchanged will not help.
type RequestError struct {
	Status int
	Path   string
}

// Error implements error.
func (e *RequestError) Error() string {
	return fmt.Sprintf("fiatprov: %s rejected: status=%d", e.Path, e.Status)
}

// IsRequestError reports whether err is a provider-side request rejection.
func IsRequestError(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr)
}

// HTTPProvider implements Provider against the provider's HTTP API.
type HTTPProvider struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewHTTPProvider constructs an HTTP client with sane defaults.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SubaccountByTaxID resolves the payee subaccount for a national tax id.
func (c *HTTPProvider) SubaccountByTaxID(ctx context.Context, taxID string) (*Subaccount, error) {
	var account Subaccount
	path := fmt.Sprintf("/subaccounts?tax_id=%s", url.QueryEscape(taxID))
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// DepositHistory lists inbound payments on a subaccount, newest first.
func (c *HTTPProvider) DepositHistory(ctx context.Context, subaccountID string) ([]Deposit, error) {
	var out struct {
		Deposits []Deposit `json:"deposits"`
	}
	path := fmt.Sprintf("/subaccounts/%s/deposits", url.PathEscape(subaccountID))
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Deposits, nil
}

// TriggerPayout submits an outbound fiat payment. The provider deduplicates
// on the reference, so retrying a payout with the same reference is safe.
func (c *HTTPProvider) TriggerPayout(ctx context.Context, req *PayoutRequest) (*Payout, error) {
	var payout Payout
	if err := c.doRequest(ctx, http.MethodPost, "/payouts", req, &payout); err != nil {
		return nil, err
	}
	return &payout, nil
}

func (c *HTTPProvider) doRequest(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("fiatprov: client not configured")
	}
	var body *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &RequestError{Status: resp.StatusCode, Path: path}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fiatprov: %s failed: status=%d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
