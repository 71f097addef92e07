package signer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"rampd/netclient"
)

func TestBuildTransfer(t *testing.T) {
	var got transferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(transferResponse{
			Payload: base64.StdEncoding.EncodeToString([]byte("signed-bytes")),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	payload, err := client.BuildTransfer(context.Background(),
		netclient.NetworkStellar, "treasury", "ephemeral", big.NewInt(25_000_000), 7)
	require.NoError(t, err)
	require.Equal(t, []byte("signed-bytes"), payload)
	require.Equal(t, transferRequest{
		Network: "stellar",
		From:    "treasury",
		To:      "ephemeral",
		Amount:  "25000000",
		Nonce:   7,
	}, got)
}

func TestBuildTransferSurfacesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "key unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).BuildTransfer(context.Background(),
		netclient.NetworkPendulum, "treasury", "ephemeral", big.NewInt(1), 0)
	require.ErrorContains(t, err, "unexpected status 503")
}

func TestAccountBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/balances/pendulum/some-account", r.URL.Path)
		_ = json.NewEncoder(w).Encode(balanceResponse{Balance: "123456789"})
	}))
	defer srv.Close()

	balance, err := NewClient(srv.URL).AccountBalance(context.Background(),
		netclient.NetworkPendulum, "some-account")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(123_456_789), balance)
}

func TestBuildTransferRejectsNilAmount(t *testing.T) {
	_, err := NewClient("http://signer.local").BuildTransfer(context.Background(),
		netclient.NetworkPendulum, "treasury", "ephemeral", nil, 0)
	require.Error(t, err)
}
