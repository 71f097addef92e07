package netclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubstrateSubmitTransportErrorStaysPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	conn, err := DialSubstrate(NetworkPendulum, srv.URL)
	require.NoError(t, err)

	_, err = conn.SubmitTransaction(context.Background(), []byte{0x01})
	require.Error(t, err)
	var submitErr *SubmitError
	require.False(t, errors.As(err, &submitErr), "node never ruled on the extrinsic")
	require.False(t, IsAlreadyApplied(err))
}

func TestSubstrateSubmitPoolRejectionClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":1010,"message":"Invalid Transaction: Transaction is outdated"}}`))
	}))
	defer srv.Close()

	conn, err := DialSubstrate(NetworkPendulum, srv.URL)
	require.NoError(t, err)

	_, err = conn.SubmitTransaction(context.Background(), []byte{0x01})
	require.True(t, IsNonceConflict(err))
	require.True(t, IsAlreadyApplied(err))
}
