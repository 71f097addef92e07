package netclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHorizonSubmitBadSeqClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"title":"Transaction Failed","extras":{"result_codes":{"transaction":"tx_bad_seq"}}}`))
	}))
	defer srv.Close()

	conn, err := DialHorizon(NetworkStellar, srv.URL)
	require.NoError(t, err)

	_, err = conn.SubmitTransaction(context.Background(), []byte{0x01})
	require.True(t, IsNonceConflict(err))
}

func TestHorizonSubmitServerErrorStaysPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	conn, err := DialHorizon(NetworkStellar, srv.URL)
	require.NoError(t, err)

	_, err = conn.SubmitTransaction(context.Background(), []byte{0x01})
	require.Error(t, err)
	var submitErr *SubmitError
	require.False(t, errors.As(err, &submitErr), "submission may still be retried")
}
