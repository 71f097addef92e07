package netclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// jsonRPCError mimics the error shape geth's rpc package produces for a
// node-returned JSON-RPC error.
type jsonRPCError struct {
	code int
	msg  string
}

func (e *jsonRPCError) Error() string  { return e.msg }
func (e *jsonRPCError) ErrorCode() int { return e.code }

func TestEVMClassifyNodeRejections(t *testing.T) {
	err := classifyEVMError(NetworkMoonbeam, &jsonRPCError{code: -32000, msg: "nonce too low"})
	require.True(t, IsNonceConflict(err))

	err = classifyEVMError(NetworkMoonbeam, &jsonRPCError{code: -32000, msg: "insufficient funds for gas * price + value"})
	require.True(t, IsBalanceExceeded(err))

	err = classifyEVMError(NetworkMoonbeam, &jsonRPCError{code: -32000, msg: "txpool is full"})
	var submitErr *SubmitError
	require.True(t, errors.As(err, &submitErr))
	require.Equal(t, CodeUnknown, submitErr.Code)
}

func TestEVMTransportErrorStaysPlain(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := classifyEVMError(NetworkMoonbeam, cause)
	require.Error(t, err)
	var submitErr *SubmitError
	require.False(t, errors.As(err, &submitErr))
	require.ErrorIs(t, err, cause)
}
