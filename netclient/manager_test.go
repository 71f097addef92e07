package netclient

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu          sync.Mutex
	network     Network
	specVersion uint32
	sequence    uint64
	submitErrs  []error
	submitted   [][]byte
	closed      bool
}

func (c *fakeConn) Network() Network { return c.network }

func (c *fakeConn) SpecVersion(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.specVersion, nil
}

func (c *fakeConn) AccountSequence(ctx context.Context, account string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence, nil
}

func (c *fakeConn) AccountBalance(ctx context.Context, account string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *fakeConn) SubmitTransaction(ctx context.Context, payload []byte) (TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, payload)
	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		if err != nil {
			return TxResult{}, err
		}
	}
	return TxResult{Hash: "ok"}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func newTestManager(conns ...*fakeConn) (*Manager, *int) {
	dials := 0
	m := NewManager()
	m.RegisterNetwork(NetworkPendulum, func(ctx context.Context) (Connection, error) {
		conn := conns[dials]
		if dials < len(conns)-1 {
			dials++
		}
		return conn, nil
	})
	return m, &dials
}

func TestNextNonceMonotonicUnderConcurrency(t *testing.T) {
	// Remote reports a stale, fixed sequence; the ledger must still hand out
	// strictly increasing nonces.
	conn := &fakeConn{network: NetworkPendulum, specVersion: 1, sequence: 7}
	m, _ := newTestManager(conn)

	const n = 50
	results := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nonce, err := m.NextNonce(context.Background(), NetworkPendulum, "acct")
			require.NoError(t, err)
			results[i] = nonce
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	require.EqualValues(t, 7, results[0], "first acquisition uses the remote value")
	for i := 1; i < n; i++ {
		require.Equal(t, results[i-1]+1, results[i], "no gaps, no repeats")
	}
}

func TestNextNonceUsesRemoteWhenAhead(t *testing.T) {
	conn := &fakeConn{network: NetworkPendulum, specVersion: 1, sequence: 3}
	m, _ := newTestManager(conn)

	nonce, err := m.NextNonce(context.Background(), NetworkPendulum, "acct")
	require.NoError(t, err)
	require.EqualValues(t, 3, nonce)

	// Remote jumps ahead (another submitter landed transactions).
	conn.mu.Lock()
	conn.sequence = 42
	conn.mu.Unlock()

	nonce, err = m.NextNonce(context.Background(), NetworkPendulum, "acct")
	require.NoError(t, err)
	require.EqualValues(t, 42, nonce)
}

func TestGetConnectionRedialsOnSpecDrift(t *testing.T) {
	first := &fakeConn{network: NetworkPendulum, specVersion: 1}
	second := &fakeConn{network: NetworkPendulum, specVersion: 2}
	m, _ := newTestManager(first, second)

	conn, err := m.GetConnection(context.Background(), NetworkPendulum)
	require.NoError(t, err)
	require.Same(t, first, conn)

	// Remote upgrades: the cached connection advertises a new spec version
	// and must be replaced.
	first.mu.Lock()
	first.specVersion = 2
	first.mu.Unlock()

	conn, err = m.GetConnection(context.Background(), NetworkPendulum)
	require.NoError(t, err)
	require.Same(t, second, conn)
	require.True(t, first.closed)
}

func TestSubmitRetriesOnceOnBadSignature(t *testing.T) {
	badSig := &SubmitError{Network: NetworkPendulum, Code: CodeBadSignature, Detail: "bad proof"}
	first := &fakeConn{network: NetworkPendulum, specVersion: 1, submitErrs: []error{badSig}}
	second := &fakeConn{network: NetworkPendulum, specVersion: 1}
	m, _ := newTestManager(first, second)

	builds := 0
	result, err := m.Submit(context.Background(), NetworkPendulum, "acct", func(nonce uint64) ([]byte, error) {
		builds++
		return []byte("tx"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result.Hash)
	require.Equal(t, 2, builds, "rebuilt once after the refresh")
	require.Len(t, first.submitted, 1)
	require.Len(t, second.submitted, 1)
}

func TestSubmitGivesUpAfterSecondBadSignature(t *testing.T) {
	badSig := &SubmitError{Network: NetworkPendulum, Code: CodeBadSignature, Detail: "bad proof"}
	first := &fakeConn{network: NetworkPendulum, specVersion: 1, submitErrs: []error{badSig}}
	second := &fakeConn{network: NetworkPendulum, specVersion: 1, submitErrs: []error{badSig}}
	m, _ := newTestManager(first, second)

	_, err := m.SubmitSigned(context.Background(), NetworkPendulum, []byte("tx"))
	require.Error(t, err)
	require.True(t, IsBadSignature(err))
	require.Len(t, first.submitted, 1)
	require.Len(t, second.submitted, 1)
}

func TestAlreadyAppliedClassification(t *testing.T) {
	conflict := &SubmitError{Network: NetworkStellar, Code: CodeNonceConflict}
	exceeded := &SubmitError{Network: NetworkPendulum, Code: CodeBalanceExceeded}
	unknown := &SubmitError{Network: NetworkPendulum, Code: CodeUnknown}

	require.True(t, IsAlreadyApplied(conflict))
	require.True(t, IsAlreadyApplied(exceeded))
	require.False(t, IsAlreadyApplied(unknown))
	require.False(t, IsAlreadyApplied(nil))
}
