package phases

import (
	"context"
	"errors"
	"math/big"

	"rampd/netclient"
	"rampd/ramp"
)

// requireMeta reads a state key, failing unrecoverably when absent: a missing
// key means a prior phase (or registration) never wrote it, which is
// corruption, not a transient condition.
func requireMeta(state *ramp.RampState, key string) (string, error) {
	value, ok := state.Meta(key)
	if !ok {
		return "", ramp.Unrecoverablef("phases: state key %q missing on ramp %s", key, state.ID)
	}
	return value, nil
}

// requireAmount reads and parses a raw integer amount from state.
func requireAmount(state *ramp.RampState, key string) (*big.Int, error) {
	raw, err := requireMeta(state, key)
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, ramp.Unrecoverablef("phases: state key %q holds invalid amount %q", key, raw)
	}
	return amount, nil
}

// requirePresigned returns the client-signed payload for the phase.
func requirePresigned(state *ramp.RampState, phase string) (ramp.TxTemplate, error) {
	tx, ok := state.PresignedTxFor(phase)
	if !ok {
		return ramp.TxTemplate{}, ramp.Unrecoverablef("phases: no presigned transaction for phase %q on ramp %s", phase, state.ID)
	}
	return tx, nil
}

// submitResult folds a submission outcome into the phase error taxonomy:
// already-applied signals are success, definitive network rejections are
// unrecoverable, and everything else (transport failures, timeouts) is
// retried in place.
func submitResult(phase string, res netclient.TxResult, err error) (hash string, alreadyApplied bool, _ error) {
	if err == nil {
		return res.Hash, false, nil
	}
	if netclient.IsAlreadyApplied(err) {
		return "", true, nil
	}
	var submitErr *netclient.SubmitError
	if errors.As(err, &submitErr) {
		return "", false, ramp.Unrecoverablef("phases: %s rejected: %v", phase, err)
	}
	return "", false, ramp.Recoverablef("phases: %s submission: %v", phase, err)
}

// submitPresigned submits the client-signed payload tagged with the phase.
func submitPresigned(ctx context.Context, deps *Deps, state *ramp.RampState, phase string, network netclient.Network) (string, bool, error) {
	tx, err := requirePresigned(state, phase)
	if err != nil {
		return "", false, err
	}
	res, err := deps.Networks.SubmitSigned(ctx, network, []byte(tx.Payload))
	return submitResult(phase, res, err)
}

// submitTreasury builds and submits a treasury-signed transfer under the
// manager's serialized nonce for the treasury account.
func submitTreasury(ctx context.Context, deps *Deps, phase string, network netclient.Network, from, to string, amount *big.Int) (string, bool, error) {
	res, err := deps.Networks.Submit(ctx, network, from, func(nonce uint64) ([]byte, error) {
		return deps.buildTransfer(ctx, network, from, to, amount, nonce)
	})
	return submitResult(phase, res, err)
}

// accountBalance queries the live balance for an account on a network.
// Failures are recoverable: the connection may be mid-refresh.
func accountBalance(ctx context.Context, deps *Deps, network netclient.Network, account string) (*big.Int, error) {
	conn, err := deps.Networks.GetConnection(ctx, network)
	if err != nil {
		return nil, ramp.Recoverablef("phases: %s connection: %v", network, err)
	}
	balance, err := conn.AccountBalance(ctx, account)
	if err != nil {
		return nil, ramp.Recoverablef("phases: %s balance query for %s: %v", network, account, err)
	}
	return balance, nil
}
