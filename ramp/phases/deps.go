// Package phases ships the concrete phase handlers for the on-ramp and
// off-ramp pipelines. Each handler owns one named phase, performs its external
// side effects through the shared dependencies, and declares its successor.
package phases

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"rampd/fiatprov"
	"rampd/netclient"
	"rampd/ramp"
)

// TransferBuilder produces a signed treasury transfer payload for the given
// network. Handlers use it for server-side transactions (ephemeral funding,
// post-swap subsidies) that cannot be presigned by the client.
type TransferBuilder func(ctx context.Context, network netclient.Network, from, to string, amount *big.Int, nonce uint64) ([]byte, error)

// Treasury names the shared funding accounts per network.
type Treasury struct {
	PendulumAddress string
	StellarAddress  string
	MoonbeamAddress string
}

// Deps bundles the external collaborators shared by all phase handlers.
type Deps struct {
	Networks *netclient.Manager
	Provider fiatprov.Provider
	Treasury Treasury

	// BuildTransfer signs treasury-funded transfers. Left nil, any phase that
	// needs one fails unrecoverably instead of panicking.
	BuildTransfer TransferBuilder

	Logger *slog.Logger
	Now    func() time.Time
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) buildTransfer(ctx context.Context, network netclient.Network, from, to string, amount *big.Int, nonce uint64) ([]byte, error) {
	if d.BuildTransfer == nil {
		return nil, fmt.Errorf("phases: transfer builder not configured")
	}
	return d.BuildTransfer(ctx, network, from, to, amount, nonce)
}

// All returns every phase handler in the pipeline, ready for registration.
func All(deps *Deps) []ramp.Handler {
	return []ramp.Handler{
		&initialHandler{deps: deps},
		&fundEphemeralHandler{deps: deps},
		&moonbeamToPendulumHandler{deps: deps},
		&nablaApproveHandler{deps: deps},
		&nablaSwapHandler{deps: deps},
		&subsidizePostSwapHandler{deps: deps},
		&spacewalkRedeemHandler{deps: deps},
		&stellarPaymentHandler{deps: deps},
		&stellarCleanupHandler{deps: deps},
		&pendulumCleanupHandler{deps: deps},
		&pendulumToDestHandler{deps: deps},
		&completeHandler{},
	}
}
