package phases

// StateMeta keys shared between phases. Registration seeds the ephemeral
// addresses and amounts; handlers append submission hashes as they go.
const (
	MetaPendulumEphemeral = "pendulumEphemeralAddress"
	MetaStellarEphemeral  = "stellarEphemeralAccount"
	MetaMoonbeamEphemeral = "moonbeamEphemeralAddress"

	MetaInputAmountRaw  = "inputAmountRaw"
	MetaOutputAmountRaw = "outputAmountRaw"
	MetaPayoutCurrency  = "payoutCurrency"

	MetaMoonbeamXcmHash     = "moonbeamXcmHash"
	MetaNablaApproveHash    = "nablaApproveHash"
	MetaNablaSwapHash       = "nablaSwapHash"
	MetaSubsidyHash         = "subsidyHash"
	MetaSpacewalkRedeemHash = "spacewalkRedeemHash"
	MetaStellarPaymentHash  = "stellarPaymentHash"
	MetaStellarCleanupHash  = "stellarCleanupHash"
	MetaPendulumCleanupHash = "pendulumCleanupHash"
	MetaDestTransferHash    = "destinationTransferHash"

	// MetaDestRoute records which delivery leg the destination transfer took,
	// RouteDirect or RouteBridged.
	MetaDestRoute = "destinationRoute"
)

// Destination transfer routes.
const (
	RouteDirect  = "direct"
	RouteBridged = "bridged"
)

// Destination rail that receives a direct transfer instead of bridging
// through the EVM hop.
const railAssetHub = "assethub"
