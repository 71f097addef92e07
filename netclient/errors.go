package netclient

import (
	"errors"
	"fmt"
)

// SubmitCode classifies a submission failure.
type SubmitCode int

// Submission failure classes.
const (
	CodeUnknown SubmitCode = iota
	// CodeNonceConflict means the sequence number was already spent: the
	// usual signal that this exact logical effect already happened.
	CodeNonceConflict
	// CodeBadSignature means the remote rejected the signature, typically
	// because it was produced against a now-stale connection.
	CodeBadSignature
	// CodeBalanceExceeded means the transfer would overdraw the source; on a
	// redeem path this doubles as an "already applied" signal.
	CodeBalanceExceeded
)

// SubmitError is a classified submission failure.
type SubmitError struct {
	Network Network
	Code    SubmitCode
	Detail  string
}

// Error implements error.
func (e *SubmitError) Error() string {
	return fmt.Sprintf("netclient: %s submit failed (%s): %s", e.Network, e.Code, e.Detail)
}

// String names the code for logs.
func (c SubmitCode) String() string {
	switch c {
	case CodeNonceConflict:
		return "nonce_conflict"
	case CodeBadSignature:
		return "bad_signature"
	case CodeBalanceExceeded:
		return "balance_exceeded"
	}
	return "unknown"
}

func submitCode(err error) (SubmitCode, bool) {
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		return submitErr.Code, true
	}
	return CodeUnknown, false
}

// IsNonceConflict reports a sequence-conflict submission failure.
func IsNonceConflict(err error) bool {
	code, ok := submitCode(err)
	return ok && code == CodeNonceConflict
}

// IsBadSignature reports a signature-rejected submission failure.
func IsBadSignature(err error) bool {
	code, ok := submitCode(err)
	return ok && code == CodeBadSignature
}

// IsBalanceExceeded reports a balance-exceeded submission failure.
func IsBalanceExceeded(err error) bool {
	code, ok := submitCode(err)
	return ok && code == CodeBalanceExceeded
}

// IsAlreadyApplied reports the error shapes that mean "this action already
// succeeded in a previous attempt". Handlers treat these as success.
func IsAlreadyApplied(err error) bool {
	code, ok := submitCode(err)
	return ok && (code == CodeNonceConflict || code == CodeBalanceExceeded)
}
