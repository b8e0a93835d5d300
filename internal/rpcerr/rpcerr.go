// Package rpcerr defines the sentinel errors returned across the admission
// and replica RPC surfaces, so callers can branch on error identity with
// errors.Is instead of parsing messages.
package rpcerr

import "errors"

var (
	// ErrInvalidEnvelope covers any failure to open the request envelope:
	// unseal the capability, verify the proof-of-work, or verify the inner
	// payload signature.
	ErrInvalidEnvelope = errors.New("rpcerr: invalid request envelope")

	// ErrDuplicateNonce is returned when a capability's nonce has already
	// been consumed.
	ErrDuplicateNonce = errors.New("rpcerr: capability nonce already used")

	// ErrMalformedReport covers a request body or report that cannot be
	// decoded, or a report whose own signature does not verify under the
	// reporter's key.
	ErrMalformedReport = errors.New("rpcerr: malformed report")

	// ErrInsufficientProofs is returned when a report fails the validator:
	// its location is outside the grid, or it does not carry enough valid
	// assisted proofs to clear the f_line threshold.
	ErrInsufficientProofs = errors.New("rpcerr: insufficient assisted proofs")

	// ErrEquivocation is returned when a reporter has signed two different
	// reports for the same epoch; the reporter is blacklisted as a result.
	ErrEquivocation = errors.New("rpcerr: equivocating reporter blacklisted")

	// ErrBlacklisted is returned for any further submit_report from an index
	// that is already blacklisted.
	ErrBlacklisted = errors.New("rpcerr: reporter is blacklisted")

	// ErrStorageUnavailable covers snapshot I/O failures.
	ErrStorageUnavailable = errors.New("rpcerr: storage unavailable")

	// ErrNotFound is returned when obtain_report finds no report for the
	// requested (epoch, idx).
	ErrNotFound = errors.New("rpcerr: no report for requested epoch/user")

	// ErrUnknownOp is returned by the framed dispatcher for an unrecognised
	// operation byte.
	ErrUnknownOp = errors.New("rpcerr: unknown operation")
)
