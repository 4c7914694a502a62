// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"context"
	"errors"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., wallet already recorded).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")
)

// Transport sentinels.
var (
	// ErrTransportUnavailable is an adapter-level fault (unsupported hardware,
	// permission denied, radio off). Permanent for the manager's lifetime.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrConnectionLost means the peer went away. Transient before settlement,
	// fatal once settlement has started.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNotConnected is returned by read/write when no peer is connected.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownDevice is returned when connecting to an id the backend never saw.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrNoPeer means no suitable peer was found before the scan deadline.
	ErrNoPeer = errors.New("no peer found")
)

// Payment and wallet sentinels.
var (
	// ErrInvalidIntent marks malformed or implausible payment data received over the transport.
	ErrInvalidIntent = errors.New("invalid payment intent")

	// ErrInvalidAmount is a precondition violation (negative BTC, non-positive satoshis).
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrCredentialsMissing means the wallet is locked and no stored credentials exist.
	ErrCredentialsMissing = errors.New("wallet credentials missing")

	// ErrCredentialsCorrupt means stored credentials could not be decoded or opened.
	ErrCredentialsCorrupt = errors.New("wallet credentials corrupt")

	// ErrNodeUnreachable is a transient node failure; callers may retry with backoff.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrWalletState is an unexpected node/wallet state that is not recoverable here.
	ErrWalletState = errors.New("unexpected wallet state")

	// ErrPaymentFailed means the node accepted the request but the payment did not settle.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrCancelled means the user cancelled the transfer session.
	ErrCancelled = errors.New("cancelled")
)

// Kind returns a stable, transport-safe name for err. Unknown errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransportUnavailable):
		return "transport_unavailable"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, ErrNoPeer):
		return "no_peer"
	case errors.Is(err, ErrInvalidIntent):
		return "invalid_intent"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrCredentialsMissing):
		return "credentials_missing"
	case errors.Is(err, ErrCredentialsCorrupt):
		return "credentials_corrupt"
	case errors.Is(err, ErrNodeUnreachable), errors.Is(err, context.DeadlineExceeded):
		return "node_unreachable"
	case errors.Is(err, ErrWalletState):
		return "wallet_state"
	case errors.Is(err, ErrPaymentFailed):
		return "payment_failed"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

// Retryable reports whether a caller may retry the operation that produced err.
func Retryable(err error) bool {
	return errors.Is(err, ErrNodeUnreachable) || errors.Is(err, context.DeadlineExceeded)
}

var byKind = map[string]error{
	"transport_unavailable": ErrTransportUnavailable,
	"connection_lost":       ErrConnectionLost,
	"not_connected":         ErrNotConnected,
	"unknown_device":        ErrUnknownDevice,
	"no_peer":               ErrNoPeer,
	"invalid_intent":        ErrInvalidIntent,
	"invalid_amount":        ErrInvalidAmount,
	"credentials_missing":   ErrCredentialsMissing,
	"credentials_corrupt":   ErrCredentialsCorrupt,
	"node_unreachable":      ErrNodeUnreachable,
	"wallet_state":          ErrWalletState,
	"payment_failed":        ErrPaymentFailed,
	"cancelled":             ErrCancelled,
	"not_found":             ErrNotFound,
	"already_exists":        ErrAlreadyExists,
	"unauthorized":          ErrUnauthorized,
	"rate_limited":          ErrRateLimited,
}

// FromKind returns the sentinel named by kind, or nil for unknown kinds.
func FromKind(kind string) error {
	return byKind[kind]
}
