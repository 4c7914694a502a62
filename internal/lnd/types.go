package lnd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/and161185/satlink/internal/errs"
)

// WalletState is the node's wallet lifecycle state as reported by /v1/state.
type WalletState string

const (
	StateNonExisting    WalletState = "NON_EXISTING"
	StateLocked         WalletState = "LOCKED"
	StateUnlocked       WalletState = "UNLOCKED"
	StateRPCActive      WalletState = "RPC_ACTIVE"
	StateServerActive   WalletState = "SERVER_ACTIVE"
	StateWaitingToStart WalletState = "WAITING_TO_START"
)

// Ready reports whether the wallet is unlocked and serving RPCs.
func (s WalletState) Ready() bool {
	return s == StateUnlocked || s == StateRPCActive || s == StateServerActive
}

// Info is the subset of /v1/getinfo used here.
type Info struct {
	IdentityPubkey string `json:"identity_pubkey"`
	Alias          string `json:"alias"`
	SyncedToChain  bool   `json:"synced_to_chain"`
	BlockHeight    int64  `json:"block_height"`
}

// PayReq is the subset of a decoded bolt11 invoice.
type PayReq struct {
	Destination string `json:"destination"`
	PaymentHash string `json:"payment_hash"`
	NumSatoshis int64  `json:"num_satoshis,string"`
	Description string `json:"description"`
}

// Payment is the outcome of a synchronous send.
type Payment struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage []byte `json:"payment_preimage"`
	PaymentHash     []byte `json:"payment_hash"`
}

// APIError is a non-2xx node response. It unwraps to the errs sentinel
// matching its class.
type APIError struct {
	Status  int
	Code    int    // gRPC status code from the gateway body, 0 if absent
	Message string // gateway message or raw body
	kind    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node http %d (code %d): %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// gRPC codes that mean the request itself can never succeed as sent.
var definitiveCodes = map[int]bool{
	3:  true, // InvalidArgument
	5:  true, // NotFound
	6:  true, // AlreadyExists
	7:  true, // PermissionDenied
	9:  true, // FailedPrecondition
	12: true, // Unimplemented
	16: true, // Unauthenticated
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status, Message: string(body)}
	var gw struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &gw) == nil {
		e.Code = gw.Code
		if gw.Message != "" {
			e.Message = gw.Message
		} else if gw.Error != "" {
			e.Message = gw.Error
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || e.Code == 16 || e.Code == 7:
		e.kind = errs.ErrUnauthorized
	case status >= 500 && !definitiveCodes[e.Code]:
		e.kind = errs.ErrNodeUnreachable
	default:
		e.kind = errs.ErrWalletState
	}
	return e
}
