// Package model defines domain entities used by transport, wallet and session layers.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// PeerDevice is a counterparty discovered over the proximity transport.
// Identity is ID; only SignalStrength is refreshed after discovery.
type PeerDevice struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name,omitempty"`    // empty when the peer advertises no name
	SignalStrength *int   `json:"signal_strength,omitempty"` // RSSI in dBm, nil if unknown
	Simulated      bool   `json:"simulated,omitempty"`
}

// RSSI returns the signal strength and whether it is known.
func (p PeerDevice) RSSI() (int, bool) {
	if p.SignalStrength == nil {
		return 0, false
	}
	return *p.SignalStrength, true
}

// Signal is a helper for building PeerDevice literals.
func Signal(v int) *int { return &v }

// ConnectionState is owned by the transport manager.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Scanning
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// PaymentIntent is what the sender proposes to the receiver. Immutable once created.
type PaymentIntent struct {
	ID                  uuid.UUID `json:"id"`
	SenderID            string    `json:"sender_id"`
	ReceiverID          string    `json:"receiver_id"`
	ReceiverDisplayName string    `json:"receiver_display_name,omitempty"`
	AmountSatoshis      int64     `json:"amount_sat"`
	Note                string    `json:"note,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// WithReceiver returns a copy of the intent addressed to peer.
func (pi PaymentIntent) WithReceiver(peer PeerDevice) PaymentIntent {
	pi.ReceiverID = peer.ID
	pi.ReceiverDisplayName = peer.DisplayName
	return pi
}

// PaymentResult reports the outcome of a settlement attempt.
type PaymentResult struct {
	Success        bool      `json:"success"`
	AmountSatoshis int64     `json:"amount_sat"`
	Counterparty   string    `json:"counterparty"` // destination pubkey, invoice or peer id
	SettledAt      time.Time `json:"settled_at,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	PaymentHash    string    `json:"payment_hash,omitempty"`
}

// WalletRecord is the server-side persisted wallet descriptor, one per user.
type WalletRecord struct {
	UserID     string
	WalletName string // deterministic function of UserID
	Pubkey     string
	Address    string
	CreatedAt  time.Time
}

// WalletCredentials is the secret material kept in the credential store, keyed by WalletName.
type WalletCredentials struct {
	UserID     string    `json:"user_id"`
	WalletName string    `json:"wallet_name"`
	Password   string    `json:"password"`
	Seed       []string  `json:"seed"`
	CreatedAt  time.Time `json:"created_at"`
	Network    string    `json:"network"`
}

// ProvisionResult is returned by wallet provisioning.
type ProvisionResult struct {
	WalletID string `json:"wallet_id"`
	Pubkey   string `json:"pubkey"`
	Address  string `json:"address"`
}
