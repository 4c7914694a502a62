package model

import "github.com/gofrs/uuid/v5"

// SessionState is the transfer session state machine.
type SessionState int

const (
	StateIdle SessionState = iota
	StateScanning
	StateConnecting
	StateAwaitingIntentExchange
	StateSettling
	StateCompleted
	StateFailed
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateAwaitingIntentExchange:
		return "awaiting_intent_exchange"
	case StateSettling:
		return "settling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition may leave s.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SessionRole distinguishes the paying side from the receiving side.
type SessionRole string

const (
	RoleSender   SessionRole = "send"
	RoleReceiver SessionRole = "receive"
)

// SessionEvent is published on every session state transition.
type SessionEvent struct {
	SessionID uuid.UUID
	Role      SessionRole
	State     SessionState
	Peer      *PeerDevice
	Result    *PaymentResult
	ErrorKind string
}
