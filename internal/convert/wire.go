// Package convert encodes domain messages for the transport characteristic.
//
// The payload is a UTF-8 JSON envelope; the radio backend additionally
// base64-encodes it (see EncodeRadio/DecodeRadio).
package convert

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/model"
)

// MessageType tags the envelope contents.
type MessageType string

const (
	TypeIntent MessageType = "intent"
	TypeAck    MessageType = "ack"
	TypeResult MessageType = "result"
)

// MaxPayload bounds a characteristic payload; anything larger is rejected as implausible.
const MaxPayload = 4096

// Envelope is the single message written to / read from the characteristic.
type Envelope struct {
	Type        MessageType          `json:"type"`
	Intent      *model.PaymentIntent `json:"intent,omitempty"`
	Result      *model.PaymentResult `json:"result,omitempty"`
	Destination string               `json:"destination,omitempty"` // receiver's pubkey or invoice
}

// --- helpers ---

func encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return b, nil
}

// --- intent (sender -> receiver) ---

// EncodeIntent wraps a PaymentIntent.
func EncodeIntent(in model.PaymentIntent) ([]byte, error) {
	return encode(Envelope{Type: TypeIntent, Intent: &in})
}

// EncodeAck wraps the receiver's acknowledgement of an intent with its payment destination.
func EncodeAck(in model.PaymentIntent, destination string) ([]byte, error) {
	return encode(Envelope{Type: TypeAck, Intent: &in, Destination: destination})
}

// --- result (sender -> receiver) ---

// EncodeResult wraps a PaymentResult, optionally with the intent it settles.
func EncodeResult(res model.PaymentResult, in *model.PaymentIntent) ([]byte, error) {
	return encode(Envelope{Type: TypeResult, Result: &res, Intent: in})
}

// Decode parses an envelope and validates its shape. Failures wrap errs.ErrInvalidIntent.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if len(b) == 0 {
		return env, fmt.Errorf("%w: empty payload", errs.ErrInvalidIntent)
	}
	if len(b) > MaxPayload {
		return env, fmt.Errorf("%w: payload too large (%d bytes)", errs.ErrInvalidIntent, len(b))
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("%w: %v", errs.ErrInvalidIntent, err)
	}
	switch env.Type {
	case TypeIntent, TypeAck:
		if env.Intent == nil {
			return env, fmt.Errorf("%w: %s without intent", errs.ErrInvalidIntent, env.Type)
		}
	case TypeResult:
		if env.Result == nil {
			return env, fmt.Errorf("%w: result without body", errs.ErrInvalidIntent)
		}
	default:
		return env, fmt.Errorf("%w: unknown type %q", errs.ErrInvalidIntent, env.Type)
	}
	return env, nil
}

// ValidateIntent checks the minimal plausibility rules before settlement.
func ValidateIntent(in model.PaymentIntent) error {
	if strings.TrimSpace(in.ReceiverID) == "" {
		return fmt.Errorf("%w: empty receiver id", errs.ErrInvalidIntent)
	}
	if in.AmountSatoshis <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", errs.ErrInvalidIntent, in.AmountSatoshis)
	}
	return nil
}

// --- radio framing ---

// EncodeRadio base64-encodes a payload for the radio characteristic.
func EncodeRadio(payload []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
	base64.StdEncoding.Encode(out, payload)
	return out
}

// DecodeRadio reverses EncodeRadio. An empty value decodes to nil.
func DecodeRadio(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(out, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad radio framing: %v", errs.ErrInvalidIntent, err)
	}
	return out[:n], nil
}
