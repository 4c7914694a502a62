// Package transport defines the proximity peer interface and provides
// implementations for production (BLE radio) and testing/demo (simulated),
// plus the Manager facade used by transfer sessions.
package transport

import (
	"context"

	"github.com/and161185/satlink/internal/model"
)

// GATT identifiers of the single SatLink read/write slot.
const (
	ServiceUUID        = "7a1f0001-5a71-4c1b-9b5e-2f3c8d1e0a01"
	CharacteristicUUID = "7a1f0002-5a71-4c1b-9b5e-2f3c8d1e0a01"

	// AdvertisedPrefix starts the local name of every device running SatLink.
	AdvertisedPrefix = "SatLink"
)

// EventKind enumerates transport events.
type EventKind int

const (
	DeviceDiscovered EventKind = iota + 1
	ConnectionStatusChanged
	PaymentReceived
	ScanStopped
)

func (k EventKind) String() string {
	switch k {
	case DeviceDiscovered:
		return "device_discovered"
	case ConnectionStatusChanged:
		return "connection_status_changed"
	case PaymentReceived:
		return "payment_received"
	case ScanStopped:
		return "scan_stopped"
	default:
		return "unknown"
	}
}

// Event is published by backends and republished uniformly by the Manager.
type Event struct {
	Kind      EventKind
	Peer      *model.PeerDevice // discovered/connected peer; nil on disconnect
	Connected bool              // ConnectionStatusChanged only
	Payload   []byte            // PaymentReceived only: decoded envelope bytes
	Simulated bool              // origin backend
}

// Device is a peer reachable through a backend. Connect performs the
// connect + capability discovery handshake; Read/Write operate on the
// SatLink characteristic and deal in decoded envelope bytes.
type Device interface {
	Peer() model.PeerDevice
	Connect(ctx context.Context) error
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Disconnect() error
}

// Backend is one transport implementation (radio or simulated).
type Backend interface {
	// Name identifies the backend in logs ("radio", "simulated").
	Name() string
	// Simulated reports whether this is the simulated fallback.
	Simulated() bool
	// Enable powers up the adapter. Errors wrap errs.ErrTransportUnavailable.
	Enable() error
	// Scan reports discovered peers through found until ctx is done.
	Scan(ctx context.Context, found func(model.PeerDevice)) error
	// Device returns an unconnected handle for id.
	Device(id string) (Device, error)
	// Inbound returns the already connected handle of a peer that dialed us.
	// Its Write answers on the local characteristic.
	Inbound(peer model.PeerDevice) Device
	// SetupAsReceiver records the local identity and prepares to accept an inbound transfer.
	SetupAsReceiver(selfID, selfName string) error
	// Subscribe streams backend-originated events (inbound payments, peer disconnects).
	Subscribe() (<-chan Event, func())
	// Close releases timers and adapter resources.
	Close() error
}
