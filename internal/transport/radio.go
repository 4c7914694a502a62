package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/and161185/satlink/internal/convert"
	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/events"
	"github.com/and161185/satlink/internal/model"
)

// radioAdapter is the subset of *bluetooth.Adapter used by Radio.
type radioAdapter interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
	AddService(service *bluetooth.Service) error
	DefaultAdvertisement() *bluetooth.Advertisement
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
}

// radioLink is a dialed peer's SatLink characteristic plus its connection.
type radioLink interface {
	Read(p []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
	Disconnect() error
}

// gattLink binds a discovered characteristic to the device it belongs to.
type gattLink struct {
	dev  bluetooth.Device
	char bluetooth.DeviceCharacteristic
}

func (l gattLink) Read(p []byte) (int, error)                 { return l.char.Read(p) }
func (l gattLink) WriteWithoutResponse(p []byte) (int, error) { return l.char.WriteWithoutResponse(p) }
func (l gattLink) Disconnect() error                          { return l.dev.Disconnect() }

// Radio is the BLE backend over the platform adapter.
type Radio struct {
	adapter     radioAdapter
	log         *zap.Logger
	hub         *events.Hub[Event]
	serviceUUID bluetooth.UUID
	charUUID    bluetooth.UUID

	enableOnce sync.Once
	enableErr  error

	dial   func(ctx context.Context, addr bluetooth.Address) (radioLink, error)
	notify func(value []byte) (int, error) // writes the local characteristic

	mu       sync.Mutex
	addrs    map[string]bluetooth.Address
	known    map[string]model.PeerDevice
	dialed   map[string]bool
	receiver bool
	inbound  *model.PeerDevice
	received []byte // last decoded inbound write
	local    bluetooth.Characteristic
}

// NewRadio wraps the default system adapter.
func NewRadio(log *zap.Logger) (*Radio, error) {
	return newRadio(bluetooth.DefaultAdapter, log)
}

func newRadio(a radioAdapter, log *zap.Logger) (*Radio, error) {
	if log == nil {
		log = zap.NewNop()
	}
	svc, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("parse service uuid: %w", err)
	}
	chr, err := bluetooth.ParseUUID(CharacteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("parse characteristic uuid: %w", err)
	}
	r := &Radio{
		adapter:     a,
		log:         log,
		hub:         events.New[Event](),
		serviceUUID: svc,
		charUUID:    chr,
		addrs:       make(map[string]bluetooth.Address),
		known:       make(map[string]model.PeerDevice),
		dialed:      make(map[string]bool),
	}
	r.dial = r.dialGATT
	r.notify = r.local.Write
	a.SetConnectHandler(r.onConnectChange)
	return r, nil
}

var _ Backend = (*Radio)(nil)

func (r *Radio) Name() string    { return "radio" }
func (r *Radio) Simulated() bool { return false }

// Enable powers up the adapter once; a failure is an adapter-level fault.
func (r *Radio) Enable() error {
	r.enableOnce.Do(func() {
		if err := r.adapter.Enable(); err != nil {
			r.enableErr = fmt.Errorf("%w: enable adapter: %v", errs.ErrTransportUnavailable, err)
		}
	})
	return r.enableErr
}

// Scan runs an adapter scan until ctx is done.
func (r *Radio) Scan(ctx context.Context, found func(model.PeerDevice)) error {
	if err := r.Enable(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- r.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			found(r.remember(res))
		})
	}()

	select {
	case <-ctx.Done():
		if err := r.adapter.StopScan(); err != nil {
			r.log.Warn("stop scan", zap.Error(err))
		}
		<-done
		return nil
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: scan: %v", errs.ErrTransportUnavailable, err)
		}
		return nil
	}
}

func (r *Radio) remember(res bluetooth.ScanResult) model.PeerDevice {
	id := res.Address.String()
	name := ""
	if res.AdvertisementPayload != nil {
		name = res.LocalName()
	}
	p := model.PeerDevice{ID: id, DisplayName: name, SignalStrength: model.Signal(int(res.RSSI))}

	r.mu.Lock()
	r.addrs[id] = res.Address
	r.known[id] = p
	r.mu.Unlock()
	return p
}

// Device returns a handle for a peer seen by a previous scan.
func (r *Radio) Device(id string) (Device, error) {
	r.mu.Lock()
	addr, ok := r.addrs[id]
	p := r.known[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("radio: %w: %s", errs.ErrUnknownDevice, id)
	}
	return &radioDevice{radio: r, peer: p, addr: addr}, nil
}

// Inbound returns the handle of a central connected to our characteristic.
func (r *Radio) Inbound(peer model.PeerDevice) Device {
	return &radioInbound{radio: r, peer: peer}
}

// SetupAsReceiver publishes the SatLink characteristic and starts advertising.
func (r *Radio) SetupAsReceiver(selfID, selfName string) error {
	if err := r.Enable(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receiver {
		return nil
	}

	err := r.adapter.AddService(&bluetooth.Service{
		UUID: r.serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{{
			Handle: &r.local,
			UUID:   r.charUUID,
			Flags: bluetooth.CharacteristicReadPermission |
				bluetooth.CharacteristicWritePermission |
				bluetooth.CharacteristicWriteWithoutResponsePermission,
			WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
				r.onInboundWrite(value)
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: add service: %v", errs.ErrTransportUnavailable, err)
	}

	adv := r.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    AdvertisedPrefix + "-" + selfName,
		ServiceUUIDs: []bluetooth.UUID{r.serviceUUID},
	}); err != nil {
		return fmt.Errorf("%w: configure advertisement: %v", errs.ErrTransportUnavailable, err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("%w: start advertisement: %v", errs.ErrTransportUnavailable, err)
	}
	r.receiver = true
	r.log.Info("radio receiver advertising", zap.String("self", selfID), zap.String("name", selfName))
	return nil
}

func (r *Radio) onInboundWrite(value []byte) {
	payload, err := convert.DecodeRadio(value)
	if err != nil {
		r.log.Warn("inbound write rejected", zap.Error(err))
		return
	}
	r.mu.Lock()
	peer := r.inbound
	r.received = payload
	r.mu.Unlock()
	r.hub.Publish(Event{Kind: PaymentReceived, Peer: peer, Payload: payload})
}

// onConnectChange reports inbound centrals in receiver mode and drops of dialed peers.
func (r *Radio) onConnectChange(dev bluetooth.Device, connected bool) {
	id := dev.Address.String()

	r.mu.Lock()
	dialed := r.dialed[id]
	receiver := r.receiver
	p, ok := r.known[id]
	if !ok {
		p = model.PeerDevice{ID: id}
	}
	if !dialed && receiver {
		if connected {
			r.inbound = &p
		} else {
			r.inbound = nil
		}
	}
	if dialed && !connected {
		delete(r.dialed, id)
	}
	r.mu.Unlock()

	switch {
	case dialed && !connected:
		r.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: false, Peer: &p})
	case !dialed && receiver:
		r.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: connected, Peer: &p})
	}
}

func (r *Radio) Subscribe() (<-chan Event, func()) { return r.hub.Subscribe() }

func (r *Radio) Close() error {
	r.mu.Lock()
	receiver := r.receiver
	r.receiver = false
	r.mu.Unlock()
	if receiver {
		if err := r.adapter.DefaultAdvertisement().Stop(); err != nil {
			r.log.Warn("stop advertisement", zap.Error(err))
		}
	}
	r.hub.Close()
	return nil
}

// radioDevice is a remote peripheral exposing the SatLink characteristic.
type radioDevice struct {
	radio *Radio
	peer  model.PeerDevice
	addr  bluetooth.Address

	mu   sync.Mutex
	link radioLink
}

func (d *radioDevice) Peer() model.PeerDevice { return d.peer }

// Connect dials the peer and resolves the SatLink characteristic.
func (d *radioDevice) Connect(ctx context.Context) error {
	if err := d.radio.Enable(); err != nil {
		return err
	}
	link, err := d.radio.dial(ctx, d.addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", d.peer.ID, err)
	}

	d.mu.Lock()
	d.link = link
	d.mu.Unlock()

	d.radio.mu.Lock()
	d.radio.dialed[d.peer.ID] = true
	d.radio.mu.Unlock()
	return nil
}

func (r *Radio) dialGATT(ctx context.Context, addr bluetooth.Address) (radioLink, error) {
	dev, err := await(ctx, func() (bluetooth.Device, error) {
		return r.adapter.Connect(addr, bluetooth.ConnectionParams{})
	})
	if err != nil {
		return nil, err
	}

	char, err := await(ctx, func() (bluetooth.DeviceCharacteristic, error) {
		svcs, err := dev.DiscoverServices([]bluetooth.UUID{r.serviceUUID})
		if err != nil {
			return bluetooth.DeviceCharacteristic{}, err
		}
		if len(svcs) == 0 {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("service %s not found", ServiceUUID)
		}
		chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{r.charUUID})
		if err != nil {
			return bluetooth.DeviceCharacteristic{}, err
		}
		if len(chars) == 0 {
			return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not found", CharacteristicUUID)
		}
		return chars[0], nil
	})
	if err != nil {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("discover: %w", err)
	}
	return gattLink{dev: dev, char: char}, nil
}

func (d *radioDevice) Read(ctx context.Context) ([]byte, error) {
	link, err := d.current()
	if err != nil {
		return nil, err
	}
	raw, err := await(ctx, func() ([]byte, error) {
		buf := make([]byte, 2*convert.MaxPayload)
		n, err := link.Read(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.peer.ID, err)
	}
	return convert.DecodeRadio(raw)
}

func (d *radioDevice) Write(ctx context.Context, payload []byte) error {
	link, err := d.current()
	if err != nil {
		return err
	}
	_, err = await(ctx, func() (int, error) {
		return link.WriteWithoutResponse(convert.EncodeRadio(payload))
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", d.peer.ID, err)
	}
	return nil
}

func (d *radioDevice) Disconnect() error {
	d.mu.Lock()
	link := d.link
	d.link = nil
	d.mu.Unlock()

	d.radio.mu.Lock()
	delete(d.radio.dialed, d.peer.ID)
	d.radio.mu.Unlock()

	if link == nil {
		return nil
	}
	return link.Disconnect()
}

func (d *radioDevice) current() (radioLink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link == nil {
		return nil, errs.ErrNotConnected
	}
	return d.link, nil
}

// radioInbound is a central that dialed our advertised characteristic.
// The connection belongs to the central, so Disconnect only forgets it.
type radioInbound struct {
	radio *Radio
	peer  model.PeerDevice
}

func (d *radioInbound) Peer() model.PeerDevice        { return d.peer }
func (d *radioInbound) Connect(context.Context) error { return nil }
func (d *radioInbound) Disconnect() error             { return nil }

// Read returns the last value the central wrote.
func (d *radioInbound) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.radio.mu.Lock()
	defer d.radio.mu.Unlock()
	if d.radio.received == nil {
		return nil, nil
	}
	return append([]byte(nil), d.radio.received...), nil
}

// Write stores payload on the local characteristic for the central to read.
func (d *radioInbound) Write(ctx context.Context, payload []byte) error {
	_, err := await(ctx, func() (int, error) {
		return d.radio.notify(convert.EncodeRadio(payload))
	})
	if err != nil {
		return fmt.Errorf("answer %s: %w", d.peer.ID, err)
	}
	return nil
}

// await runs a blocking adapter call and returns early when ctx ends.
// The call itself keeps running; its result is discarded.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type out struct {
		v   T
		err error
	}
	ch := make(chan out, 1)
	go func() {
		v, err := fn()
		ch <- out{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case o := <-ch:
		return o.v, o.err
	}
}
