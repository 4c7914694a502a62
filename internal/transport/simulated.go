package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	u "github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/satlink/internal/convert"
	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/events"
	"github.com/and161185/satlink/internal/model"
)

const (
	defaultDiscoveryInterval   = time.Second
	defaultReceiveDelay        = 5 * time.Second
	defaultAutoDisconnectDelay = 10 * time.Second
	defaultInboundAmountSat    = 21000
	defaultAckDelay            = 100 * time.Millisecond
)

// DefaultSimDestination is the node pubkey simulated peers answer intents with.
const DefaultSimDestination = "025a1d4f0c9e3b7a26d8c1f4e07b9a3d5c2e8f6a1b4d7c0e3f9a2b5c8d1e4f7a0b"

// SimConfig tunes the simulated backend. Zero values take the defaults.
type SimConfig struct {
	DiscoveryInterval   time.Duration      // one candidate per interval (1s)
	ReceiveDelay        time.Duration      // inbound payment after SetupAsReceiver (5s)
	AutoDisconnectDelay time.Duration      // disconnect after the inbound payment (10s)
	InboundAmountSat    int64              // amount of the synthetic inbound payment
	Roster              []model.PeerDevice // discovered peers, in order
	Destination         string             // payment destination a dialed peer acks with
	AckDelay            time.Duration      // dialed peer answers a written intent after this (100ms)
}

// DefaultRoster is the fixed candidate list used when SimConfig.Roster is empty.
func DefaultRoster() []model.PeerDevice {
	return []model.PeerDevice{
		{ID: "sim-7f3a", DisplayName: "SatLink-Alice", SignalStrength: model.Signal(-48), Simulated: true},
		{ID: "sim-1c92", DisplayName: "Headphones", SignalStrength: model.Signal(-40), Simulated: true},
		{ID: "sim-b410", DisplayName: "SatLink-Bob", SignalStrength: model.Signal(-63), Simulated: true},
	}
}

// Simulated is a deterministic in-memory backend for environments without radio access.
// The single-slot mailbox models one GATT characteristic: last write wins,
// read returns the last stored value or nil.
type Simulated struct {
	cfg SimConfig
	log *zap.Logger
	hub *events.Hub[Event]

	mu      sync.Mutex
	mailbox []byte
	known   map[string]model.PeerDevice
	selfID  string
	selfNm  string
	timers  []*time.Timer
	closed  bool
}

// NewSimulated creates a simulated backend.
func NewSimulated(cfg SimConfig, log *zap.Logger) *Simulated {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = defaultDiscoveryInterval
	}
	if cfg.ReceiveDelay <= 0 {
		cfg.ReceiveDelay = defaultReceiveDelay
	}
	if cfg.AutoDisconnectDelay <= 0 {
		cfg.AutoDisconnectDelay = defaultAutoDisconnectDelay
	}
	if cfg.InboundAmountSat <= 0 {
		cfg.InboundAmountSat = defaultInboundAmountSat
	}
	if len(cfg.Roster) == 0 {
		cfg.Roster = DefaultRoster()
	}
	if cfg.Destination == "" {
		cfg.Destination = DefaultSimDestination
	}
	if cfg.AckDelay <= 0 {
		cfg.AckDelay = defaultAckDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Simulated{
		cfg:   cfg,
		log:   log,
		hub:   events.New[Event](),
		known: make(map[string]model.PeerDevice),
	}
}

var _ Backend = (*Simulated)(nil)

func (s *Simulated) Name() string    { return "simulated" }
func (s *Simulated) Simulated() bool { return true }
func (s *Simulated) Enable() error   { return nil }

// Scan emits one roster entry per DiscoveryInterval, then idles until ctx is done.
func (s *Simulated) Scan(ctx context.Context, found func(model.PeerDevice)) error {
	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for _, p := range s.cfg.Roster {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		p.Simulated = true
		s.mu.Lock()
		s.known[p.ID] = p
		s.mu.Unlock()
		found(p)
	}
	<-ctx.Done()
	return nil
}

// Device returns a handle for id, synthesizing a peer if it was never discovered.
func (s *Simulated) Device(id string) (Device, error) {
	if id == "" {
		return nil, fmt.Errorf("simulated: %w: empty id", errs.ErrUnknownDevice)
	}
	s.mu.Lock()
	p, ok := s.known[id]
	if !ok {
		p = model.PeerDevice{ID: id, DisplayName: AdvertisedPrefix + "-Sim", Simulated: true}
		s.known[id] = p
	}
	s.mu.Unlock()
	return &simDevice{sim: s, peer: p, dialed: true}, nil
}

// Inbound returns a connected handle on the shared mailbox for a sender that dialed us.
func (s *Simulated) Inbound(peer model.PeerDevice) Device {
	return &simDevice{sim: s, peer: peer, connected: true}
}

// Value returns the current mailbox contents.
func (s *Simulated) Value() []byte { return s.load() }

// SetupAsReceiver stores the identity and schedules one synthetic inbound
// transfer: connect + payment after ReceiveDelay, disconnect AutoDisconnectDelay later.
// A repeated call replaces any pending flow.
func (s *Simulated) SetupAsReceiver(selfID, selfName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("simulated: %w: closed", errs.ErrTransportUnavailable)
	}
	s.selfID, s.selfNm = selfID, selfName
	s.stopTimersLocked()

	sender := model.PeerDevice{
		ID:             "sim-sender-" + u.Must(u.NewV4()).String()[:8],
		DisplayName:    AdvertisedPrefix + "-Sender",
		SignalStrength: model.Signal(-55),
		Simulated:      true,
	}
	s.timers = append(s.timers,
		time.AfterFunc(s.cfg.ReceiveDelay, func() { s.deliverInbound(sender) }),
		time.AfterFunc(s.cfg.ReceiveDelay+s.cfg.AutoDisconnectDelay, func() {
			s.log.Debug("simulated auto-disconnect", zap.String("peer", sender.ID))
			s.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: false, Peer: &sender, Simulated: true})
		}),
	)
	s.log.Info("simulated receiver armed",
		zap.String("self", selfID),
		zap.Duration("payment_in", s.cfg.ReceiveDelay),
	)
	return nil
}

func (s *Simulated) deliverInbound(sender model.PeerDevice) {
	s.mu.Lock()
	selfID, selfName := s.selfID, s.selfNm
	s.mu.Unlock()

	now := time.Now().UTC()
	intent := model.PaymentIntent{
		ID:                  u.Must(u.NewV4()),
		SenderID:            sender.ID,
		ReceiverID:          selfID,
		ReceiverDisplayName: selfName,
		AmountSatoshis:      s.cfg.InboundAmountSat,
		Note:                "simulated payment",
		CreatedAt:           now,
	}
	res := model.PaymentResult{
		Success:        true,
		AmountSatoshis: s.cfg.InboundAmountSat,
		Counterparty:   sender.ID,
		SettledAt:      now,
	}
	payload, err := convert.EncodeResult(res, &intent)
	if err != nil {
		s.log.Error("simulated inbound encode", zap.Error(err))
		return
	}
	s.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: true, Peer: &sender, Simulated: true})
	s.hub.Publish(Event{Kind: PaymentReceived, Peer: &sender, Payload: payload, Simulated: true})
}

func (s *Simulated) Subscribe() (<-chan Event, func()) { return s.hub.Subscribe() }

// Close cancels pending receiver timers and closes subscriptions.
func (s *Simulated) Close() error {
	s.mu.Lock()
	s.closed = true
	s.stopTimersLocked()
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

func (s *Simulated) stopTimersLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *Simulated) store(p []byte) {
	s.mu.Lock()
	s.mailbox = append([]byte(nil), p...)
	s.mu.Unlock()
}

// answer models the dialed peer: after AckDelay it replaces the written
// intent with an ack carrying Destination, unless something overwrote it.
func (s *Simulated) answer(intent model.PaymentIntent, written []byte) {
	ack, err := convert.EncodeAck(intent, s.cfg.Destination)
	if err != nil {
		s.log.Error("simulated ack encode", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers = append(s.timers, time.AfterFunc(s.cfg.AckDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !bytes.Equal(s.mailbox, written) {
			return
		}
		s.mailbox = ack
		s.log.Debug("simulated peer acked intent", zap.String("intent", intent.ID.String()))
	}))
}

func (s *Simulated) load() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mailbox == nil {
		return nil
	}
	return append([]byte(nil), s.mailbox...)
}

// simDevice is a peer handle on the simulated backend.
type simDevice struct {
	sim    *Simulated
	peer   model.PeerDevice
	dialed bool

	mu        sync.Mutex
	connected bool
}

func (d *simDevice) Peer() model.PeerDevice { return d.peer }

func (d *simDevice) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *simDevice) Read(ctx context.Context) ([]byte, error) {
	if err := d.ready(ctx); err != nil {
		return nil, err
	}
	return d.sim.load(), nil
}

func (d *simDevice) Write(ctx context.Context, payload []byte) error {
	if err := d.ready(ctx); err != nil {
		return err
	}
	d.sim.store(payload)
	if !d.dialed {
		return nil
	}
	if env, err := convert.Decode(payload); err == nil && env.Type == convert.TypeIntent {
		d.sim.answer(*env.Intent, append([]byte(nil), payload...))
	}
	return nil
}

func (d *simDevice) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

func (d *simDevice) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return errs.ErrNotConnected
	}
	return nil
}
