package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/events"
	"github.com/and161185/satlink/internal/model"
)

const (
	defaultScanTimeout    = 30 * time.Second
	defaultConnectRetries = 3
	defaultRetryBackoff   = time.Second
	defaultCacheSize      = 256
)

// Options tunes the Manager. Zero values take the defaults.
type Options struct {
	ScanTimeout    time.Duration // scan auto-stops after this (30s)
	ConnectRetries int           // attempts against the radio before falling back (3)
	RetryBackoff   time.Duration // constant delay between attempts (1s)
	CacheSize      int           // discovered peers kept per scan session
}

func (o *Options) withDefaults() {
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = defaultScanTimeout
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = defaultConnectRetries
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	} else if o.RetryBackoff == 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheSize
	}
}

// Manager owns one active backend and presents a uniform peer API.
// The radio is preferred; the simulated backend takes over on adapter
// faults (pinned for the manager's lifetime) or exhausted connect retries.
type Manager struct {
	log   *zap.Logger
	opts  Options
	radio Backend // nil when no radio is available at all
	sim   Backend
	hub   *events.Hub[Event]

	mu         sync.Mutex
	active     Backend
	pinned     bool
	state      model.ConnectionState
	device     Device
	via        Backend
	inbound    bool // device dialed us; never degraded
	peer       *model.PeerDevice
	scanCancel context.CancelFunc
	scanGen    uint64
	connGen    uint64
	seen       *lru.Cache[string, model.PeerDevice]
	unsub      []func()
	closed     bool
}

// NewManager builds a manager over radio (may be nil) with sim as fallback.
func NewManager(radio, sim Backend, log *zap.Logger, opts Options) (*Manager, error) {
	if sim == nil {
		return nil, errors.New("transport: simulated backend is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts.withDefaults()
	seen, err := lru.New[string, model.PeerDevice](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("discovery cache: %w", err)
	}
	m := &Manager{
		log:    log,
		opts:   opts,
		radio:  radio,
		sim:    sim,
		hub:    events.New[Event](),
		active: sim,
		pinned: true,
		seen:   seen,
	}

	if radio != nil {
		if err := radio.Enable(); err != nil {
			log.Warn("radio unavailable, using simulated transport", zap.Error(err))
		} else {
			m.active, m.pinned = radio, false
		}
	}
	for _, b := range []Backend{radio, sim} {
		if b == nil {
			continue
		}
		ch, cancel := b.Subscribe()
		m.unsub = append(m.unsub, cancel)
		go m.forward(ch)
	}
	return m, nil
}

// Subscribe streams manager events: discoveries, connection edges, inbound payments.
func (m *Manager) Subscribe() (<-chan Event, func()) { return m.hub.Subscribe() }

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode names the active backend.
func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Name()
}

// ConnectedPeer returns the peer of the current connection, if any.
func (m *Manager) ConnectedPeer() (model.PeerDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.Connected || m.peer == nil {
		return model.PeerDevice{}, false
	}
	return *m.peer, true
}

// StartScan begins a scan session; it is a no-op while one is running.
// The session ends on StopScan or after ScanTimeout.
func (m *Manager) StartScan() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("transport: %w: manager closed", errs.ErrTransportUnavailable)
	}
	if m.scanCancel != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ScanTimeout)
	m.scanCancel = cancel
	m.scanGen++
	gen := m.scanGen
	m.seen.Purge()
	if m.state == model.Disconnected {
		m.state = model.Scanning
	}
	backend := m.active
	m.mu.Unlock()

	m.log.Debug("scan started", zap.String("backend", backend.Name()))
	go m.runScan(ctx, gen, backend)
	return nil
}

func (m *Manager) runScan(ctx context.Context, gen uint64, b Backend) {
	found := func(p model.PeerDevice) { m.onDiscovered(gen, p) }
	err := b.Scan(ctx, found)
	if err != nil && !b.Simulated() && errors.Is(err, errs.ErrTransportUnavailable) {
		m.pin(err)
		err = m.sim.Scan(ctx, found)
	}
	if err != nil {
		m.log.Warn("scan failed", zap.String("backend", b.Name()), zap.Error(err))
	}
	m.endScan(gen)
}

func (m *Manager) onDiscovered(gen uint64, p model.PeerDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.scanGen || m.scanCancel == nil {
		return
	}
	if _, ok := m.seen.Get(p.ID); ok {
		// Known peer: refresh signal strength only.
		m.seen.Add(p.ID, p)
		return
	}
	m.seen.Add(p.ID, p)
	m.hub.Publish(Event{Kind: DeviceDiscovered, Peer: &p, Simulated: p.Simulated})
}

func (m *Manager) endScan(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.scanGen || m.scanCancel == nil {
		return
	}
	m.stopScanLocked()
}

// StopScan ends the current scan session. Idempotent.
func (m *Manager) StopScan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanCancel == nil {
		return
	}
	m.stopScanLocked()
}

func (m *Manager) stopScanLocked() {
	m.scanCancel()
	m.scanCancel = nil
	m.scanGen++
	if m.state == model.Scanning {
		m.state = model.Disconnected
	}
	m.hub.Publish(Event{Kind: ScanStopped})
}

// Discovered returns peers seen in the current scan session.
func (m *Manager) Discovered() []model.PeerDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen.Values()
}

// ConnectOption adjusts a single Connect call.
type ConnectOption func(*connectOpts)

type connectOpts struct {
	retries int
}

// WithRetries overrides Options.ConnectRetries for one call. n < 1 is ignored.
func WithRetries(n int) ConnectOption {
	return func(o *connectOpts) {
		if n > 0 {
			o.retries = n
		}
	}
}

// Connect connects to id. Against the radio it retries with constant
// backoff; once retries are exhausted it falls back to the simulated
// backend with the same id. Connecting to the already connected peer
// returns it unchanged.
func (m *Manager) Connect(ctx context.Context, id string, opts ...ConnectOption) (model.PeerDevice, error) {
	co := connectOpts{retries: m.opts.ConnectRetries}
	for _, opt := range opts {
		opt(&co)
	}

	m.mu.Lock()
	switch m.state {
	case model.Connected:
		peer := *m.peer
		m.mu.Unlock()
		if peer.ID == id {
			return peer, nil
		}
		return model.PeerDevice{}, fmt.Errorf("transport: already connected to %s", peer.ID)
	case model.Connecting:
		m.mu.Unlock()
		return model.PeerDevice{}, errors.New("transport: connect already in progress")
	}
	prev := m.state
	m.state = model.Connecting
	m.connGen++
	gen := m.connGen
	backend := m.active
	m.mu.Unlock()

	dev, err := m.connectWithRetry(ctx, backend, id, co.retries)
	if err != nil && !backend.Simulated() && ctx.Err() == nil {
		if errors.Is(err, errs.ErrTransportUnavailable) {
			m.pin(err)
		}
		m.log.Warn("radio connect failed, falling back to simulated",
			zap.String("peer", id),
			zap.Error(err),
		)
		backend = m.sim
		dev, err = m.connectOnce(ctx, backend, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil && gen != m.connGen {
		// Disconnect raced with the dial.
		_ = dev.Disconnect()
		err = errs.ErrCancelled
	}
	if err != nil {
		if m.state == model.Connecting && gen == m.connGen {
			m.state = prev
			if prev == model.Scanning && m.scanCancel == nil {
				m.state = model.Disconnected
			}
		}
		return model.PeerDevice{}, fmt.Errorf("connect %s: %w", id, err)
	}
	peer := dev.Peer()
	m.state = model.Connected
	m.device, m.via, m.peer, m.inbound = dev, backend, &peer, false
	m.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: true, Peer: &peer, Simulated: backend.Simulated()})
	m.log.Info("connected",
		zap.String("peer", peer.ID),
		zap.String("backend", backend.Name()),
	)
	return peer, nil
}

func (m *Manager) connectWithRetry(ctx context.Context, b Backend, id string, retries int) (Device, error) {
	attempt := 0
	op := func() (Device, error) {
		attempt++
		dev, err := b.Device(id)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := dev.Connect(ctx); err != nil {
			if errors.Is(err, errs.ErrTransportUnavailable) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return dev, nil
	}
	notify := func(err error, next time.Duration) {
		m.log.Debug("connect attempt failed",
			zap.String("peer", id),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.opts.RetryBackoff)),
		backoff.WithMaxTries(uint(retries)),
		backoff.WithNotify(notify),
	)
}

func (m *Manager) connectOnce(ctx context.Context, b Backend, id string) (Device, error) {
	dev, err := b.Device(id)
	if err != nil {
		return nil, err
	}
	if err := dev.Connect(ctx); err != nil {
		return nil, err
	}
	return dev, nil
}

// AutoConnect picks the strongest plausible SatLink peer from the current
// scan session and connects to it. It returns nil when none qualifies.
func (m *Manager) AutoConnect(ctx context.Context) (*model.PeerDevice, error) {
	cands := RankCandidates(m.Discovered())
	if len(cands) == 0 {
		return nil, nil
	}
	peer, err := m.Connect(ctx, cands[0].ID)
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

// Plausible reports whether a peer looks like a SatLink device by name.
func Plausible(p model.PeerDevice) bool {
	return strings.HasPrefix(p.DisplayName, AdvertisedPrefix) ||
		strings.Contains(strings.ToLower(p.DisplayName), strings.ToLower(AdvertisedPrefix))
}

// RankCandidates filters plausible peers and orders them by signal strength,
// strongest first; peers with unknown strength go last.
func RankCandidates(peers []model.PeerDevice) []model.PeerDevice {
	out := make([]model.PeerDevice, 0, len(peers))
	for _, p := range peers {
		if Plausible(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, aok := out[i].RSSI()
		b, bok := out[j].RSSI()
		if aok != bok {
			return aok
		}
		return a > b
	})
	return out
}

// Read returns the last value on the connected peer's characteristic.
// A radio failure on a dialed peer is retried once against the simulated backend.
func (m *Manager) Read(ctx context.Context) ([]byte, error) {
	dev, fallback, err := m.current()
	if err != nil {
		return nil, err
	}
	b, err := dev.Read(ctx)
	if err == nil || !fallback || ctx.Err() != nil {
		return b, err
	}
	m.log.Warn("radio read failed, retrying on simulated", zap.Error(err))
	if dev, err = m.degrade(ctx, dev); err != nil {
		return nil, err
	}
	return dev.Read(ctx)
}

// Write stores payload on the connected peer's characteristic. For a peer
// that dialed us it goes to the local characteristic instead.
// A radio failure on a dialed peer is retried once against the simulated backend.
func (m *Manager) Write(ctx context.Context, payload []byte) error {
	dev, fallback, err := m.current()
	if err != nil {
		return err
	}
	err = dev.Write(ctx, payload)
	if err == nil || !fallback || ctx.Err() != nil {
		return err
	}
	m.log.Warn("radio write failed, retrying on simulated", zap.Error(err))
	if dev, err = m.degrade(ctx, dev); err != nil {
		return err
	}
	return dev.Write(ctx, payload)
}

// current returns the connected device and whether a failure on it may
// fall back to the simulated backend.
func (m *Manager) current() (Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.Connected || m.device == nil {
		return nil, false, errs.ErrNotConnected
	}
	return m.device, !m.via.Simulated() && !m.inbound, nil
}

// degrade swaps the connected radio device for a simulated one with the same peer id.
func (m *Manager) degrade(ctx context.Context, old Device) (Device, error) {
	dev, err := m.connectOnce(ctx, m.sim, old.Peer().ID)
	if err != nil {
		return nil, fmt.Errorf("simulated fallback: %w", err)
	}
	m.mu.Lock()
	if m.device != old {
		m.mu.Unlock()
		_ = dev.Disconnect()
		return nil, errs.ErrNotConnected
	}
	m.device, m.via = dev, m.sim
	m.mu.Unlock()

	if err := old.Disconnect(); err != nil {
		m.log.Debug("radio disconnect after degrade", zap.Error(err))
	}
	return dev, nil
}

// Disconnect tears down the current connection. It never fails and is
// idempotent; the Connected(false) event fires only on an actual edge.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	dev := m.device
	peer := m.peer
	wasConnected := m.state == model.Connected
	m.connGen++
	m.device, m.via, m.peer, m.inbound = nil, nil, nil, false
	m.state = model.Disconnected
	if wasConnected {
		m.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: false, Peer: peer})
	}
	m.mu.Unlock()

	if dev == nil {
		return
	}
	if err := dev.Disconnect(); err != nil {
		m.log.Warn("disconnect", zap.String("peer", dev.Peer().ID), zap.Error(err))
	}
}

// SetupAsReceiver arms the active backend for an inbound transfer.
func (m *Manager) SetupAsReceiver(selfID, selfName string) error {
	m.mu.Lock()
	b := m.active
	m.mu.Unlock()

	err := b.SetupAsReceiver(selfID, selfName)
	if err != nil && !b.Simulated() {
		m.pin(err)
		return m.sim.SetupAsReceiver(selfID, selfName)
	}
	return err
}

func (m *Manager) pin(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinned {
		return
	}
	m.pinned = true
	m.active = m.sim
	m.log.Warn("radio fault, pinned to simulated transport", zap.Error(cause))
}

// forward republishes backend events, keeping connection state consistent.
func (m *Manager) forward(ch <-chan Event) {
	for ev := range ch {
		m.onBackendEvent(ev)
	}
}

func (m *Manager) onBackendEvent(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	switch ev.Kind {
	case ConnectionStatusChanged:
		if ev.Connected {
			m.acceptInboundLocked(ev)
			return
		}
		if m.state != model.Connected {
			return
		}
		if ev.Peer != nil && m.peer != nil && ev.Peer.ID != m.peer.ID {
			return
		}
		peer := m.peer
		m.device, m.via, m.peer, m.inbound = nil, nil, nil, false
		m.state = model.Disconnected
		m.log.Info("peer disconnected", zap.Bool("simulated", ev.Simulated))
		m.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: false, Peer: peer, Simulated: ev.Simulated})
	case PaymentReceived:
		m.acceptInboundLocked(ev)
		m.hub.Publish(ev)
	}
}

// acceptInboundLocked records a peer that connected to us. Writes then
// answer on the originating backend's local characteristic.
func (m *Manager) acceptInboundLocked(ev Event) {
	if ev.Peer == nil || m.state == model.Connected || m.state == model.Connecting {
		return
	}
	b := m.sim
	if !ev.Simulated && m.radio != nil {
		b = m.radio
	}
	peer := *ev.Peer
	m.state = model.Connected
	m.device, m.via, m.peer, m.inbound = b.Inbound(peer), b, &peer, true
	m.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: true, Peer: &peer, Simulated: ev.Simulated})
}

// Close stops scanning, disconnects and releases both backends.
func (m *Manager) Close() error {
	m.StopScan()
	m.Disconnect()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()

	for _, cancel := range unsub {
		cancel()
	}
	var errsOut []error
	for _, b := range []Backend{m.radio, m.sim} {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			errsOut = append(errsOut, fmt.Errorf("close %s: %w", b.Name(), err))
		}
	}
	m.hub.Close()
	return errors.Join(errsOut...)
}
