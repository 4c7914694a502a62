package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/events"
	"github.com/and161185/satlink/internal/model"
)

// fakeRadio is a scriptable non-simulated backend.
type fakeRadio struct {
	enableErr  error
	connectErr error
	readErr    error
	writeErr   error
	scanErr    error
	scan       []model.PeerDevice

	attempts atomic.Int32
	hub      *events.Hub[Event]

	mu       sync.Mutex
	receiver bool
	answered [][]byte
}

func newFakeRadio() *fakeRadio { return &fakeRadio{hub: events.New[Event]()} }

var _ Backend = (*fakeRadio)(nil)

func (f *fakeRadio) Name() string    { return "radio" }
func (f *fakeRadio) Simulated() bool { return false }
func (f *fakeRadio) Enable() error   { return f.enableErr }

func (f *fakeRadio) Scan(ctx context.Context, found func(model.PeerDevice)) error {
	if f.scanErr != nil {
		return f.scanErr
	}
	for _, p := range f.scan {
		found(p)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeRadio) Device(id string) (Device, error) {
	return &fakeDevice{radio: f, peer: model.PeerDevice{ID: id, DisplayName: "SatLink-Radio"}}, nil
}

func (f *fakeRadio) Inbound(peer model.PeerDevice) Device {
	return &fakeInbound{radio: f, peer: peer}
}

func (f *fakeRadio) SetupAsReceiver(string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enableErr != nil {
		return f.enableErr
	}
	f.receiver = true
	return nil
}

func (f *fakeRadio) Subscribe() (<-chan Event, func()) { return f.hub.Subscribe() }
func (f *fakeRadio) Close() error                      { f.hub.Close(); return nil }

type fakeDevice struct {
	radio *fakeRadio
	peer  model.PeerDevice
}

func (d *fakeDevice) Peer() model.PeerDevice { return d.peer }
func (d *fakeDevice) Connect(context.Context) error {
	d.radio.attempts.Add(1)
	return d.radio.connectErr
}
func (d *fakeDevice) Read(context.Context) ([]byte, error) {
	if d.radio.readErr != nil {
		return nil, d.radio.readErr
	}
	return []byte("radio"), nil
}
func (d *fakeDevice) Write(context.Context, []byte) error { return d.radio.writeErr }
func (d *fakeDevice) Disconnect() error                   { return errors.New("already gone") }

// fakeInbound records answers written to the local characteristic.
type fakeInbound struct {
	radio *fakeRadio
	peer  model.PeerDevice
}

func (d *fakeInbound) Peer() model.PeerDevice               { return d.peer }
func (d *fakeInbound) Connect(context.Context) error        { return nil }
func (d *fakeInbound) Read(context.Context) ([]byte, error) { return nil, d.radio.readErr }
func (d *fakeInbound) Disconnect() error                    { return nil }
func (d *fakeInbound) Write(_ context.Context, b []byte) error {
	if d.radio.writeErr != nil {
		return d.radio.writeErr
	}
	d.radio.mu.Lock()
	defer d.radio.mu.Unlock()
	d.radio.answered = append(d.radio.answered, b)
	return nil
}

func fastOpts() Options {
	return Options{RetryBackoff: time.Millisecond, ScanTimeout: time.Minute}
}

func newTestManager(t *testing.T, radio Backend, sim *Simulated) *Manager {
	t.Helper()
	if sim == nil {
		sim = NewSimulated(SimConfig{DiscoveryInterval: time.Millisecond}, nil)
	}
	m, err := NewManager(radio, sim, nil, fastOpts())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_FallsBackAfterThreeFailures(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	radio.connectErr = errors.New("le-connection-abort-by-local")
	m := newTestManager(t, radio, nil)

	ch, cancel := m.Subscribe()
	defer cancel()

	peer, err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Equal(t, int32(3), radio.attempts.Load())
	require.True(t, peer.Simulated)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", peer.ID)
	require.Equal(t, model.Connected, m.State())
	require.Equal(t, "radio", m.Mode(), "transient failures must not pin")

	ev := nextEvent(t, ch)
	require.Equal(t, ConnectionStatusChanged, ev.Kind)
	require.True(t, ev.Connected)
	noEvent(t, ch, 20*time.Millisecond)
}

func TestManager_ConnectRetriesOverride(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	radio.connectErr = errors.New("le-connection-abort-by-local")
	m := newTestManager(t, radio, nil)

	peer, err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", WithRetries(1))
	require.NoError(t, err)
	require.Equal(t, int32(1), radio.attempts.Load())
	require.True(t, peer.Simulated)
	m.Disconnect()

	// Non-positive overrides keep the configured count.
	_, err = m.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", WithRetries(0))
	require.NoError(t, err)
	require.Equal(t, int32(4), radio.attempts.Load())
}

func TestManager_AdapterFaultPinsSimulated(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	radio.enableErr = errs.ErrTransportUnavailable
	m := newTestManager(t, radio, nil)
	require.Equal(t, "simulated", m.Mode())

	peer, err := m.Connect(context.Background(), "sim-7f3a")
	require.NoError(t, err)
	require.True(t, peer.Simulated)
	require.Zero(t, radio.attempts.Load())
}

func TestManager_PermanentConnectFaultPins(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	radio.connectErr = errs.ErrTransportUnavailable
	m := newTestManager(t, radio, nil)

	_, err := m.Connect(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, int32(1), radio.attempts.Load())
	require.Equal(t, "simulated", m.Mode())
}

func TestManager_ConnectIsIdempotentForSamePeer(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	a, err := m.Connect(ctx, "peer-1")
	require.NoError(t, err)
	b, err := m.Connect(ctx, "peer-1")
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	_, err = m.Connect(ctx, "peer-2")
	require.Error(t, err)
}

func TestManager_DisconnectTwiceIsNoop(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil, nil)
	_, err := m.Connect(context.Background(), "peer-1")
	require.NoError(t, err)

	ch, cancel := m.Subscribe()
	defer cancel()

	m.Disconnect()
	m.Disconnect()

	ev := nextEvent(t, ch)
	require.Equal(t, ConnectionStatusChanged, ev.Kind)
	require.False(t, ev.Connected)
	noEvent(t, ch, 30*time.Millisecond)
	require.Equal(t, model.Disconnected, m.State())
}

func TestManager_DisconnectSwallowsBackendError(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newFakeRadio(), nil)
	_, err := m.Connect(context.Background(), "r-1")
	require.NoError(t, err)

	// fakeDevice.Disconnect always fails.
	m.Disconnect()
	require.Equal(t, model.Disconnected, m.State())
}

func TestManager_ReadWriteRequireConnection(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil, nil)
	_, err := m.Read(context.Background())
	require.ErrorIs(t, err, errs.ErrNotConnected)
	require.ErrorIs(t, m.Write(context.Background(), []byte("x")), errs.ErrNotConnected)
}

func TestManager_ReadWriteDegradeToSimulated(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	radio.writeErr = errors.New("gatt write failed")
	radio.readErr = errors.New("gatt read failed")
	m := newTestManager(t, radio, nil)
	ctx := context.Background()

	_, err := m.Connect(ctx, "r-1")
	require.NoError(t, err)

	require.NoError(t, m.Write(ctx, []byte("hello")))
	got, err := m.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	peer, ok := m.ConnectedPeer()
	require.True(t, ok)
	require.Equal(t, "r-1", peer.ID)
}

func TestManager_ScanDeduplicatesAndAutoConnects(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	radio.scan = []model.PeerDevice{
		{ID: "a", DisplayName: "SatLink-Weak", SignalStrength: model.Signal(-80)},
		{ID: "b", DisplayName: "Headphones", SignalStrength: model.Signal(-30)},
		{ID: "a", DisplayName: "SatLink-Weak", SignalStrength: model.Signal(-79)},
		{ID: "c", DisplayName: "my satlink phone", SignalStrength: model.Signal(-50)},
		{ID: "d", DisplayName: "SatLink-NoRSSI"},
	}
	m := newTestManager(t, radio, nil)

	ch, cancel := m.Subscribe()
	defer cancel()
	require.NoError(t, m.StartScan())
	require.NoError(t, m.StartScan())
	require.Equal(t, model.Scanning, m.State())

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		ev := nextEvent(t, ch)
		require.Equal(t, DeviceDiscovered, ev.Kind)
		require.False(t, seen[ev.Peer.ID], "duplicate discovery of %s", ev.Peer.ID)
		seen[ev.Peer.ID] = true
	}
	require.Len(t, m.Discovered(), 4)

	peer, err := m.AutoConnect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, peer)
	require.Equal(t, "c", peer.ID)

	m.StopScan()
	m.StopScan()
}

func TestManager_AutoConnectWithoutCandidates(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil, nil)
	peer, err := m.AutoConnect(context.Background())
	require.NoError(t, err)
	require.Nil(t, peer)
	require.Equal(t, model.Disconnected, m.State())
}

func TestManager_ScanTimesOut(t *testing.T) {
	t.Parallel()

	sim := NewSimulated(SimConfig{DiscoveryInterval: time.Hour}, nil)
	m, err := NewManager(nil, sim, nil, Options{ScanTimeout: 30 * time.Millisecond})
	require.NoError(t, err)
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()
	require.NoError(t, m.StartScan())

	ev := nextEvent(t, ch)
	require.Equal(t, ScanStopped, ev.Kind)
	require.Equal(t, model.Disconnected, m.State())
}

func TestManager_ScanFaultFallsBackToSimulated(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	radio.scanErr = errs.ErrTransportUnavailable
	m := newTestManager(t, radio, nil)

	ch, cancel := m.Subscribe()
	defer cancel()
	require.NoError(t, m.StartScan())

	ev := nextEvent(t, ch)
	require.Equal(t, DeviceDiscovered, ev.Kind)
	require.True(t, ev.Peer.Simulated)
	require.Equal(t, "simulated", m.Mode())
}

func TestManager_PeerLossClearsState(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	m := newTestManager(t, radio, nil)
	peer, err := m.Connect(context.Background(), "r-1")
	require.NoError(t, err)

	ch, cancel := m.Subscribe()
	defer cancel()

	radio.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: false, Peer: &peer})
	ev := nextEvent(t, ch)
	require.Equal(t, ConnectionStatusChanged, ev.Kind)
	require.False(t, ev.Connected)
	require.Equal(t, model.Disconnected, m.State())

	m.Disconnect()
	noEvent(t, ch, 20*time.Millisecond)
}

func TestManager_InboundTransferOnSimulated(t *testing.T) {
	t.Parallel()

	sim := NewSimulated(SimConfig{ReceiveDelay: 10 * time.Millisecond, AutoDisconnectDelay: 10 * time.Millisecond}, nil)
	m := newTestManager(t, nil, sim)

	ch, cancel := m.Subscribe()
	defer cancel()
	require.NoError(t, m.SetupAsReceiver("me", "Me"))

	ev := nextEvent(t, ch)
	require.Equal(t, ConnectionStatusChanged, ev.Kind)
	require.True(t, ev.Connected)

	ev = nextEvent(t, ch)
	require.Equal(t, PaymentReceived, ev.Kind)
	require.NotEmpty(t, ev.Payload)

	ev = nextEvent(t, ch)
	require.Equal(t, ConnectionStatusChanged, ev.Kind)
	require.False(t, ev.Connected)
}

func TestManager_InboundAnswerOnSimulated(t *testing.T) {
	t.Parallel()

	sim := NewSimulated(SimConfig{ReceiveDelay: 10 * time.Millisecond, AutoDisconnectDelay: time.Minute}, nil)
	m := newTestManager(t, nil, sim)
	ctx := context.Background()

	ch, cancel := m.Subscribe()
	defer cancel()
	require.NoError(t, m.SetupAsReceiver("me", "Me"))

	ev := nextEvent(t, ch)
	require.True(t, ev.Connected)
	ev = nextEvent(t, ch)
	require.Equal(t, PaymentReceived, ev.Kind)

	peer, ok := m.ConnectedPeer()
	require.True(t, ok)
	require.Equal(t, ev.Peer.ID, peer.ID)

	require.NoError(t, m.Write(ctx, []byte("ack")))
	require.Equal(t, "ack", string(sim.Value()))
	got, err := m.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "ack", string(got))

	m.Disconnect()
	require.ErrorIs(t, m.Write(ctx, []byte("late")), errs.ErrNotConnected)
}

func TestManager_InboundAnswerOnRadio(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	m := newTestManager(t, radio, nil)
	ctx := context.Background()

	ch, cancel := m.Subscribe()
	defer cancel()
	central := model.PeerDevice{ID: "11:22:33:44:55:66"}
	radio.hub.Publish(Event{Kind: ConnectionStatusChanged, Connected: true, Peer: &central})
	ev := nextEvent(t, ch)
	require.True(t, ev.Connected)

	require.NoError(t, m.Write(ctx, []byte("ack")))
	radio.mu.Lock()
	require.Equal(t, [][]byte{[]byte("ack")}, radio.answered)
	radio.mu.Unlock()

	// A failing local characteristic is reported, not degraded to simulated.
	radio.writeErr = errors.New("notify failed")
	require.ErrorContains(t, m.Write(ctx, []byte("again")), "notify failed")
	peer, ok := m.ConnectedPeer()
	require.True(t, ok)
	require.Equal(t, central.ID, peer.ID)
	require.Equal(t, "radio", m.Mode())
}

func TestManager_ReceiverFaultFallsBack(t *testing.T) {
	t.Parallel()

	radio := newFakeRadio()
	m := newTestManager(t, radio, nil)
	radio.enableErr = errs.ErrTransportUnavailable

	require.NoError(t, m.SetupAsReceiver("me", "Me"))
	require.Equal(t, "simulated", m.Mode())
}

func TestRankCandidates(t *testing.T) {
	t.Parallel()

	got := RankCandidates([]model.PeerDevice{
		{ID: "1", DisplayName: "SatLink-A"},
		{ID: "2", DisplayName: "Speaker", SignalStrength: model.Signal(-20)},
		{ID: "3", DisplayName: "SatLink-B", SignalStrength: model.Signal(-70)},
		{ID: "4", DisplayName: "phone (SATLINK)", SignalStrength: model.Signal(-40)},
		{ID: "5"},
	})
	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	require.Equal(t, []string{"4", "3", "1"}, ids)
}
