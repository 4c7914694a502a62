// Package session sequences a transfer: discover a peer, connect, exchange
// the payment intent over the transport and settle through the wallet.
//
// Every state change of a session happens on that session's own goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/events"
	"github.com/and161185/satlink/internal/model"
	"github.com/and161185/satlink/internal/transport"
)

// ErrBusy is returned when a transfer is already running on the orchestrator.
var ErrBusy = errors.New("session: transfer already in progress")

// Transport is the subset of *transport.Manager a session drives.
type Transport interface {
	Subscribe() (<-chan transport.Event, func())
	StartScan() error
	StopScan()
	Discovered() []model.PeerDevice
	Connect(ctx context.Context, id string, opts ...transport.ConnectOption) (model.PeerDevice, error)
	AutoConnect(ctx context.Context) (*model.PeerDevice, error)
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Disconnect()
	SetupAsReceiver(selfID, selfName string) error
}

var _ Transport = (*transport.Manager)(nil)

// Payer settles a payment. Implemented by the wallet gateway and its gRPC client.
type Payer interface {
	SendPayment(ctx context.Context, amountSat int64, dest string) (model.PaymentResult, error)
}

// Config holds session timeouts. Zero values take the defaults.
type Config struct {
	PeerTimeout     time.Duration // finding and connecting a peer (30s)
	ExchangeTimeout time.Duration // intent exchange once connected (10s)
	RPCTimeout      time.Duration // a single payment RPC (10s)
	ConnectRetries  int           // radio attempts for an explicit peer; 0 keeps the transport's
	// Destination is what a receiver advertises in its ack: a node pubkey or invoice.
	Destination string
}

func (c *Config) withDefaults() {
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 30 * time.Second
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 10 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
}

// Orchestrator runs at most one transfer session at a time over one transport.
type Orchestrator struct {
	tr    Transport
	payer Payer
	cfg   Config
	log   *zap.Logger
	hub   *events.Hub[model.SessionEvent]

	mu       sync.Mutex
	active   *Session
	sessions map[uuid.UUID]*Session
}

// New builds an orchestrator. payer may be nil for receive-only use.
func New(tr Transport, payer Payer, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.withDefaults()
	return &Orchestrator{
		tr:       tr,
		payer:    payer,
		cfg:      cfg,
		log:      log,
		hub:      events.New[model.SessionEvent](),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Subscribe streams state transitions of all sessions.
func (o *Orchestrator) Subscribe() (<-chan model.SessionEvent, func()) { return o.hub.Subscribe() }

// SendOption customizes StartSend.
type SendOption func(*sendOpts)

type sendOpts struct {
	destination string
}

// WithDestination pays dest instead of whatever the receiver supplies.
func WithDestination(dest string) SendOption {
	return func(o *sendOpts) { o.destination = dest }
}

// StartSend begins paying intent to a nearby peer. An intent with a
// ReceiverID waits for that peer; otherwise the strongest plausible peer
// is chosen.
func (o *Orchestrator) StartSend(intent model.PaymentIntent, opts ...SendOption) (*Session, error) {
	if o.payer == nil {
		return nil, errors.New("session: no payer configured")
	}
	if intent.AmountSatoshis <= 0 {
		return nil, fmt.Errorf("%w: %d sat", errs.ErrInvalidAmount, intent.AmountSatoshis)
	}
	var so sendOpts
	for _, opt := range opts {
		opt(&so)
	}
	if intent.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("intent id: %w", err)
		}
		intent.ID = id
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}

	r, err := o.begin(model.RoleSender)
	if err != nil {
		return nil, err
	}
	go r.run(func() (model.PaymentResult, error) { return r.send(intent, so.destination) })
	return r.s, nil
}

// StartReceive arms the transport as a receiver and waits for one inbound transfer.
func (o *Orchestrator) StartReceive(selfID, selfName string) (*Session, error) {
	if selfID == "" {
		return nil, errors.New("session: empty self id")
	}
	r, err := o.begin(model.RoleReceiver)
	if err != nil {
		return nil, err
	}
	go r.run(func() (model.PaymentResult, error) { return r.receive(selfID, selfName) })
	return r.s, nil
}

// Cancel cancels the session with the given id.
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	s.Cancel()
	return nil
}

// Close cancels the active session, if any, and ends all subscriptions.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s != nil {
		s.Cancel()
		<-s.done
	}
	o.hub.Close()
}

func (o *Orchestrator) begin(role model.SessionRole) (*run, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		ID:     id,
		Role:   role,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.active = s
	o.sessions[id] = s

	// Subscribe before the goroutine starts so no transport event is missed.
	evs, unsub := o.tr.Subscribe()
	return &run{
		o:      o,
		s:      s,
		log:    o.log.With(zap.String("session", id.String()), zap.String("role", string(role))),
		events: evs,
		unsub:  unsub,
	}, nil
}

func (o *Orchestrator) release(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == s {
		o.active = nil
	}
}

// Session is a handle on one transfer.
type Session struct {
	ID   uuid.UUID
	Role model.SessionRole

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu     sync.Mutex
	state  model.SessionState
	peer   *model.PeerDevice
	result model.PaymentResult
	err    error
}

// State returns the current state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the counterparty once one is known.
func (s *Session) Peer() (model.PeerDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return model.PeerDevice{}, false
	}
	return *s.peer, true
}

// Cancel requests cancellation. A payment already sent to the node is not
// recalled; the session then reports that payment's outcome.
func (s *Session) Cancel() { s.cancel(errs.ErrCancelled) }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is terminal or ctx ends. The error is nil
// only for Completed.
func (s *Session) Wait(ctx context.Context) (model.PaymentResult, error) {
	select {
	case <-ctx.Done():
		return model.PaymentResult{}, ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}
