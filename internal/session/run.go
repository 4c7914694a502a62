package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/satlink/internal/convert"
	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/model"
	"github.com/and161185/satlink/internal/transport"
)

// ackPollInterval paces reads of the characteristic while waiting for an ack.
const ackPollInterval = 50 * time.Millisecond

// run is the single writer of one session's state.
type run struct {
	o      *Orchestrator
	s      *Session
	log    *zap.Logger
	events <-chan transport.Event
	unsub  func()
	peer   *model.PeerDevice
	// paid keeps the payment outcome on a failed session: the RPC went
	// through but the peer was lost while it ran.
	paid bool
}

func (r *run) run(body func() (model.PaymentResult, error)) {
	defer r.o.release(r.s)
	defer r.unsub()

	res, err := body()
	r.finish(res, err)
}

func (r *run) transition(st model.SessionState) {
	s := r.s
	s.mu.Lock()
	if s.state.Terminal() || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.peer = r.peer
	s.mu.Unlock()

	r.log.Debug("session state", zap.Stringer("state", st))
	r.o.hub.Publish(model.SessionEvent{SessionID: s.ID, Role: s.Role, State: st, Peer: r.peer})
}

func (r *run) finish(res model.PaymentResult, err error) {
	r.teardown()

	st := model.StateCompleted
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrCancelled):
		st = model.StateCancelled
	default:
		st = model.StateFailed
	}
	if err != nil {
		if !r.paid {
			res.Success = false
		}
		res.ErrorKind = errs.Kind(err)
	}

	s := r.s
	s.mu.Lock()
	s.state, s.peer, s.result, s.err = st, r.peer, res, err
	s.mu.Unlock()

	ev := model.SessionEvent{SessionID: s.ID, Role: s.Role, State: st, Peer: r.peer, Result: &res, ErrorKind: res.ErrorKind}
	r.o.hub.Publish(ev)
	if err != nil && st == model.StateFailed {
		r.log.Warn("session failed", zap.String("kind", res.ErrorKind), zap.Error(err))
	} else {
		r.log.Info("session finished", zap.Stringer("state", st), zap.Int64("amount_sat", res.AmountSatoshis))
	}
	close(s.done)
}

func (r *run) teardown() {
	r.o.tr.Disconnect()
	r.o.tr.StopScan()
}

// cause turns err into ErrCancelled when the session was cancelled.
func (r *run) cause(err error) error {
	if c := context.Cause(r.s.ctx); errors.Is(c, errs.ErrCancelled) {
		return errs.ErrCancelled
	}
	return err
}

// lost reports whether ev is the loss of the session's peer.
func (r *run) lost(ev transport.Event) bool {
	if ev.Kind != transport.ConnectionStatusChanged || ev.Connected {
		return false
	}
	return r.peer == nil || ev.Peer == nil || ev.Peer.ID == r.peer.ID
}

// step runs fn while watching for loss of the peer. Peer loss cancels fn
// and is reported as ErrConnectionLost.
func (r *run) step(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	for {
		select {
		case err := <-done:
			if c := context.Cause(ctx); errors.Is(c, errs.ErrConnectionLost) {
				return c
			}
			return r.cause(err)
		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				cancel(fmt.Errorf("%w: transport closed", errs.ErrTransportUnavailable))
				continue
			}
			if r.lost(ev) {
				cancel(fmt.Errorf("%w: peer disconnected", errs.ErrConnectionLost))
			}
		}
	}
}

// --- send ---

func (r *run) send(intent model.PaymentIntent, dest string) (model.PaymentResult, error) {
	res := model.PaymentResult{AmountSatoshis: intent.AmountSatoshis}

	r.transition(model.StateScanning)
	if err := r.o.tr.StartScan(); err != nil {
		return res, err
	}
	if err := r.findPeer(intent.ReceiverID); err != nil {
		return res, err
	}
	r.o.tr.StopScan()
	r.transition(model.StateAwaitingIntentExchange)

	intent = intent.WithReceiver(*r.peer)
	res.Counterparty = intent.ReceiverID
	ack, err := r.exchange(intent)
	if err != nil {
		return res, err
	}
	switch {
	case dest != "":
	case ack.Destination != "":
		dest = ack.Destination
	default:
		dest = intent.ReceiverID
	}
	res.Counterparty = dest

	r.transition(model.StateSettling)
	if err := r.cause(nil); err != nil {
		return res, err
	}
	return r.settle(intent, dest)
}

// findPeer waits for the wanted peer, or the first plausible one, and connects.
func (r *run) findPeer(want string) error {
	ctx, cancel := context.WithTimeout(r.s.ctx, r.o.cfg.PeerTimeout)
	defer cancel()

	try := func(peers []model.PeerDevice) (bool, error) {
		if want != "" {
			for _, p := range peers {
				if p.ID == want {
					return true, r.connect(ctx, p)
				}
			}
			return false, nil
		}
		if cands := transport.RankCandidates(peers); len(cands) > 0 {
			return true, r.connect(ctx, model.PeerDevice{})
		}
		return false, nil
	}

	// The scan may already have been running.
	if ok, err := try(r.o.tr.Discovered()); ok {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return r.cause(fmt.Errorf("%w: within %s", errs.ErrNoPeer, r.o.cfg.PeerTimeout))
		case ev, ok := <-r.events:
			if !ok {
				return fmt.Errorf("%w: transport closed", errs.ErrTransportUnavailable)
			}
			switch ev.Kind {
			case transport.DeviceDiscovered:
				if ev.Peer == nil {
					continue
				}
				if ok, err := try([]model.PeerDevice{*ev.Peer}); ok {
					return err
				}
			case transport.ScanStopped:
				return r.cause(fmt.Errorf("%w: scan ended", errs.ErrNoPeer))
			}
		}
	}
}

// connect dials p, or the best plausible candidate when p has no id.
func (r *run) connect(ctx context.Context, p model.PeerDevice) error {
	if p.ID != "" {
		r.peer = &p
	}
	r.transition(model.StateConnecting)

	var peer *model.PeerDevice
	err := r.step(ctx, func(ctx context.Context) error {
		if p.ID != "" {
			got, err := r.o.tr.Connect(ctx, p.ID, transport.WithRetries(r.o.cfg.ConnectRetries))
			peer = &got
			return err
		}
		got, err := r.o.tr.AutoConnect(ctx)
		if err == nil && got == nil {
			err = errs.ErrNoPeer
		}
		peer = got
		return err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: connect timed out", errs.ErrNoPeer)
		}
		return err
	}
	r.peer = peer
	r.log.Info("peer connected", zap.String("peer", peer.ID), zap.String("name", peer.DisplayName))
	return nil
}

// exchange writes the intent and polls the characteristic until the
// receiver replaces it with an ack for the same intent.
func (r *run) exchange(intent model.PaymentIntent) (convert.Envelope, error) {
	ctx, cancel := context.WithTimeout(r.s.ctx, r.o.cfg.ExchangeTimeout)
	defer cancel()

	var env convert.Envelope
	err := r.step(ctx, func(ctx context.Context) error {
		b, err := convert.EncodeIntent(intent)
		if err != nil {
			return err
		}
		if err := r.o.tr.Write(ctx, b); err != nil {
			return fmt.Errorf("write intent: %w", err)
		}
		env, err = r.awaitAck(ctx, intent)
		return err
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return env, fmt.Errorf("%w: intent exchange timed out", errs.ErrConnectionLost)
	case errors.Is(err, errs.ErrNotConnected):
		return env, fmt.Errorf("%w: %v", errs.ErrConnectionLost, err)
	case err != nil:
		return env, err
	}

	if env.Intent.ID != intent.ID {
		return env, fmt.Errorf("%w: ack for another intent", errs.ErrInvalidIntent)
	}
	if err := convert.ValidateIntent(*env.Intent); err != nil {
		return env, err
	}
	return env, nil
}

// awaitAck reads until an ack appears. Our own intent, or an empty slot,
// means the receiver has not answered yet.
func (r *run) awaitAck(ctx context.Context, intent model.PaymentIntent) (convert.Envelope, error) {
	ticker := time.NewTicker(ackPollInterval)
	defer ticker.Stop()
	for {
		raw, err := r.o.tr.Read(ctx)
		if err != nil {
			return convert.Envelope{}, fmt.Errorf("read ack: %w", err)
		}
		if len(raw) > 0 {
			env, err := convert.Decode(raw)
			if err != nil {
				return env, err
			}
			switch {
			case env.Type == convert.TypeAck:
				return env, nil
			case env.Type != convert.TypeIntent || env.Intent.ID != intent.ID:
				return env, fmt.Errorf("%w: unexpected %s during exchange", errs.ErrInvalidIntent, env.Type)
			}
		}
		select {
		case <-ctx.Done():
			return convert.Envelope{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

type outcome struct {
	res model.PaymentResult
	err error
}

// settle dispatches the payment. Once dispatched, neither cancellation nor
// peer loss aborts it. Cancellation reports the payment outcome; peer loss
// fails the session with ErrConnectionLost but keeps the outcome.
func (r *run) settle(intent model.PaymentIntent, dest string) (model.PaymentResult, error) {
	rpcCtx, cancel := context.WithTimeout(context.WithoutCancel(r.s.ctx), r.o.cfg.RPCTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := r.o.payer.SendPayment(rpcCtx, intent.AmountSatoshis, dest)
		done <- outcome{res, err}
	}()
	r.log.Info("payment dispatched", zap.Int64("amount_sat", intent.AmountSatoshis))

	cancelled := r.s.ctx.Done()
	connected, lost := true, false
	for {
		select {
		case <-cancelled:
			cancelled = nil
			connected = false
			r.teardown()
			r.log.Info("cancelled during settlement, awaiting payment outcome")
		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				continue
			}
			if connected && r.lost(ev) {
				connected, lost = false, true
				r.teardown()
				r.log.Warn("peer lost during settlement, awaiting payment outcome")
			}
		case out := <-done:
			out.res.AmountSatoshis = intent.AmountSatoshis
			if out.res.Counterparty == "" {
				out.res.Counterparty = dest
			}
			if connected {
				r.report(intent, out.res)
			}
			if lost && out.err == nil {
				r.paid = true
				return out.res, fmt.Errorf("%w: peer lost during settlement", errs.ErrConnectionLost)
			}
			return out.res, out.err
		}
	}
}

// report writes the result back to the receiver. Best effort.
func (r *run) report(intent model.PaymentIntent, res model.PaymentResult) {
	b, err := convert.EncodeResult(res, &intent)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.s.ctx), r.o.cfg.ExchangeTimeout)
	defer cancel()
	if err := r.o.tr.Write(ctx, b); err != nil {
		r.log.Debug("result write-back failed", zap.Error(err))
	}
}

// --- receive ---

func (r *run) receive(selfID, selfName string) (model.PaymentResult, error) {
	r.transition(model.StateScanning)
	if err := r.o.tr.SetupAsReceiver(selfID, selfName); err != nil {
		return model.PaymentResult{}, err
	}
	r.log.Info("waiting for sender", zap.String("self", selfID))

	timer := time.NewTimer(r.o.cfg.PeerTimeout)
	defer timer.Stop()
	reset := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}
	state := model.StateScanning
	enter := func(st model.SessionState, d time.Duration) {
		state = st
		r.transition(st)
		reset(d)
	}
	var intent *model.PaymentIntent

	for {
		select {
		case <-r.s.ctx.Done():
			return model.PaymentResult{}, r.cause(r.s.ctx.Err())
		case <-timer.C:
			switch state {
			case model.StateScanning:
				return model.PaymentResult{}, fmt.Errorf("%w: within %s", errs.ErrNoPeer, r.o.cfg.PeerTimeout)
			case model.StateAwaitingIntentExchange:
				return model.PaymentResult{}, fmt.Errorf("%w: no intent received", errs.ErrConnectionLost)
			default:
				return inbound(intent), fmt.Errorf("%w: no settlement result received", errs.ErrPaymentFailed)
			}
		case ev, ok := <-r.events:
			if !ok {
				return model.PaymentResult{}, fmt.Errorf("%w: transport closed", errs.ErrTransportUnavailable)
			}
			switch ev.Kind {
			case transport.ConnectionStatusChanged:
				if ev.Connected {
					if state == model.StateScanning {
						r.peer = ev.Peer
						enter(model.StateAwaitingIntentExchange, r.o.cfg.ExchangeTimeout)
					}
					continue
				}
				if state != model.StateScanning && r.lost(ev) {
					return inbound(intent), fmt.Errorf("%w: sender disconnected", errs.ErrConnectionLost)
				}
			case transport.PaymentReceived:
				if state == model.StateScanning {
					r.peer = ev.Peer
					enter(model.StateAwaitingIntentExchange, r.o.cfg.ExchangeTimeout)
				}
				env, err := convert.Decode(ev.Payload)
				if err != nil {
					return inbound(intent), err
				}
				if env.Intent != nil && state == model.StateAwaitingIntentExchange {
					if err := convert.ValidateIntent(*env.Intent); err != nil {
						return model.PaymentResult{}, err
					}
					intent = env.Intent
					r.log.Info("intent received", zap.Int64("amount_sat", intent.AmountSatoshis))
					enter(model.StateSettling, r.o.cfg.ExchangeTimeout+r.o.cfg.RPCTimeout)
					r.ack(*intent)
				}
				if env.Type != convert.TypeResult {
					continue
				}
				if state != model.StateSettling {
					return model.PaymentResult{}, fmt.Errorf("%w: result before intent", errs.ErrInvalidIntent)
				}
				res := *env.Result
				if res.AmountSatoshis == 0 {
					res.AmountSatoshis = intent.AmountSatoshis
				}
				if res.Counterparty == "" {
					res.Counterparty = intent.SenderID
				}
				if !res.Success {
					return res, fmt.Errorf("%w: sender reported %s", errs.ErrPaymentFailed, res.ErrorKind)
				}
				return res, nil
			}
		}
	}
}

// ack answers an intent with this side's payment destination. Best effort.
func (r *run) ack(intent model.PaymentIntent) {
	b, err := convert.EncodeAck(intent, r.o.cfg.Destination)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.s.ctx, r.o.cfg.ExchangeTimeout)
	defer cancel()
	if err := r.o.tr.Write(ctx, b); err != nil {
		r.log.Debug("ack not written", zap.Error(err))
	}
}

func inbound(intent *model.PaymentIntent) model.PaymentResult {
	if intent == nil {
		return model.PaymentResult{}
	}
	return model.PaymentResult{AmountSatoshis: intent.AmountSatoshis, Counterparty: intent.SenderID}
}
