// Package service contains the wallet gateway: provisioning, payments and amount conversion.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/satlink/internal/credstore"
	"github.com/and161185/satlink/internal/crypto"
	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/lnd"
	"github.com/and161185/satlink/internal/lock"
	"github.com/and161185/satlink/internal/model"
	"github.com/and161185/satlink/internal/repository"
)

// Node is the node API the gateway depends on. Implemented by *lnd.Client.
type Node interface {
	State(ctx context.Context) (lnd.WalletState, error)
	GenSeed(ctx context.Context) ([]string, error)
	InitWallet(ctx context.Context, password string, seed []string) error
	UnlockWallet(ctx context.Context, password string) error
	GetInfo(ctx context.Context) (lnd.Info, error)
	NewAddress(ctx context.Context) (string, error)
	DecodePayReq(ctx context.Context, payReq string) (lnd.PayReq, error)
	PayInvoice(ctx context.Context, payReq string, amtSat int64) (lnd.Payment, error)
	Keysend(ctx context.Context, destHex string, amtSat int64) (lnd.Payment, error)
}

var _ Node = (*lnd.Client)(nil)

// WalletGateway defines wallet lifecycle and payment operations.
type WalletGateway interface {
	// ProvisionWallet makes sure userID has an initialized, unlocked wallet. Idempotent.
	ProvisionWallet(ctx context.Context, userID string) (model.ProvisionResult, error)
	// GetWallet returns the persisted wallet record for userID.
	GetWallet(ctx context.Context, userID string) (*model.WalletRecord, error)
	// SendPayment pays amountSat to a bolt11 invoice or a node pubkey.
	SendPayment(ctx context.Context, amountSat int64, dest string) (model.PaymentResult, error)
}

type WalletGatewayImpl struct {
	node    Node
	creds   credstore.Store
	wallets repository.WalletRepository
	locks   lock.Locker
	network string
	log     *zap.Logger
	group   singleflight.Group
	now     func() time.Time
}

// NewWalletGateway constructs WalletGateway with required dependencies.
func NewWalletGateway(
	node Node, creds credstore.Store, wallets repository.WalletRepository, locks lock.Locker,
	network string, log *zap.Logger,
) *WalletGatewayImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &WalletGatewayImpl{
		node:    node,
		creds:   creds,
		wallets: wallets,
		locks:   locks,
		network: network,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ProvisionWallet creates the wallet if absent, unlocks it if locked, and
// records its identity and a fresh receive address. Concurrent calls for
// the same user share one run in-process and are serialized per wallet
// name through the locker across processes.
func (s *WalletGatewayImpl) ProvisionWallet(ctx context.Context, userID string) (model.ProvisionResult, error) {
	if strings.TrimSpace(userID) == "" {
		return model.ProvisionResult{}, errors.New("validation: empty user id")
	}
	name := crypto.WalletName(userID)

	v, err, shared := s.group.Do(name, func() (any, error) {
		var res model.ProvisionResult
		err := s.locks.WithLock(ctx, name, func(ctx context.Context) error {
			var err error
			res, err = s.provision(ctx, userID, name)
			return err
		})
		return res, err
	})
	if shared {
		s.log.Debug("provision shared", zap.String("wallet", name))
	}
	if err != nil {
		return model.ProvisionResult{}, err
	}
	return v.(model.ProvisionResult), nil
}

func (s *WalletGatewayImpl) provision(ctx context.Context, userID, name string) (model.ProvisionResult, error) {
	state, err := s.node.State(ctx)
	if err != nil {
		return model.ProvisionResult{}, fmt.Errorf("provision %s: state: %w", name, err)
	}
	log := s.log.With(zap.String("wallet", name), zap.String("state", string(state)))

	switch {
	case state == lnd.StateNonExisting:
		creds, err := s.createCredentials(ctx, userID, name)
		if err != nil {
			return model.ProvisionResult{}, err
		}
		if err := s.node.InitWallet(ctx, creds.Password, creds.Seed); err != nil {
			return model.ProvisionResult{}, fmt.Errorf("provision %s: init: %w", name, err)
		}
		log.Info("wallet initialized")
	case state == lnd.StateLocked:
		creds, err := s.creds.Load(name)
		if err != nil {
			return model.ProvisionResult{}, fmt.Errorf("provision %s: %w", name, err)
		}
		if err := s.node.UnlockWallet(ctx, creds.Password); err != nil {
			return model.ProvisionResult{}, fmt.Errorf("provision %s: unlock: %w", name, err)
		}
		log.Info("wallet unlocked")
	case state.Ready():
		log.Debug("wallet already unlocked")
	case state == lnd.StateWaitingToStart:
		return model.ProvisionResult{}, fmt.Errorf("provision %s: %w: node starting", name, errs.ErrNodeUnreachable)
	default:
		return model.ProvisionResult{}, fmt.Errorf("provision %s: %w: %s", name, errs.ErrWalletState, state)
	}

	info, err := s.node.GetInfo(ctx)
	if err != nil {
		return model.ProvisionResult{}, fmt.Errorf("provision %s: getinfo: %w", name, err)
	}
	addr, err := s.node.NewAddress(ctx)
	if err != nil {
		return model.ProvisionResult{}, fmt.Errorf("provision %s: newaddress: %w", name, err)
	}
	if _, err := s.wallets.Upsert(ctx, model.WalletRecord{
		UserID:     userID,
		WalletName: name,
		Pubkey:     info.IdentityPubkey,
		Address:    addr,
	}); err != nil {
		return model.ProvisionResult{}, fmt.Errorf("provision %s: record: %w", name, err)
	}
	return model.ProvisionResult{WalletID: name, Pubkey: info.IdentityPubkey, Address: addr}, nil
}

// createCredentials persists a new password and seed before the wallet is
// initialized. Credentials left by an interrupted earlier attempt are reused.
func (s *WalletGatewayImpl) createCredentials(ctx context.Context, userID, name string) (model.WalletCredentials, error) {
	creds, err := s.creds.Load(name)
	if err == nil {
		s.log.Info("reusing stored credentials", zap.String("wallet", name))
		return creds, nil
	}
	if !errors.Is(err, errs.ErrCredentialsMissing) {
		return creds, fmt.Errorf("provision %s: %w", name, err)
	}

	seed, err := s.node.GenSeed(ctx)
	if err != nil {
		return creds, fmt.Errorf("provision %s: genseed: %w", name, err)
	}
	pw, err := crypto.NewWalletPassword()
	if err != nil {
		return creds, fmt.Errorf("provision %s: password: %w", name, err)
	}
	creds = model.WalletCredentials{
		UserID:     userID,
		WalletName: name,
		Password:   pw,
		Seed:       seed,
		CreatedAt:  s.now(),
		Network:    s.network,
	}
	if err := s.creds.Create(creds); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return s.creds.Load(name)
		}
		return creds, fmt.Errorf("provision %s: store credentials: %w", name, err)
	}
	return creds, nil
}

// GetWallet returns the wallet record for userID.
func (s *WalletGatewayImpl) GetWallet(ctx context.Context, userID string) (*model.WalletRecord, error) {
	return s.wallets.GetByUserID(ctx, userID)
}

// SendPayment pays dest. A bolt11 invoice (prefix "ln") is paid through the
// node; an invoice amount must match amountSat when both are set. A 66-hex
// node pubkey is paid by keysend for exactly amountSat.
func (s *WalletGatewayImpl) SendPayment(ctx context.Context, amountSat int64, dest string) (model.PaymentResult, error) {
	dest = strings.TrimSpace(dest)
	res := model.PaymentResult{AmountSatoshis: amountSat, Counterparty: dest}

	var (
		p   lnd.Payment
		err error
	)
	switch {
	case IsInvoice(dest):
		p, res.AmountSatoshis, err = s.payInvoice(ctx, amountSat, dest)
	case IsPubkey(dest):
		if amountSat <= 0 {
			err = fmt.Errorf("keysend: %w: %d sat", errs.ErrInvalidAmount, amountSat)
			break
		}
		p, err = s.node.Keysend(ctx, strings.ToLower(dest), amountSat)
	default:
		err = fmt.Errorf("%w: unrecognized destination", errs.ErrInvalidIntent)
	}

	res.PaymentHash = hex.EncodeToString(p.PaymentHash)
	if err != nil {
		res.ErrorKind = errs.Kind(err)
		s.log.Warn("payment failed",
			zap.Int64("amount_sat", res.AmountSatoshis),
			zap.String("kind", res.ErrorKind),
			zap.Error(err),
		)
		return res, err
	}
	res.Success = true
	res.SettledAt = s.now()
	s.log.Info("payment settled",
		zap.Int64("amount_sat", res.AmountSatoshis),
		zap.String("payment_hash", res.PaymentHash),
	)
	return res, nil
}

func (s *WalletGatewayImpl) payInvoice(ctx context.Context, amountSat int64, invoice string) (lnd.Payment, int64, error) {
	pr, err := s.node.DecodePayReq(ctx, invoice)
	if err != nil {
		return lnd.Payment{}, amountSat, fmt.Errorf("decode invoice: %w", err)
	}
	switch {
	case pr.NumSatoshis > 0 && amountSat > 0 && pr.NumSatoshis != amountSat:
		return lnd.Payment{}, amountSat, fmt.Errorf("%w: invoice is for %d sat, intent for %d",
			errs.ErrInvalidAmount, pr.NumSatoshis, amountSat)
	case pr.NumSatoshis > 0:
		p, err := s.node.PayInvoice(ctx, invoice, 0)
		return p, pr.NumSatoshis, err
	case amountSat <= 0:
		return lnd.Payment{}, amountSat, fmt.Errorf("%w: zero-amount invoice needs an amount", errs.ErrInvalidAmount)
	default:
		p, err := s.node.PayInvoice(ctx, invoice, amountSat)
		return p, amountSat, err
	}
}

// IsInvoice reports whether dest looks like a bolt11 payment request.
func IsInvoice(dest string) bool {
	return strings.HasPrefix(strings.ToLower(dest), "ln")
}

// IsPubkey reports whether dest is a 33-byte compressed node pubkey in hex.
func IsPubkey(dest string) bool {
	if len(dest) != 66 {
		return false
	}
	b, err := hex.DecodeString(dest)
	return err == nil && (b[0] == 0x02 || b[0] == 0x03)
}
