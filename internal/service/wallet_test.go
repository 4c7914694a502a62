package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/satlink/internal/crypto"
	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/lnd"
	"github.com/and161185/satlink/internal/lock"
	"github.com/and161185/satlink/internal/model"
	"github.com/and161185/satlink/internal/repository/memory"
)

const testPubkey = "02" + "aa5f0c2d9b8e7f6a5b4c3d2e1f0a9b8c7d6e5f4a3b2c1d0e9f8a7b6c5d4e3f2a1b"

// fakeNode emulates the wallet lifecycle of a single node.
type fakeNode struct {
	mu        sync.Mutex
	state     lnd.WalletState
	password  string
	inits     int
	unlocks   int
	stateErr  error
	invoices  map[string]int64
	payErr    error
	keysends  []int64
	invoiced  []int64
	initDelay time.Duration
}

func newFakeNode(state lnd.WalletState) *fakeNode {
	return &fakeNode{state: state, invoices: map[string]int64{}}
}

func (n *fakeNode) State(context.Context) (lnd.WalletState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, n.stateErr
}

func (n *fakeNode) GenSeed(context.Context) ([]string, error) {
	return strings.Fields("abandon ability able about above absent absorb abstract absurd abuse access accident " +
		"account accuse achieve acid acoustic acquire across act action actor actress actual"), nil
}

func (n *fakeNode) InitWallet(_ context.Context, password string, seed []string) error {
	time.Sleep(n.initDelay)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != lnd.StateNonExisting {
		return &lnd.APIError{Status: 400, Code: 9, Message: "wallet already exists"}
	}
	if len(seed) != 24 {
		return errors.New("bad seed")
	}
	n.inits++
	n.password = password
	n.state = lnd.StateRPCActive
	return nil
}

func (n *fakeNode) UnlockWallet(_ context.Context, password string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if password != n.password {
		return &lnd.APIError{Status: 400, Code: 3, Message: "invalid passphrase"}
	}
	n.unlocks++
	n.state = lnd.StateRPCActive
	return nil
}

func (n *fakeNode) GetInfo(context.Context) (lnd.Info, error) {
	return lnd.Info{IdentityPubkey: testPubkey}, nil
}

func (n *fakeNode) NewAddress(context.Context) (string, error) {
	return "bcrt1qtestaddress", nil
}

func (n *fakeNode) DecodePayReq(_ context.Context, payReq string) (lnd.PayReq, error) {
	amt, ok := n.invoices[payReq]
	if !ok {
		return lnd.PayReq{}, &lnd.APIError{Status: 500, Code: 2, Message: "invalid index"}
	}
	return lnd.PayReq{NumSatoshis: amt}, nil
}

func (n *fakeNode) PayInvoice(_ context.Context, _ string, amtSat int64) (lnd.Payment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invoiced = append(n.invoiced, amtSat)
	if n.payErr != nil {
		return lnd.Payment{}, n.payErr
	}
	return lnd.Payment{PaymentHash: []byte{0xab, 0xcd}}, nil
}

func (n *fakeNode) Keysend(_ context.Context, _ string, amtSat int64) (lnd.Payment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keysends = append(n.keysends, amtSat)
	if n.payErr != nil {
		return lnd.Payment{}, n.payErr
	}
	return lnd.Payment{PaymentHash: []byte{0x01}}, nil
}

// memStore is an in-memory credstore.Store.
type memStore struct {
	mu    sync.Mutex
	recs  map[string]model.WalletCredentials
	bad   map[string]bool
	creat int
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]model.WalletCredentials{}, bad: map[string]bool{}}
}

func (s *memStore) Create(c model.WalletCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[c.WalletName]; ok {
		return errs.ErrAlreadyExists
	}
	s.recs[c.WalletName] = c
	s.creat++
	return nil
}

func (s *memStore) Load(name string) (model.WalletCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bad[name] {
		return model.WalletCredentials{}, errs.ErrCredentialsCorrupt
	}
	c, ok := s.recs[name]
	if !ok {
		return model.WalletCredentials{}, errs.ErrCredentialsMissing
	}
	return c, nil
}

func newGateway(t *testing.T, node Node, store *memStore, repo *memory.WalletRepo, locks lock.Locker) *WalletGatewayImpl {
	t.Helper()
	return NewWalletGateway(node, store, repo, locks, "regtest", zaptest.NewLogger(t))
}

func TestProvisionWallet_FreshNode(t *testing.T) {
	node := newFakeNode(lnd.StateNonExisting)
	store := newMemStore()
	repo := memory.NewWalletRepo()
	gw := newGateway(t, node, store, repo, lock.NewMemory())

	res, err := gw.ProvisionWallet(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, crypto.WalletName("alice"), res.WalletID)
	require.Equal(t, testPubkey, res.Pubkey)
	require.Equal(t, "bcrt1qtestaddress", res.Address)

	creds, err := store.Load(res.WalletID)
	require.NoError(t, err)
	require.Equal(t, node.password, creds.Password)
	require.Len(t, creds.Seed, 24)
	require.Equal(t, "regtest", creds.Network)

	rec, err := gw.GetWallet(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, res.WalletID, rec.WalletName)

	// Second call is a no-op on the node.
	_, err = gw.ProvisionWallet(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 1, node.inits)
	require.Equal(t, 0, node.unlocks)
}

func TestProvisionWallet_UnlocksWithStoredPassword(t *testing.T) {
	node := newFakeNode(lnd.StateNonExisting)
	store := newMemStore()
	gw := newGateway(t, node, store, memory.NewWalletRepo(), lock.NewMemory())

	_, err := gw.ProvisionWallet(context.Background(), "bob")
	require.NoError(t, err)

	node.mu.Lock()
	node.state = lnd.StateLocked
	node.mu.Unlock()

	_, err = gw.ProvisionWallet(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, 1, node.unlocks)
}

func TestProvisionWallet_LockedWithoutCredentials(t *testing.T) {
	node := newFakeNode(lnd.StateLocked)
	store := newMemStore()
	gw := newGateway(t, node, store, memory.NewWalletRepo(), lock.NewMemory())

	_, err := gw.ProvisionWallet(context.Background(), "carol")
	require.ErrorIs(t, err, errs.ErrCredentialsMissing)

	store.bad[crypto.WalletName("carol")] = true
	_, err = gw.ProvisionWallet(context.Background(), "carol")
	require.ErrorIs(t, err, errs.ErrCredentialsCorrupt)
	require.Zero(t, node.unlocks)
}

func TestProvisionWallet_ReusesCredentialsFromInterruptedRun(t *testing.T) {
	node := newFakeNode(lnd.StateNonExisting)
	store := newMemStore()
	name := crypto.WalletName("dave")
	require.NoError(t, store.Create(model.WalletCredentials{
		WalletName: name,
		Password:   "stored-password",
		Seed:       make([]string, 24),
	}))
	gw := newGateway(t, node, store, memory.NewWalletRepo(), lock.NewMemory())

	_, err := gw.ProvisionWallet(context.Background(), "dave")
	require.NoError(t, err)
	require.Equal(t, "stored-password", node.password)
	require.Equal(t, 1, store.creat)
}

func TestProvisionWallet_NodeStates(t *testing.T) {
	cases := []struct {
		state lnd.WalletState
		want  error
	}{
		{lnd.StateWaitingToStart, errs.ErrNodeUnreachable},
		{lnd.WalletState("SOMETHING_NEW"), errs.ErrWalletState},
	}
	for _, c := range cases {
		gw := newGateway(t, newFakeNode(c.state), newMemStore(), memory.NewWalletRepo(), lock.NewMemory())
		_, err := gw.ProvisionWallet(context.Background(), "erin")
		require.ErrorIs(t, err, c.want, c.state)
	}

	node := newFakeNode(lnd.StateNonExisting)
	node.stateErr = errs.ErrNodeUnreachable
	gw := newGateway(t, node, newMemStore(), memory.NewWalletRepo(), lock.NewMemory())
	_, err := gw.ProvisionWallet(context.Background(), "erin")
	require.True(t, errs.Retryable(err))

	_, err = gw.ProvisionWallet(context.Background(), " ")
	require.Error(t, err)
}

func TestProvisionWallet_ConcurrentGatewaysInitOnce(t *testing.T) {
	node := newFakeNode(lnd.StateNonExisting)
	node.initDelay = 20 * time.Millisecond
	store := newMemStore()
	repo := memory.NewWalletRepo()
	locks := lock.NewMemory()

	// Two gateways model two server processes sharing node, store and lock.
	gws := []*WalletGatewayImpl{
		newGateway(t, node, store, repo, locks),
		newGateway(t, node, store, repo, locks),
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(gw *WalletGatewayImpl) {
			defer wg.Done()
			_, err := gw.ProvisionWallet(context.Background(), "frank")
			errCh <- err
		}(gws[i%2])
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Equal(t, 1, node.inits)
	require.Equal(t, 1, store.creat)
	require.Equal(t, 1, repo.Len())
}

func TestSendPayment_Keysend(t *testing.T) {
	node := newFakeNode(lnd.StateRPCActive)
	gw := newGateway(t, node, newMemStore(), memory.NewWalletRepo(), lock.NewMemory())

	res, err := gw.SendPayment(context.Background(), 500000, testPubkey)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, int64(500000), res.AmountSatoshis)
	require.Equal(t, "01", res.PaymentHash)
	require.False(t, res.SettledAt.IsZero())
	require.Equal(t, []int64{500000}, node.keysends)

	res, err = gw.SendPayment(context.Background(), 0, testPubkey)
	require.ErrorIs(t, err, errs.ErrInvalidAmount)
	require.False(t, res.Success)
	require.Equal(t, "invalid_amount", res.ErrorKind)
}

func TestSendPayment_Invoice(t *testing.T) {
	node := newFakeNode(lnd.StateRPCActive)
	node.invoices["lnbcrt5m1fixed"] = 500000
	node.invoices["lnbcrt1zero"] = 0
	gw := newGateway(t, node, newMemStore(), memory.NewWalletRepo(), lock.NewMemory())
	ctx := context.Background()

	res, err := gw.SendPayment(ctx, 0, "lnbcrt5m1fixed")
	require.NoError(t, err)
	require.Equal(t, int64(500000), res.AmountSatoshis)

	_, err = gw.SendPayment(ctx, 1000, "lnbcrt5m1fixed")
	require.ErrorIs(t, err, errs.ErrInvalidAmount)

	_, err = gw.SendPayment(ctx, 0, "lnbcrt1zero")
	require.ErrorIs(t, err, errs.ErrInvalidAmount)

	res, err = gw.SendPayment(ctx, 777, "lnbcrt1zero")
	require.NoError(t, err)
	require.Equal(t, int64(777), res.AmountSatoshis)
	require.Equal(t, []int64{0, 777}, node.invoiced)
}

func TestSendPayment_Failures(t *testing.T) {
	node := newFakeNode(lnd.StateRPCActive)
	node.payErr = errs.ErrPaymentFailed
	gw := newGateway(t, node, newMemStore(), memory.NewWalletRepo(), lock.NewMemory())

	res, err := gw.SendPayment(context.Background(), 10, testPubkey)
	require.ErrorIs(t, err, errs.ErrPaymentFailed)
	require.Equal(t, "payment_failed", res.ErrorKind)

	_, err = gw.SendPayment(context.Background(), 10, "not-a-destination")
	require.ErrorIs(t, err, errs.ErrInvalidIntent)
}

func TestDestinationClassifiers(t *testing.T) {
	require.True(t, IsInvoice("LNBC1..."))
	require.False(t, IsInvoice(testPubkey))
	require.True(t, IsPubkey(testPubkey))
	require.False(t, IsPubkey("04"+testPubkey[2:]))
	require.False(t, IsPubkey(testPubkey[:64]))
}
