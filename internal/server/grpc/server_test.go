package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/limiter"
	"github.com/and161185/satlink/internal/model"
	"github.com/and161185/satlink/internal/walletrpc"
)

type fakeWallets struct {
	provisioned []string
	provErr     error
	sent        []int64
	sendErr     error
	records     map[string]model.WalletRecord
}

func (f *fakeWallets) ProvisionWallet(_ context.Context, userID string) (model.ProvisionResult, error) {
	if f.provErr != nil {
		return model.ProvisionResult{}, f.provErr
	}
	f.provisioned = append(f.provisioned, userID)
	return model.ProvisionResult{WalletID: "wallet-" + userID, Pubkey: "02ab", Address: "bcrt1qxyz"}, nil
}

func (f *fakeWallets) GetWallet(_ context.Context, userID string) (*model.WalletRecord, error) {
	rec, ok := f.records[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

func (f *fakeWallets) SendPayment(_ context.Context, amountSat int64, dest string) (model.PaymentResult, error) {
	f.sent = append(f.sent, amountSat)
	if f.sendErr != nil {
		return model.PaymentResult{}, f.sendErr
	}
	return model.PaymentResult{Success: true, AmountSatoshis: amountSat, Counterparty: dest, PaymentHash: "beef"}, nil
}

const bufSize = 1 << 20

var testKey = []byte("test-signing-key")

func startBufGRPC(t *testing.T, srv *Server, opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(opts...)
	walletrpc.RegisterWalletServiceServer(gs, srv)
	healthpb.RegisterHealthServer(gs, health.NewServer())
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return cc
}

func withInterceptors(t *testing.T, l limiter.Limiter) grpc.ServerOption {
	log := zaptest.NewLogger(t)
	ics := []grpc.UnaryServerInterceptor{RecoverUnary(log), LoggingUnary(log), AuthUnary(testKey)}
	if l != nil {
		ics = append(ics, RateLimitUnary(l, log))
	}
	return grpc.ChainUnaryInterceptor(ics...)
}

func authed(t *testing.T, sub string) context.Context {
	t.Helper()
	tok := makeJWT(t, sub, testKey, jwt.SigningMethodHS256, time.Now(), time.Hour)
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func TestServer_ProvisionAndGetWallet(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fw := &fakeWallets{records: map[string]model.WalletRecord{
		"alice": {UserID: "alice", WalletName: "wallet-alice", Pubkey: "02ab", Address: "bcrt1qxyz", CreatedAt: created},
	}}
	cli := walletrpc.NewClient(startBufGRPC(t, New(fw), withInterceptors(t, nil)))

	res, err := cli.ProvisionWallet(authed(t, "alice"))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if res.WalletID != "wallet-alice" || res.Address != "bcrt1qxyz" {
		t.Fatalf("unexpected provision result: %+v", res)
	}
	if len(fw.provisioned) != 1 || fw.provisioned[0] != "alice" {
		t.Fatalf("provisioned for %v", fw.provisioned)
	}

	rec, err := cli.GetWallet(authed(t, "alice"))
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if !rec.CreatedAt.Equal(created) || rec.Pubkey != "02ab" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	_, err = cli.GetWallet(authed(t, "nobody"))
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestServer_Unauthenticated(t *testing.T) {
	t.Parallel()

	cc := startBufGRPC(t, New(&fakeWallets{}), withInterceptors(t, nil))
	cli := walletrpc.NewClient(cc)

	_, err := cli.ProvisionWallet(context.Background())
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}

	// Public endpoints work without a token.
	sat, err := cli.ConvertBTC(context.Background(), "0.005")
	if err != nil || sat != 500000 {
		t.Fatalf("convert: sat=%d err=%v", sat, err)
	}
	hc, err := healthpb.NewHealthClient(cc).Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil || hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health: %v %v", hc, err)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	fw := &fakeWallets{
		provErr: errors.New("provision x: " + "wrapped"),
		sendErr: errs.ErrPaymentFailed,
	}
	cc := startBufGRPC(t, New(fw), withInterceptors(t, nil))
	cli := walletrpc.NewClient(cc)
	ctx := authed(t, "alice")

	_, err := cli.ProvisionWallet(ctx)
	if err == nil || errs.Kind(err) != "internal" {
		t.Fatalf("unknown errors stay internal, got %v", err)
	}

	fw.provErr = errs.ErrCredentialsMissing
	_, err = cli.ProvisionWallet(ctx)
	if !errors.Is(err, errs.ErrCredentialsMissing) {
		t.Fatalf("want ErrCredentialsMissing, got %v", err)
	}

	res, err := cli.SendPayment(ctx, 1000, "02aa")
	if !errors.Is(err, errs.ErrPaymentFailed) || res.Success {
		t.Fatalf("want ErrPaymentFailed, got %v", err)
	}

	_, err = cli.ConvertBTC(ctx, "-1")
	if !errors.Is(err, errs.ErrInvalidAmount) {
		t.Fatalf("want ErrInvalidAmount, got %v", err)
	}

	// Raw status codes for non-Go clients.
	err = cc.Invoke(ctx, walletrpc.MethodSendPayment, &walletrpc.SendPaymentRequest{AmountSat: 1},
		new(walletrpc.SendPaymentResponse), grpc.CallContentSubtype(walletrpc.CodecName))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty destination: want InvalidArgument, got %v", err)
	}
}

func TestServer_SendPayment(t *testing.T) {
	t.Parallel()

	fw := &fakeWallets{}
	cli := walletrpc.NewClient(startBufGRPC(t, New(fw), withInterceptors(t, nil)))

	res, err := cli.SendPayment(authed(t, "alice"), 500000, "lnbcrt5m1xyz")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Success || res.AmountSatoshis != 500000 || res.PaymentHash != "beef" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestServer_RateLimited(t *testing.T) {
	t.Parallel()

	l, err := limiter.NewMemory(1, 1, 16)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	cli := walletrpc.NewClient(startBufGRPC(t, New(&fakeWallets{}), withInterceptors(t, l)))
	ctx := authed(t, "alice")

	if _, err := cli.ProvisionWallet(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err = cli.ProvisionWallet(ctx)
	if !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestServer_HandlersRequireUser(t *testing.T) {
	t.Parallel()

	s := New(&fakeWallets{})
	_, err := s.GetWallet(context.Background(), &walletrpc.GetWalletRequest{})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}
}
