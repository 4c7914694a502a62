package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/satlink/internal/limiter"
	"github.com/and161185/satlink/internal/walletrpc"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "10.0.0.7:51000" }

func TestLoggingUnary_LevelByCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		wantLevel zapcore.Level
		wantCode  string
	}{
		{"ok", nil, zapcore.InfoLevel, "OK"},
		{"domain error", status.Error(codes.FailedPrecondition, "wallet_state: locked"), zapcore.InfoLevel, "FailedPrecondition"},
		{"internal", status.Error(codes.Internal, "internal error"), zapcore.ErrorLevel, "Internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			ic := LoggingUnary(zap.New(core))
			ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
			info := &grpc.UnaryServerInfo{FullMethod: walletrpc.MethodSendPayment}

			_, err := ic(ctx, &walletrpc.SendPaymentRequest{AmountSat: 1}, info, func(context.Context, any) (any, error) {
				return &walletrpc.SendPaymentResponse{}, tc.err
			})
			if !errors.Is(err, tc.err) {
				t.Fatalf("handler error not passed through: %v", err)
			}
			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("want one log entry, got %d", len(entries))
			}
			e := entries[0]
			if e.Level != tc.wantLevel {
				t.Fatalf("level %s, want %s", e.Level, tc.wantLevel)
			}
			fields := e.ContextMap()
			if fields["method"] != walletrpc.MethodSendPayment || fields["code"] != tc.wantCode || fields["peer"] != "10.0.0.7:51000" {
				t.Fatalf("unexpected fields: %v", fields)
			}
			if _, ok := fields["req"]; ok {
				t.Fatalf("request payload must not be logged")
			}
		})
	}
}

func TestRecoverUnary(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	ic := RecoverUnary(zap.New(core))
	info := &grpc.UnaryServerInfo{FullMethod: walletrpc.MethodProvisionWallet}

	_, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		var m map[string]int
		m["x"]++ // nil map write
		return nil, nil
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}
	if logs.FilterMessage("panic").Len() != 1 {
		t.Fatalf("panic not logged")
	}

	resp, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return &walletrpc.ProvisionWalletResponse{WalletID: "w"}, nil
	})
	if err != nil || resp.(*walletrpc.ProvisionWalletResponse).WalletID != "w" {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}
}

func TestRateLimitUnary_PerUserBudget(t *testing.T) {
	t.Parallel()

	l, err := limiter.NewMemory(1, 2, 16)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ic := RateLimitUnary(l, zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/satlink.v1.WalletService/SendPayment"}
	h := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	alice := WithUserID(context.Background(), "alice")
	for i := 0; i < 2; i++ {
		if _, err := ic(alice, nil, info, h); err != nil {
			t.Fatalf("call %d within burst: %v", i, err)
		}
	}
	_, err = ic(alice, nil, info, h)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("want ResourceExhausted, got %v", err)
	}

	// Other callers keep their own budget.
	if _, err := ic(WithUserID(context.Background(), "bob"), nil, info, h); err != nil {
		t.Fatalf("bob: %v", err)
	}
	anon := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	if _, err := ic(anon, nil, info, h); err != nil {
		t.Fatalf("anonymous: %v", err)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("store down")
}

func TestRateLimitUnary_FailsOpen(t *testing.T) {
	t.Parallel()

	ic := RateLimitUnary(brokenLimiter{}, zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/satlink.v1.WalletService/GetWallet"}
	resp, err := ic(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) { return 1, nil })
	if err != nil || resp.(int) != 1 {
		t.Fatalf("want pass-through, got %v %v", resp, err)
	}
}

func Test_remoteHost(t *testing.T) {
	t.Parallel()

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	if got := remoteHost(ctx); got != "10.0.0.7" {
		t.Fatalf("remoteHost=%q", got)
	}
	if got := remoteHost(context.Background()); got != "" {
		t.Fatalf("remoteHost without peer=%q", got)
	}

	cases := map[string]string{
		"[::1]:443":              "::1",
		"[fe80::1%eth0]:51000":   "fe80::1%eth0",
		"/run/satlink/grpc.sock": "/run/satlink/grpc.sock",
		"192.168.1.20:8443":      "192.168.1.20",
	}
	for addr, want := range cases {
		ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: staticAddr(addr)})
		if got := remoteHost(ctx); got != want {
			t.Fatalf("remoteHost(%s)=%q, want %q", addr, got, want)
		}
	}
}

type staticAddr string

func (a staticAddr) Network() string { return "tcp" }
func (a staticAddr) String() string  { return string(a) }
