package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/satlink/internal/model"
	"github.com/and161185/satlink/internal/walletrpc"
)

// walletAPI is the part of the daemon client the CLI uses.
type walletAPI interface {
	ProvisionWallet(ctx context.Context, opts ...grpc.CallOption) (*walletrpc.ProvisionWalletResponse, error)
	GetWallet(ctx context.Context, opts ...grpc.CallOption) (*walletrpc.GetWalletResponse, error)
	ConvertBTC(ctx context.Context, btc string, opts ...grpc.CallOption) (int64, error)
	SendPayment(ctx context.Context, amountSat int64, dest string) (model.PaymentResult, error)
}

var _ walletAPI = (*walletrpc.Client)(nil)

type bearerCreds struct{ token string }

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return true }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(addr, caPath string, insecure bool, bearer string) (*grpc.ClientConn, error) {
	creds, err := loadTLS(caPath, insecure)
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer}))
	}
	return grpc.NewClient(addr, opts...)
}

// dialWallet connects to the wallet daemon with the configured token.
func dialWallet(a *app) (walletAPI, func(), error) {
	if a.token == "" {
		return nil, nil, errors.New("no access token: pass --token or set SATLINK_TOKEN")
	}
	cc, err := dial(a.server, a.caPath, a.insecure, a.token)
	if err != nil {
		return nil, nil, err
	}
	return walletrpc.NewClient(cc), func() { _ = cc.Close() }, nil
}
