// Package grpcserver exposes the SatLink wallet API handlers.
package grpcserver

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/service"
	"github.com/and161185/satlink/internal/walletrpc"
)

// Server wires the wallet gateway into gRPC handlers.
type Server struct {
	wallets service.WalletGateway
}

var _ walletrpc.WalletServiceServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(wallets service.WalletGateway) *Server {
	return &Server{wallets: wallets}
}

func userID(ctx context.Context) (string, error) {
	id, ok := UserIDFromCtx(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "unauthorized: no auth")
	}
	return id, nil
}

// ProvisionWallet creates or unlocks the caller's wallet.
func (s *Server) ProvisionWallet(ctx context.Context, _ *walletrpc.ProvisionWalletRequest) (*walletrpc.ProvisionWalletResponse, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.wallets.ProvisionWallet(ctx, uid)
	if err != nil {
		return nil, walletrpc.Status(err)
	}
	return &walletrpc.ProvisionWalletResponse{WalletID: res.WalletID, Pubkey: res.Pubkey, Address: res.Address}, nil
}

// GetWallet returns the caller's persisted wallet record.
func (s *Server) GetWallet(ctx context.Context, _ *walletrpc.GetWalletRequest) (*walletrpc.GetWalletResponse, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.wallets.GetWallet(ctx, uid)
	if err != nil {
		return nil, walletrpc.Status(err)
	}
	return &walletrpc.GetWalletResponse{
		WalletID:  rec.WalletName,
		Pubkey:    rec.Pubkey,
		Address:   rec.Address,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// SendPayment pays a bolt11 invoice or a node pubkey from the caller's wallet.
func (s *Server) SendPayment(ctx context.Context, req *walletrpc.SendPaymentRequest) (*walletrpc.SendPaymentResponse, error) {
	if _, err := userID(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Destination) == "" {
		return nil, status.Error(codes.InvalidArgument, "invalid_intent: empty destination")
	}
	if req.AmountSat < 0 {
		return nil, walletrpc.Status(errs.ErrInvalidAmount)
	}
	res, err := s.wallets.SendPayment(ctx, req.AmountSat, req.Destination)
	if err != nil {
		return nil, walletrpc.Status(err)
	}
	return &walletrpc.SendPaymentResponse{Result: res}, nil
}

// ConvertBTC converts a decimal BTC string to satoshis.
func (s *Server) ConvertBTC(_ context.Context, req *walletrpc.ConvertBTCRequest) (*walletrpc.ConvertBTCResponse, error) {
	sat, err := service.ParseBTC(req.BTC)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidAmount) {
			return nil, walletrpc.Status(err)
		}
		return nil, status.Errorf(codes.Internal, "convert: %v", err)
	}
	return &walletrpc.ConvertBTCResponse{Satoshis: sat}, nil
}
