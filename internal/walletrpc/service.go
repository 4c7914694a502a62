// Package walletrpc defines the satlink.v1.WalletService gRPC API: messages,
// service descriptor and client. Messages travel with the JSON codec.
package walletrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/and161185/satlink/internal/model"
)

const ServiceName = "satlink.v1.WalletService"

// Full method names.
const (
	MethodProvisionWallet = "/" + ServiceName + "/ProvisionWallet"
	MethodGetWallet       = "/" + ServiceName + "/GetWallet"
	MethodSendPayment     = "/" + ServiceName + "/SendPayment"
	MethodConvertBTC      = "/" + ServiceName + "/ConvertBTC"
)

type ProvisionWalletRequest struct{}

type ProvisionWalletResponse struct {
	WalletID string `json:"wallet_id"`
	Pubkey   string `json:"pubkey"`
	Address  string `json:"address"`
}

type GetWalletRequest struct{}

type GetWalletResponse struct {
	WalletID  string    `json:"wallet_id"`
	Pubkey    string    `json:"pubkey"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

type SendPaymentRequest struct {
	AmountSat   int64  `json:"amount_sat"`
	Destination string `json:"destination"` // bolt11 invoice or node pubkey
}

type SendPaymentResponse struct {
	Result model.PaymentResult `json:"result"`
}

// ConvertBTCRequest carries a decimal BTC amount as text, e.g. "0.005".
type ConvertBTCRequest struct {
	BTC string `json:"btc"`
}

type ConvertBTCResponse struct {
	Satoshis int64 `json:"satoshis"`
}

// WalletServiceServer is implemented by the daemon.
type WalletServiceServer interface {
	ProvisionWallet(context.Context, *ProvisionWalletRequest) (*ProvisionWalletResponse, error)
	GetWallet(context.Context, *GetWalletRequest) (*GetWalletResponse, error)
	SendPayment(context.Context, *SendPaymentRequest) (*SendPaymentResponse, error)
	ConvertBTC(context.Context, *ConvertBTCRequest) (*ConvertBTCResponse, error)
}

// RegisterWalletServiceServer registers srv on s.
func RegisterWalletServiceServer(s grpc.ServiceRegistrar, srv WalletServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary builds a method handler for one request type.
func unary[Req any, Resp any](
	method string,
	call func(WalletServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WalletServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WalletServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes satlink.v1.WalletService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WalletServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ProvisionWallet", Handler: unary(MethodProvisionWallet, WalletServiceServer.ProvisionWallet)},
		{MethodName: "GetWallet", Handler: unary(MethodGetWallet, WalletServiceServer.GetWallet)},
		{MethodName: "SendPayment", Handler: unary(MethodSendPayment, WalletServiceServer.SendPayment)},
		{MethodName: "ConvertBTC", Handler: unary(MethodConvertBTC, WalletServiceServer.ConvertBTC)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "satlink/v1/wallet",
}
