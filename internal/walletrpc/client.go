package walletrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/and161185/satlink/internal/model"
)

// Client calls satlink.v1.WalletService. Errors are converted back to errs sentinels.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return FromStatus(c.cc.Invoke(ctx, method, in, out, opts...))
}

// ProvisionWallet makes sure the caller's wallet exists and is unlocked.
func (c *Client) ProvisionWallet(ctx context.Context, opts ...grpc.CallOption) (*ProvisionWalletResponse, error) {
	out := new(ProvisionWalletResponse)
	if err := c.invoke(ctx, MethodProvisionWallet, &ProvisionWalletRequest{}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// GetWallet returns the caller's wallet record.
func (c *Client) GetWallet(ctx context.Context, opts ...grpc.CallOption) (*GetWalletResponse, error) {
	out := new(GetWalletResponse)
	if err := c.invoke(ctx, MethodGetWallet, &GetWalletRequest{}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// ConvertBTC converts a decimal BTC string to satoshis on the server.
func (c *Client) ConvertBTC(ctx context.Context, btc string, opts ...grpc.CallOption) (int64, error) {
	out := new(ConvertBTCResponse)
	if err := c.invoke(ctx, MethodConvertBTC, &ConvertBTCRequest{BTC: btc}, out, opts); err != nil {
		return 0, err
	}
	return out.Satoshis, nil
}

// SendPayment pays dest from the caller's wallet. The result is returned
// even on failure when the server produced one.
func (c *Client) SendPayment(ctx context.Context, amountSat int64, dest string) (model.PaymentResult, error) {
	out := new(SendPaymentResponse)
	err := c.invoke(ctx, MethodSendPayment, &SendPaymentRequest{AmountSat: amountSat, Destination: dest}, out, nil)
	if err != nil {
		return model.PaymentResult{AmountSatoshis: amountSat, Counterparty: dest}, err
	}
	return out.Result, nil
}
