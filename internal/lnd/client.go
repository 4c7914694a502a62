// Package lnd is a minimal client for the LND REST gateway.
//
// Every request carries the admin macaroon in the Grpc-Metadata-macaroon
// header and is sent over TLS pinned to the node's certificate.
package lnd

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/satlink/internal/crypto"
	"github.com/and161185/satlink/internal/errs"
)

const (
	defaultTimeout = 10 * time.Second
	maxBody        = 1 << 20

	// KeysendRecord is the custom record type carrying the keysend preimage.
	KeysendRecord = 5482373484
)

// Config describes how to reach the node.
type Config struct {
	BaseURL            string // e.g. https://127.0.0.1:8080
	TLSCertPath        string // node tls.cert (PEM); pinned as the only root
	MacaroonPath       string // binary admin.macaroon
	MacaroonHex        string // alternative to MacaroonPath
	InsecureSkipVerify bool   // dev only
	Timeout            time.Duration
	HTTPClient         *http.Client // overrides TLS settings when set
}

// Client calls the node REST API.
type Client struct {
	base     string
	macaroon string
	http     *http.Client
	timeout  time.Duration
	log      *zap.Logger
}

// New validates cfg and builds a client.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("lnd: bad base url %q", cfg.BaseURL)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("lnd: base url must be https, got %q", u.Scheme)
	}

	mac := strings.TrimSpace(cfg.MacaroonHex)
	if mac == "" && cfg.MacaroonPath != "" {
		raw, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("lnd: read macaroon: %w", err)
		}
		mac = hex.EncodeToString(raw)
	}
	if mac == "" {
		return nil, errors.New("lnd: macaroon is required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		tlsCfg, err := loadTLS(cfg.TLSCertPath, cfg.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		if cfg.InsecureSkipVerify {
			log.Warn("lnd TLS verification disabled")
		}
		hc = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:     strings.TrimRight(u.String(), "/"),
		macaroon: mac,
		http:     hc,
		timeout:  timeout,
		log:      log,
	}, nil
}

func loadTLS(certPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // explicit dev flag
	}
	if certPath == "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
	pem, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("lnd: read tls cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("lnd: bad tls cert")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// do sends one request and decodes a JSON response into out (may be nil).
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("lnd: marshal %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("lnd: new request: %w", err)
	}
	req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("lnd request failed", zap.String("path", path), zap.Error(err))
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("lnd %s %s: %w", method, path, err)
		}
		return fmt.Errorf("lnd %s %s: %w: %v", method, path, errs.ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("lnd %s %s: %w: read body: %v", method, path, errs.ErrNodeUnreachable, err)
	}
	c.log.Debug("lnd request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("lnd %s %s: %w", method, path, newAPIError(resp.StatusCode, b))
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("lnd %s %s: %w: decode: %v", method, path, errs.ErrWalletState, err)
	}
	return nil
}

// State returns the wallet state.
func (c *Client) State(ctx context.Context) (WalletState, error) {
	var out struct {
		State WalletState `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/state", nil, &out); err != nil {
		return "", err
	}
	if out.State == "" {
		// Older nodes omit the zero enum value.
		return StateNonExisting, nil
	}
	return out.State, nil
}

// GenSeed asks the node for a fresh aezeed mnemonic.
func (c *Client) GenSeed(ctx context.Context) ([]string, error) {
	var out struct {
		Mnemonic []string `json:"cipher_seed_mnemonic"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/genseed", nil, &out); err != nil {
		return nil, err
	}
	if len(out.Mnemonic) == 0 {
		return nil, fmt.Errorf("lnd genseed: %w: empty mnemonic", errs.ErrWalletState)
	}
	return out.Mnemonic, nil
}

// InitWallet creates the node wallet from password and seed.
func (c *Client) InitWallet(ctx context.Context, password string, seed []string) error {
	in := map[string]any{
		"wallet_password":      []byte(password),
		"cipher_seed_mnemonic": seed,
	}
	return c.do(ctx, http.MethodPost, "/v1/initwallet", in, nil)
}

// UnlockWallet unlocks an existing wallet.
func (c *Client) UnlockWallet(ctx context.Context, password string) error {
	in := map[string]any{"wallet_password": []byte(password)}
	return c.do(ctx, http.MethodPost, "/v1/unlockwallet", in, nil)
}

// GetInfo returns node identity.
func (c *Client) GetInfo(ctx context.Context) (Info, error) {
	var out Info
	err := c.do(ctx, http.MethodGet, "/v1/getinfo", nil, &out)
	return out, err
}

// NewAddress returns a fresh native segwit address.
func (c *Client) NewAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/newaddress?type=WITNESS_PUBKEY_HASH", nil, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// DecodePayReq decodes a bolt11 invoice.
func (c *Client) DecodePayReq(ctx context.Context, payReq string) (PayReq, error) {
	var out PayReq
	err := c.do(ctx, http.MethodGet, "/v1/payreq/"+url.PathEscape(payReq), nil, &out)
	return out, err
}

// PayInvoice pays a bolt11 invoice. amtSat is sent only for zero-amount invoices.
func (c *Client) PayInvoice(ctx context.Context, payReq string, amtSat int64) (Payment, error) {
	in := map[string]any{"payment_request": payReq}
	if amtSat > 0 {
		in["amt"] = strconv.FormatInt(amtSat, 10)
	}
	return c.send(ctx, "/v1/channels/transactions", in)
}

// Keysend pays amtSat to a node pubkey without an invoice.
func (c *Client) Keysend(ctx context.Context, destHex string, amtSat int64) (Payment, error) {
	dest, err := hex.DecodeString(destHex)
	if err != nil || len(dest) != 33 {
		return Payment{}, fmt.Errorf("lnd keysend: %w: bad destination pubkey", errs.ErrInvalidIntent)
	}
	preimage, err := crypto.RandBytes(32)
	if err != nil {
		return Payment{}, fmt.Errorf("lnd keysend: preimage: %w", err)
	}
	hash := sha256.Sum256(preimage)
	in := map[string]any{
		"dest":         dest,
		"amt":          strconv.FormatInt(amtSat, 10),
		"payment_hash": hash[:],
		"dest_custom_records": map[string]string{
			strconv.FormatUint(KeysendRecord, 10): base64.StdEncoding.EncodeToString(preimage),
		},
	}
	return c.send(ctx, "/v1/channels/transactions", in)
}

func (c *Client) send(ctx context.Context, path string, in any) (Payment, error) {
	var out Payment
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return out, err
	}
	if out.PaymentError != "" {
		return out, fmt.Errorf("lnd pay: %w: %s", errs.ErrPaymentFailed, out.PaymentError)
	}
	return out, nil
}
