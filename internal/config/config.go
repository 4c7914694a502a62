// Package config loads SatLink settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every variable name.
const Prefix = "SATLINK_"

type Config struct {
	Dev bool `env:"DEV" envDefault:"false"`

	Node struct {
		URL        string        `env:"NODE_URL" envDefault:"https://127.0.0.1:8080"`
		TLSCert    string        `env:"NODE_TLS_CERT"`
		Macaroon   string        `env:"NODE_MACAROON"`
		Insecure   bool          `env:"NODE_INSECURE" envDefault:"false"`
		Network    string        `env:"NODE_NETWORK" envDefault:"regtest"`
		RPCTimeout time.Duration `env:"NODE_RPC_TIMEOUT" envDefault:"10s"`
	}

	Store struct {
		Kind       string `env:"STORE_KIND" envDefault:"file"` // file | keyring
		Dir        string `env:"STORE_DIR"`
		Passphrase string `env:"STORE_PASSPHRASE"`
	}

	DB struct {
		DSN      string `env:"DATABASE_DSN"`
		MaxConns int32  `env:"DATABASE_MAX_CONNS" envDefault:"8"`
	}

	Lock struct {
		Kind string `env:"LOCK_KIND" envDefault:"memory"` // memory | postgres
	}

	Server struct {
		Addr      string        `env:"SERVER_ADDR" envDefault:":8443"`
		TLSCert   string        `env:"SERVER_TLS_CERT"`
		TLSKey    string        `env:"SERVER_TLS_KEY"`
		JWTKey    string        `env:"JWT_KEY"`
		TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
		RateRPM   int           `env:"RATE_RPM" envDefault:"60"`
		RateBurst int           `env:"RATE_BURST" envDefault:"10"`
	}

	Transport struct {
		Simulated       bool          `env:"SIMULATED" envDefault:"false"`
		ScanTimeout     time.Duration `env:"SCAN_TIMEOUT" envDefault:"30s"`
		ConnectRetries  int           `env:"CONNECT_RETRIES" envDefault:"3"`
		RetryBackoff    time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`
		ExchangeTimeout time.Duration `env:"EXCHANGE_TIMEOUT" envDefault:"10s"`
		SimDestination  string        `env:"SIM_DESTINATION"`
	}

	Client struct {
		Server      string `env:"SERVER" envDefault:"localhost:8443"`
		CAFile      string `env:"CA_FILE"`
		Token       string `env:"TOKEN"`
		UserID      string `env:"USER_ID"`
		DisplayName string `env:"DISPLAY_NAME"`
	}
}

// Load reads the given .env files (default ".env"; missing files are
// skipped) and then the environment. Real environment variables win.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and ranges shared by all binaries.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case "file", "keyring":
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	switch c.Lock.Kind {
	case "memory", "postgres":
	default:
		return fmt.Errorf("config: unknown lock kind %q", c.Lock.Kind)
	}
	if c.Transport.ConnectRetries <= 0 {
		return errors.New("config: connect retries must be positive")
	}
	if c.Server.RateRPM <= 0 || c.Server.RateBurst <= 0 {
		return errors.New("config: rate limit must be positive")
	}
	return nil
}

// ValidateServer adds the checks the wallet daemon needs.
func (c *Config) ValidateServer() error {
	if c.Server.JWTKey == "" {
		return errors.New("config: JWT key is required")
	}
	if c.Store.Kind == "file" && c.Store.Passphrase == "" {
		return errors.New("config: file store needs a passphrase")
	}
	if c.Lock.Kind == "postgres" && c.DB.DSN == "" {
		return errors.New("config: postgres lock needs a database DSN")
	}
	if c.Node.Macaroon == "" {
		return errors.New("config: node macaroon path is required")
	}
	if c.Node.TLSCert == "" && !c.Node.Insecure {
		return errors.New("config: node TLS cert is required unless NODE_INSECURE is set")
	}
	return nil
}

// StoreDir returns the credential directory, defaulting under the user config dir.
func (c *Config) StoreDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "satlink", "wallets")
}
