// Command satlinkd serves the SatLink wallet API over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/satlink/internal/config"
	"github.com/and161185/satlink/internal/credstore"
	"github.com/and161185/satlink/internal/limiter"
	"github.com/and161185/satlink/internal/lnd"
	"github.com/and161185/satlink/internal/lock"
	"github.com/and161185/satlink/internal/migrate"
	"github.com/and161185/satlink/internal/repository"
	"github.com/and161185/satlink/internal/repository/memory"
	"github.com/and161185/satlink/internal/repository/postgres"
	grpcserver "github.com/and161185/satlink/internal/server/grpc"
	"github.com/and161185/satlink/internal/service"
	"github.com/and161185/satlink/internal/walletrpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, wires the wallet gateway and serves gRPC until signalled.
func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	addr := flag.String("addr", "", "listen address (overrides SATLINK_SERVER_ADDR)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides SATLINK_DATABASE_DSN)")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (overrides SATLINK_JWT_KEY)")
	certFile := flag.String("tls-cert", "", "TLS certificate (PEM)")
	keyFile := flag.String("tls-key", "", "TLS private key (PEM)")
	dev := flag.Bool("dev", false, "development mode: reflection, plaintext allowed")
	issueToken := flag.String("issue-token", "", "print an access token for this user id and exit")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	override(&cfg.Server.Addr, *addr)
	override(&cfg.DB.DSN, *dsn)
	override(&cfg.Server.JWTKey, *jwtKey)
	override(&cfg.Server.TLSCert, *certFile)
	override(&cfg.Server.TLSKey, *keyFile)
	cfg.Dev = cfg.Dev || *dev

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()

	if *issueToken != "" {
		if cfg.Server.JWTKey == "" {
			logger.Fatal("missing jwt signing key (--jwt-key)")
		}
		tok, exp, err := service.IssueAccessToken([]byte(cfg.Server.JWTKey), *issueToken, cfg.Server.TokenTTL)
		if err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}
		fmt.Println(tok)
		fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
		return
	}

	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
		zap.String("network", cfg.Node.Network),
	)
	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Persistence and locking
	var (
		wallets repository.WalletRepository
		locks   lock.Locker = lock.NewMemory()
	)
	if cfg.DB.DSN != "" {
		pending, err := migrate.Pending(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			logger.Info("applying migrations", zap.Int64s("versions", pending))
		}
		if err := migrate.Up(ctx, cfg.DB.DSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DB.DSN, postgres.PoolOptions{MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return err
		}
		defer db.Close()
		wallets = postgres.NewWalletRepo(db)
		if cfg.Lock.Kind == "postgres" {
			locks = lock.NewPG(db.Pool)
		}
	} else {
		logger.Warn("no database configured, wallet records are kept in memory")
		wallets = memory.NewWalletRepo()
	}

	var creds credstore.Store
	switch cfg.Store.Kind {
	case "keyring":
		creds = credstore.NewKeyringStore(credstore.DefaultKeyringService)
	default:
		fs, err := credstore.NewFileStore(cfg.StoreDir(), cfg.Store.Passphrase)
		if err != nil {
			return fmt.Errorf("credential store: %w", err)
		}
		creds = fs
	}

	node, err := lnd.New(lnd.Config{
		BaseURL:            cfg.Node.URL,
		TLSCertPath:        cfg.Node.TLSCert,
		MacaroonPath:       cfg.Node.Macaroon,
		InsecureSkipVerify: cfg.Node.Insecure,
		Timeout:            cfg.Node.RPCTimeout,
	}, logger.Named("lnd"))
	if err != nil {
		return err
	}

	gateway := service.NewWalletGateway(node, creds, wallets, locks, cfg.Node.Network, logger.Named("wallet"))

	lim, err := limiter.NewMemory(cfg.Server.RateRPM, cfg.Server.RateBurst, 0)
	if err != nil {
		return err
	}

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary([]byte(cfg.Server.JWTKey)),
			grpcserver.RateLimitUnary(lim, logger),
		),
	}
	switch {
	case cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "":
		tc, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(tc))
	case cfg.Dev:
		logger.Warn("serving without TLS (dev)")
		opts = append(opts, grpc.Creds(insecure.NewCredentials()))
	default:
		return errors.New("TLS cert and key are required outside dev mode")
	}
	s := grpc.NewServer(opts...)

	walletrpc.RegisterWalletServiceServer(s, grpcserver.New(gateway))

	// Health & reflection (dev)
	hs := health.NewServer()
	hs.SetServingStatus(walletrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}
