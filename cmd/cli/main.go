// Command satlink is the device CLI: discover peers, send and receive
// payments over the proximity transport, and manage the wallet.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/satlink/internal/config"
	"github.com/and161185/satlink/internal/errs"
	"github.com/and161185/satlink/internal/transport"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app carries what every subcommand shares.
type app struct {
	out io.Writer
	cfg *config.Config
	log *zap.Logger

	envFile   string
	server    string
	caPath    string
	insecure  bool
	token     string
	simulated bool
	dev       bool

	// newTransport builds the transport manager; replaced in tests.
	newTransport func(a *app) (*transport.Manager, error)
	// newPayer dials the wallet daemon; replaced in tests.
	newPayer func(a *app) (walletAPI, func(), error)
}

func newApp(out io.Writer) *app {
	return &app{out: out, log: zap.NewNop(), newTransport: defaultTransport, newPayer: dialWallet}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "satlink",
		Short:         "Lightning payments between nearby devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.envFile, "env", ".env", "optional .env file")
	f.StringVar(&a.server, "server", "", "wallet daemon address (SATLINK_SERVER)")
	f.StringVar(&a.caPath, "cacert", "", "CA certificate for the daemon (PEM)")
	f.BoolVar(&a.insecure, "insecure", false, "skip daemon certificate verification (dev)")
	f.StringVar(&a.token, "token", "", "access token (SATLINK_TOKEN)")
	f.BoolVar(&a.simulated, "simulated", false, "use the simulated transport")
	f.BoolVar(&a.dev, "dev", false, "verbose development logging")

	root.AddCommand(
		a.versionCmd(),
		a.scanCmd(),
		a.sendCmd(),
		a.receiveCmd(),
		a.provisionCmd(),
		a.walletCmd(),
		a.convertCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.server == "" {
		a.server = cfg.Client.Server
	}
	if a.caPath == "" {
		a.caPath = cfg.Client.CAFile
	}
	if a.token == "" {
		a.token = cfg.Client.Token
	}
	a.simulated = a.simulated || cfg.Transport.Simulated
	if a.dev || cfg.Dev {
		if l, err := zap.NewDevelopment(); err == nil {
			a.log = l
		}
	}
	return nil
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(a.out, "satlink %s (%s)\n", version, buildDate)
			return err
		},
	}
}

// retryHint tells the user when running the command again may succeed.
func retryHint(err error) string {
	if !errs.Retryable(err) {
		return ""
	}
	return "hint: the wallet node did not answer in time; try again shortly"
}

func main() {
	a := newApp(os.Stdout)
	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if hint := retryHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
	_ = a.log.Sync()
}
