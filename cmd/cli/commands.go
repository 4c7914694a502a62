package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/satlink/internal/model"
	"github.com/and161185/satlink/internal/service"
	"github.com/and161185/satlink/internal/session"
	"github.com/and161185/satlink/internal/transport"
)

func defaultTransport(a *app) (*transport.Manager, error) {
	sim := transport.NewSimulated(transport.SimConfig{Destination: a.cfg.Transport.SimDestination}, a.log.Named("sim"))
	var radio transport.Backend
	if !a.simulated {
		r, err := transport.NewRadio(a.log.Named("radio"))
		if err != nil {
			a.log.Warn("radio unavailable", zap.Error(err))
		} else {
			radio = r
		}
	}
	return transport.NewManager(radio, sim, a.log.Named("transport"), transport.Options{
		ScanTimeout:    a.cfg.Transport.ScanTimeout,
		ConnectRetries: a.cfg.Transport.ConnectRetries,
		RetryBackoff:   a.cfg.Transport.RetryBackoff,
	})
}

func (a *app) sessionConfig(dest string) session.Config {
	return session.Config{
		PeerTimeout:     a.cfg.Transport.ScanTimeout,
		ExchangeTimeout: a.cfg.Transport.ExchangeTimeout,
		RPCTimeout:      a.cfg.Node.RPCTimeout,
		Destination:     dest,
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) scanCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby SatLink devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tr, err := a.newTransport(a)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			evs, unsub := tr.Subscribe()
			defer unsub()
			if err := tr.StartScan(); err != nil {
				return err
			}
			defer tr.StopScan()

			for {
				select {
				case <-ctx.Done():
					return a.printPeers(transport.RankCandidates(tr.Discovered()), jsonOut)
				case ev, ok := <-evs:
					if !ok || ev.Kind == transport.ScanStopped {
						return a.printPeers(transport.RankCandidates(tr.Discovered()), jsonOut)
					}
					if ev.Kind == transport.DeviceDiscovered && ev.Peer != nil && !jsonOut {
						fmt.Fprintf(a.out, "found %s\n", peerLine(*ev.Peer))
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the final list as JSON")
	return cmd
}

func (a *app) printPeers(peers []model.PeerDevice, jsonOut bool) error {
	if jsonOut {
		return printJSON(a.out, peers)
	}
	if len(peers) == 0 {
		_, err := fmt.Fprintln(a.out, "no SatLink peers found")
		return err
	}
	fmt.Fprintln(a.out, "candidates:")
	for _, p := range peers {
		fmt.Fprintf(a.out, "  %s\n", peerLine(p))
	}
	return nil
}

func peerLine(p model.PeerDevice) string {
	name := p.DisplayName
	if name == "" {
		name = "(unnamed)"
	}
	line := fmt.Sprintf("%-20s %s", name, p.ID)
	if rssi, ok := p.RSSI(); ok {
		line += fmt.Sprintf(" %d dBm", rssi)
	}
	if p.Simulated {
		line += " [sim]"
	}
	return line
}

func (a *app) sendCmd() *cobra.Command {
	var (
		btc, to, dest, note string
		sat                 int64
		retries             int
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Pay a nearby device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			amount, err := amountFlag(btc, sat)
			if err != nil {
				return err
			}
			payer, closePayer, err := a.newPayer(a)
			if err != nil {
				return err
			}
			defer closePayer()
			tr, err := a.newTransport(a)
			if err != nil {
				return err
			}
			defer tr.Close()

			cfg := a.sessionConfig("")
			cfg.ConnectRetries = retries
			orch := session.New(tr, payer, cfg, a.log.Named("session"))
			defer orch.Close()

			intent := model.PaymentIntent{
				SenderID:       a.cfg.Client.UserID,
				ReceiverID:     to,
				AmountSatoshis: amount,
				Note:           note,
			}
			var opts []session.SendOption
			if dest != "" {
				opts = append(opts, session.WithDestination(dest))
			}
			return a.follow(cmd.Context(), orch, func() (*session.Session, error) {
				return orch.StartSend(intent, opts...)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&btc, "btc", "", "amount in BTC, e.g. 0.005")
	f.Int64Var(&sat, "sat", 0, "amount in satoshis")
	f.StringVar(&to, "to", "", "receiver device id (default: strongest nearby peer)")
	f.StringVar(&dest, "dest", "", "pay this invoice or node pubkey instead of the receiver's")
	f.StringVar(&note, "note", "", "note attached to the intent")
	f.IntVar(&retries, "retries", 0, "radio connect attempts for --to (default SATLINK_CONNECT_RETRIES)")
	cmd.MarkFlagsMutuallyExclusive("btc", "sat")
	return cmd
}

func amountFlag(btc string, sat int64) (int64, error) {
	switch {
	case btc != "":
		return service.ParseBTC(btc)
	case sat > 0:
		return sat, nil
	default:
		return 0, errors.New("amount required: pass --btc or --sat")
	}
}

func (a *app) receiveCmd() *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Wait for a nearby device to pay you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var dest string
			if a.token != "" {
				w, closeW, err := a.newPayer(a)
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Node.RPCTimeout)
				info, err := w.GetWallet(ctx)
				cancel()
				closeW()
				if err != nil {
					return fmt.Errorf("wallet: %w", err)
				}
				dest = info.Pubkey
				fmt.Fprintf(a.out, "receiving to %s\n", info.Pubkey)
				if qr && info.Address != "" {
					if err := printQR(a, info.Address); err != nil {
						return err
					}
				}
			}

			tr, err := a.newTransport(a)
			if err != nil {
				return err
			}
			defer tr.Close()
			orch := session.New(tr, nil, a.sessionConfig(dest), a.log.Named("session"))
			defer orch.Close()

			selfID, selfName := a.cfg.Client.UserID, a.cfg.Client.DisplayName
			if selfID == "" {
				selfID = "local"
			}
			if selfName == "" {
				selfName = transport.AdvertisedPrefix + "-" + selfID
			}
			return a.follow(cmd.Context(), orch, func() (*session.Session, error) {
				return orch.StartReceive(selfID, selfName)
			})
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", true, "show the on-chain address as a QR code")
	return cmd
}

// follow starts a session, prints its transitions and waits for the end.
// An interrupt cancels the session.
func (a *app) follow(parent context.Context, orch *session.Orchestrator, start func() (*session.Session, error)) error {
	ctx, stop := signalContext(parent)
	defer stop()

	evs, unsub := orch.Subscribe()
	defer unsub()

	s, err := start()
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.Done():
		}
	}()

	for {
		select {
		case ev := <-evs:
			if ev.SessionID != s.ID {
				continue
			}
			a.printEvent(ev)
		case <-s.Done():
			for drained := false; !drained; {
				select {
				case ev := <-evs:
					if ev.SessionID == s.ID {
						a.printEvent(ev)
					}
				default:
					drained = true
				}
			}
			res, err := s.Wait(context.Background())
			if err != nil {
				if res.Success {
					fmt.Fprintf(a.out, "paid %s BTC (%d sat) to %s, payment hash %s\n",
						service.FormatSAT(res.AmountSatoshis), res.AmountSatoshis, res.Counterparty, res.PaymentHash)
				}
				return err
			}
			fmt.Fprintf(a.out, "settled %s BTC (%d sat)\n", service.FormatSAT(res.AmountSatoshis), res.AmountSatoshis)
			return nil
		}
	}
}

func (a *app) printEvent(ev model.SessionEvent) {
	line := ev.State.String()
	if ev.Peer != nil {
		line += " " + peerLine(*ev.Peer)
	}
	if ev.ErrorKind != "" {
		line += " (" + ev.ErrorKind + ")"
	}
	fmt.Fprintln(a.out, line)
}

func (a *app) provisionCmd() *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create or unlock your wallet on the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, closeW, err := a.newPayer(a)
			if err != nil {
				return err
			}
			defer closeW()
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*a.cfg.Node.RPCTimeout)
			defer cancel()
			res, err := w.ProvisionWallet(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(a.out, res); err != nil {
				return err
			}
			if qr && res.Address != "" {
				return printQR(a, res.Address)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "also show the address as a QR code")
	return cmd
}

func (a *app) walletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Show your wallet record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, closeW, err := a.newPayer(a)
			if err != nil {
				return err
			}
			defer closeW()
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Node.RPCTimeout)
			defer cancel()
			res, err := w.GetWallet(ctx)
			if err != nil {
				return err
			}
			return printJSON(a.out, res)
		},
	}
}

func (a *app) convertCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "convert <btc>",
		Short: "Convert a BTC amount to satoshis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				sat int64
				err error
			)
			if remote {
				w, closeW, derr := a.newPayer(a)
				if derr != nil {
					return derr
				}
				defer closeW()
				ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Node.RPCTimeout)
				defer cancel()
				sat, err = w.ConvertBTC(ctx, args[0])
			} else {
				sat, err = service.ParseBTC(args[0])
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, sat)
			return err
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the wallet daemon instead of converting locally")
	return cmd
}

func printQR(a *app, content string) error {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("qr: %w", err)
	}
	_, err = fmt.Fprint(a.out, q.ToSmallString(false))
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
