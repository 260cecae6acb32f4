package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/asdfmi/bluetooth-chat/internal/config"
	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
	"github.com/asdfmi/bluetooth-chat/internal/logging"
	"github.com/asdfmi/bluetooth-chat/internal/metrics"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var peer connmgr.Peer
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Listen for a peer, optionally dial one, and chat over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.Development)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg, log, peer, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&peer.Address, "peer", "", "peer address to dial (MAC, BlueZ device path, or host:port)")
	cmd.Flags().StringVar(&peer.Name, "peer-name", "", "display name for --peer")
	return cmd
}

func runChat(ctx context.Context, cfg config.Config, log *zap.Logger, peer connmgr.Peer, in io.Reader, out io.Writer) (err error) {
	tr, release, err := newTransport(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, release()) }()

	con := newConsole(out)
	reg := prometheus.NewRegistry()
	mgr := connmgr.New(tr, metrics.NewObserver(reg, con), connmgr.WithLogger(log.Named("connmgr")))
	defer func() { err = multierr.Append(err, mgr.Close()) }()

	if err := mgr.StartListening(); err != nil {
		return err
	}
	if peer.Address != "" {
		if err := mgr.ConnectTo(peer); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// The scanner cannot be interrupted, so it runs outside the group.
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			log.Warn("btchat: read stdin", zap.Error(err))
		}
	}()

	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := send(mgr, con, line); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}

// send forwards one input line. Failures that leave the session usable are
// reported on the console and swallowed.
func send(mgr *connmgr.Manager, con *console, line string) error {
	err := mgr.Send([]byte(line))
	switch {
	case err == nil:
		con.sent(line)
		return nil
	case errors.Is(err, connmgr.ErrNotConnected):
		con.notConnected()
		return nil
	case errors.Is(err, connmgr.ErrWriteFailed):
		con.printf("! send failed")
		return nil
	default:
		return err
	}
}
