//go:build linux

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/asdfmi/bluetooth-chat/internal/config"
	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
	"github.com/asdfmi/bluetooth-chat/internal/logging"
	"github.com/asdfmi/bluetooth-chat/internal/transport/bluez"
	"github.com/asdfmi/bluetooth-chat/internal/transport/tcp"
)

func bluezOptions(cfg config.Config) bluez.Options {
	return bluez.Options{
		ServiceName: cfg.ServiceName,
		UUID:        cfg.ServiceUUID,
		Channel:     cfg.Channel,
	}
}

// newTransport returns the configured transport and a function releasing it.
func newTransport(cfg config.Config, log *zap.Logger) (connmgr.Transport, func() error, error) {
	switch cfg.Transport {
	case config.TransportTCP:
		return tcp.New(cfg.ListenAddr), func() error { return nil }, nil
	case config.TransportBlueZ:
		tr := bluez.New(bluezOptions(cfg), log.Named("bluez"))
		return tr, tr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func addPlatformCommands(root *cobra.Command, opts *rootOptions) {
	root.AddCommand(newScanCmd(opts))
}

func newScanCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices advertising the chat service",
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

			tr := bluez.New(bluezOptions(cfg), log.Named("bluez"))
			defer func() { _ = tr.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			devs, err := tr.Scan(ctx)
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(devs) == 0 {
				fmt.Fprintln(out, "no devices found")
				return nil
			}
			for i, d := range devs {
				fmt.Fprintf(out, "[%d] Path=%s MAC=%s Name=%s Alias=%s\n", i, d.Path, d.MAC, d.Name, d.Alias)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "discovery duration")
	return cmd
}
