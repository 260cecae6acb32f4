//go:build !linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/asdfmi/bluetooth-chat/internal/config"
	"github.com/asdfmi/bluetooth-chat/internal/connmgr"
	"github.com/asdfmi/bluetooth-chat/internal/transport/tcp"
)

func newTransport(cfg config.Config, _ *zap.Logger) (connmgr.Transport, func() error, error) {
	if cfg.Transport == config.TransportTCP {
		return tcp.New(cfg.ListenAddr), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("transport %q requires linux; use --transport tcp", cfg.Transport)
}

func addPlatformCommands(*cobra.Command, *rootOptions) {}
