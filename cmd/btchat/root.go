package main

import (
	"github.com/spf13/cobra"

	"github.com/asdfmi/bluetooth-chat/internal/config"
)

type rootOptions struct {
	configPath  string
	transport   string
	serviceName string
	serviceUUID string
	channel     uint16
	listenAddr  string
	logLevel    string
	development bool
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "btchat",
		Short:         "One-to-one chat over Bluetooth RFCOMM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def := config.Default()
	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	f.StringVar(&opts.transport, "transport", def.Transport, "transport: bluez|tcp")
	f.StringVar(&opts.serviceName, "name", def.ServiceName, "service name advertised in SDP (bluez)")
	f.StringVar(&opts.serviceUUID, "uuid", def.ServiceUUID, "service UUID shared by both peers (bluez)")
	f.Uint16Var(&opts.channel, "channel", def.Channel, "RFCOMM channel of the server profile (bluez)")
	f.StringVar(&opts.listenAddr, "listen-addr", def.ListenAddr, "listen address (tcp)")
	f.StringVar(&opts.logLevel, "log-level", def.LogLevel, "log level: debug|info|warn|error")
	f.BoolVar(&opts.development, "dev", false, "human-readable development logs")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(newChatCmd(opts), newConfigCmd(opts))
	addPlatformCommands(cmd, opts)
	return cmd
}

// load merges the config file with the flags the user actually set.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = o.transport
	}
	if flags.Changed("name") {
		cfg.ServiceName = o.serviceName
	}
	if flags.Changed("uuid") {
		cfg.ServiceUUID = o.serviceUUID
	}
	if flags.Changed("channel") {
		cfg.Channel = o.channel
	}
	if flags.Changed("listen-addr") {
		cfg.ListenAddr = o.listenAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("dev") {
		cfg.Development = o.development
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	return cfg, cfg.Validate()
}
