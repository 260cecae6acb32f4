// Package config loads btchat settings from defaults, an optional YAML file
// and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportBlueZ = "bluez"
	TransportTCP   = "tcp"
)

const (
	// DefaultServiceName and DefaultServiceUUID identify the chat service in
	// the SDP record. Both sides must agree on the UUID.
	DefaultServiceName = "BluetoothChatSecure"
	DefaultServiceUUID = "fa87c0d0-afac-11de-8a39-0800200c9a66"

	// DefaultChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultChannel uint16 = 22

	DefaultListenAddr = ":7777"
)

// Config holds every setting of the btchat command.
type Config struct {
	Transport   string `yaml:"transport"`
	ServiceName string `yaml:"service_name"`
	ServiceUUID string `yaml:"service_uuid"`
	Channel     uint16 `yaml:"channel"`
	// ListenAddr is used by the tcp transport only.
	ListenAddr  string `yaml:"listen_addr"`
	LogLevel    string `yaml:"log_level"`
	Development bool   `yaml:"development"`
	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transport:   TransportBlueZ,
		ServiceName: DefaultServiceName,
		ServiceUUID: DefaultServiceUUID,
		Channel:     DefaultChannel,
		ListenAddr:  DefaultListenAddr,
		LogLevel:    "info",
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportBlueZ, TransportTCP:
	default:
		errs = append(errs, fmt.Errorf("config: unknown transport %q", c.Transport))
	}
	if c.Transport == TransportBlueZ {
		if c.ServiceName == "" {
			errs = append(errs, errors.New("config: service_name required"))
		}
		if _, err := uuid.Parse(c.ServiceUUID); err != nil {
			errs = append(errs, fmt.Errorf("config: service_uuid: %w", err))
		}
		// RFCOMM channels are 1..30.
		if c.Channel < 1 || c.Channel > 30 {
			errs = append(errs, fmt.Errorf("config: channel %d out of range 1..30", c.Channel))
		}
	}
	if c.Transport == TransportTCP && c.ListenAddr == "" {
		errs = append(errs, errors.New("config: listen_addr required for tcp"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: log_level: %w", err))
	}
	return errors.Join(errs...)
}
