// Package config handles agent configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/easyify/printer-hub/internal/protocol"
)

// Config holds all agent configuration.
type Config struct {
	// Connection
	RelayURL string // WebSocket URL of the relay (ws:// or wss://)
	ShopID   string // Shop identity sent in the X-Shop-Id header
	Token    string // Optional bearer token

	// Behavior
	HeartbeatInterval time.Duration // How often to send heartbeats
	PrintTimeout      time.Duration // Per-job TCP connect + write window
	LogLevel          string        // Logging level (debug, info, warn, error)

	// Statically configured printers, reported with each heartbeat.
	Printers []protocol.Device

	// Derived
	Hostname string // System hostname
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		HeartbeatInterval: 30 * time.Second,
		PrintTimeout:      10 * time.Second,
		LogLevel:          "info",
		Hostname:          hostname,
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.RelayURL = os.Getenv("PRINTAGENT_URL")
	if cfg.RelayURL == "" {
		return nil, errors.New("PRINTAGENT_URL is required")
	}

	cfg.ShopID = os.Getenv("PRINTAGENT_SHOP_ID")
	if cfg.ShopID == "" {
		return nil, errors.New("PRINTAGENT_SHOP_ID is required")
	}

	// Optional
	cfg.Token = os.Getenv("PRINTAGENT_TOKEN")

	if interval := os.Getenv("PRINTAGENT_INTERVAL"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil {
			return nil, errors.New("PRINTAGENT_INTERVAL must be a number (seconds)")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if timeout := os.Getenv("PRINTAGENT_PRINT_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, errors.New("PRINTAGENT_PRINT_TIMEOUT must be a duration, e.g. 10s")
		}
		cfg.PrintTimeout = d
	}

	if level := os.Getenv("PRINTAGENT_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	// Override hostname if specified
	if hostname := os.Getenv("PRINTAGENT_HOSTNAME"); hostname != "" {
		cfg.Hostname = hostname
	}

	if printers := os.Getenv("PRINTAGENT_PRINTERS"); printers != "" {
		parsed, err := ParsePrinters(printers)
		if err != nil {
			return nil, err
		}
		cfg.Printers = parsed
	}

	return cfg, nil
}

// ParsePrinters parses the PRINTAGENT_PRINTERS value: a comma-separated list
// of entries of the form "alias=ip:port" or "alias=ip" (port defaults to
// 9100). The first entry is the default printer.
func ParsePrinters(v string) ([]protocol.Device, error) {
	var out []protocol.Device
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		alias := ""
		addr := entry
		if i := strings.Index(entry, "="); i >= 0 {
			alias = strings.TrimSpace(entry[:i])
			addr = strings.TrimSpace(entry[i+1:])
		}

		ip := addr
		port := 9100
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			p, err := strconv.Atoi(addr[i+1:])
			if err != nil || p <= 0 || p > 65535 {
				return nil, fmt.Errorf("invalid printer entry %q: bad port", entry)
			}
			ip = addr[:i]
			port = p
		}
		if ip == "" {
			return nil, fmt.Errorf("invalid printer entry %q: missing address", entry)
		}

		out = append(out, protocol.Device{
			ConnectionType: "tcp",
			IP:             ip,
			Port:           port,
			Alias:          alias,
			IsDefault:      len(out) == 0,
		})
	}
	return out, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return errors.New("relay URL is required")
	}
	if c.ShopID == "" {
		return errors.New("shop id is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	return nil
}
