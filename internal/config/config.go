// Package config loads the node's configuration record: bind address,
// node id, peer allow-list, optional bootstrap peer, plus the ambient
// knobs the distilled spec is silent on (log level/format, metrics
// address, connection and rate limits).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all node configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Mesh identity and transport
	Addr        string        `env:"LINDA_ADDR" envDefault:":7000"`
	NodeID      int           `env:"LINDA_NODE_ID" envDefault:"0"` // 0 = founder id 1; replaced by the Join-assigned id when Bootstrap is set
	PeerAllow   string        `env:"LINDA_PEER_ALLOW" envDefault:""`
	Bootstrap   string        `env:"LINDA_BOOTSTRAP" envDefault:""`
	JoinTimeout time.Duration `env:"LINDA_JOIN_TIMEOUT" envDefault:"5s"`

	// Capacity and admission control
	MaxConnections     int     `env:"LINDA_MAX_CONNECTIONS" envDefault:"1000"`
	CPURejectThreshold float64 `env:"LINDA_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	MaxRequestRate     int     `env:"LINDA_MAX_REQUEST_RATE" envDefault:"500"` // per-connection, messages/sec

	// Distributed GC / deadlock
	DeadlockScanInterval time.Duration `env:"LINDA_DEADLOCK_SCAN_INTERVAL" envDefault:"2s"`

	// Monitoring
	MetricsAddr string `env:"LINDA_METRICS_ADDR" envDefault:":9100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("LINDA_ADDR is required")
	}
	if c.NodeID < 0 {
		return fmt.Errorf("LINDA_NODE_ID must be >= 0, got %d", c.NodeID)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("LINDA_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("LINDA_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MaxRequestRate < 0 {
		return fmt.Errorf("LINDA_MAX_REQUEST_RATE must be >= 0, got %d", c.MaxRequestRate)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console (got %q)", c.LogFormat)
	}
	return nil
}

// PeerAllowList parses the comma-separated LINDA_PEER_ALLOW setting into
// a list of addresses; an empty setting means "allow any peer" (the
// spec's "authentication beyond an address allow-list" is a non-goal,
// so an empty list is a legitimate, permissive default rather than a
// lockout).
func (c *Config) PeerAllowList() []string {
	if strings.TrimSpace(c.PeerAllow) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(c.PeerAllow, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LogConfig emits the loaded configuration as one structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("node_id", c.NodeID).
		Str("bootstrap", c.Bootstrap).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int("max_request_rate", c.MaxRequestRate).
		Dur("deadlock_scan_interval", c.DeadlockScanInterval).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}

