// Package config defines the ambient configuration surface: everything
// spec.md's data model is silent on (listen address, TLS, timers,
// logging). The one setting spec.md does name, DOH_UPSTREAMS, is never
// read from this file — it is read directly from the environment by
// internal/upstream so the documented contract can't be shadowed by a
// stray config file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dohrace/internal/logging"
)

// Config is the ambient, optional YAML configuration for the server.
//
// Durations are plain strings in the file, parsed with
// time.ParseDuration rather than relying on YAML's default decoding of
// time.Duration, which does not accept "35ms"-style values.
type Config struct {
	Server struct {
		ListenAddr string `yaml:"listen_addr"`
		TLS        struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`

	Dispatch struct {
		HedgeDelay    string `yaml:"hedge_delay"`
		SafetyTimeout string `yaml:"safety_timeout"`
	} `yaml:"dispatch"`

	Logging logging.Config `yaml:"logging"`

	// Resolved durations, parsed once by resolveDurations.
	hedgeDelay    time.Duration
	safetyTimeout time.Duration
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.ListenAddr = ":8443"
	cfg.Dispatch.HedgeDelay = "35ms"
	cfg.Dispatch.SafetyTimeout = "3s"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.Outputs = []string{"console"}
	cfg.resolveDurations()
	return cfg
}

// HedgeDelay returns the parsed gap between successive upstream launches.
func (c *Config) HedgeDelay() time.Duration { return c.hedgeDelay }

// SafetyTimeout returns the parsed upper bound on total client wait time.
func (c *Config) SafetyTimeout() time.Duration { return c.safetyTimeout }

func (c *Config) resolveDurations() {
	if d, err := time.ParseDuration(c.Dispatch.HedgeDelay); err == nil && d > 0 {
		c.hedgeDelay = d
	}
	if d, err := time.ParseDuration(c.Dispatch.SafetyTimeout); err == nil && d > 0 {
		c.safetyTimeout = d
	}
}

// Load reads and parses a YAML config file, filling in defaults for any
// field the file leaves zero-valued. An empty path returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Unmarshal into a fresh struct with the same shape so zero-valued
	// fields in the file don't clobber Default()'s values.
	loaded := &Config{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if loaded.Server.ListenAddr != "" {
		cfg.Server.ListenAddr = loaded.Server.ListenAddr
	}
	if loaded.Server.TLS.CertFile != "" {
		cfg.Server.TLS.CertFile = loaded.Server.TLS.CertFile
	}
	if loaded.Server.TLS.KeyFile != "" {
		cfg.Server.TLS.KeyFile = loaded.Server.TLS.KeyFile
	}
	if loaded.Dispatch.HedgeDelay != "" {
		cfg.Dispatch.HedgeDelay = loaded.Dispatch.HedgeDelay
	}
	if loaded.Dispatch.SafetyTimeout != "" {
		cfg.Dispatch.SafetyTimeout = loaded.Dispatch.SafetyTimeout
	}
	if loaded.Logging.Level != "" {
		cfg.Logging.Level = loaded.Logging.Level
	}
	if loaded.Logging.Format != "" {
		cfg.Logging.Format = loaded.Logging.Format
	}
	if len(loaded.Logging.Outputs) > 0 {
		cfg.Logging.Outputs = loaded.Logging.Outputs
	}
	if loaded.Logging.File.Path != "" {
		cfg.Logging.File.Path = loaded.Logging.File.Path
	}

	cfg.resolveDurations()
	return cfg, nil
}
