// Package config provides configuration loading and validation for previewd.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/uxfreak/previewd/internal/paths"
)

// Defaults for the supervision core. Timeouts follow the dev-server norm:
// readiness within 30s, 5s grace before a kill escalation.
const (
	DefaultBasePort       = 3000
	DefaultMaxPortProbes  = 100
	DefaultHealthTimeout  = 30 * time.Second
	DefaultGracePeriod    = 5 * time.Second
	DefaultCoalesceWindow = 50 * time.Millisecond
	DefaultBufferEvents   = 2048
	DefaultHost           = "localhost"
)

// DefaultReadyPattern matches the readiness markers of common dev servers.
const DefaultReadyPattern = `(?i)compiled successfully|ready in|listening on|local:\s+http`

// Config is the global previewd configuration, loaded from
// ~/.previewd/config.toml.
type Config struct {
	// LogLevel controls daemon logging verbosity ("debug", "info", "warn", "error").
	LogLevel string `toml:"log_level"`

	Ports  PortsConfig  `toml:"ports"`
	Server ServerConfig `toml:"server"`
	Broker BrokerConfig `toml:"broker"`
}

// PortsConfig controls dev-server port allocation.
type PortsConfig struct {
	// Base is the first port considered when scanning for a free one.
	Base int `toml:"base"`
	// MaxProbes bounds the upward scan before reporting exhaustion.
	MaxProbes int `toml:"max_probes"`
	// Reserved ports are never handed out even when unleased.
	Reserved []int `toml:"reserved"`
}

// ServerConfig controls dev-server lifecycle timing.
type ServerConfig struct {
	// Host used when building service URLs.
	Host string `toml:"host"`
	// HealthTimeoutSecs bounds the wait for a readiness marker.
	HealthTimeoutSecs int `toml:"health_timeout_secs"`
	// GracePeriodSecs bounds the wait after SIGTERM before SIGKILL.
	GracePeriodSecs int `toml:"grace_period_secs"`
	// ReadyPattern is the default readiness regexp; projects may override
	// it in their manifest.
	ReadyPattern string `toml:"ready_pattern"`
}

// BrokerConfig controls output stream buffering.
type BrokerConfig struct {
	// CoalesceMillis is the window during which rapid output fragments are
	// merged into one delivered event.
	CoalesceMillis int `toml:"coalesce_millis"`
	// BufferEvents caps the per-source undelivered event buffer.
	BufferEvents int `toml:"buffer_events"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Ports: PortsConfig{
			Base:      DefaultBasePort,
			MaxProbes: DefaultMaxPortProbes,
		},
		Server: ServerConfig{
			Host:              DefaultHost,
			HealthTimeoutSecs: int(DefaultHealthTimeout / time.Second),
			GracePeriodSecs:   int(DefaultGracePeriod / time.Second),
			ReadyPattern:      DefaultReadyPattern,
		},
		Broker: BrokerConfig{
			CoalesceMillis: int(DefaultCoalesceWindow / time.Millisecond),
			BufferEvents:   DefaultBufferEvents,
		},
	}
}

// Load reads the global config from the default path.
// Returns defaults if the file doesn't exist.
func Load() (*Config, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the config from a specific path.
// Missing file yields defaults; missing fields are filled with defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero-valued fields so a sparse config file stays valid.
func (c *Config) applyDefaults() {
	d := Default()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Ports.Base <= 0 {
		c.Ports.Base = d.Ports.Base
	}
	if c.Ports.MaxProbes <= 0 {
		c.Ports.MaxProbes = d.Ports.MaxProbes
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.HealthTimeoutSecs <= 0 {
		c.Server.HealthTimeoutSecs = d.Server.HealthTimeoutSecs
	}
	if c.Server.GracePeriodSecs <= 0 {
		c.Server.GracePeriodSecs = d.Server.GracePeriodSecs
	}
	if c.Server.ReadyPattern == "" {
		c.Server.ReadyPattern = d.Server.ReadyPattern
	}
	if c.Broker.CoalesceMillis <= 0 {
		c.Broker.CoalesceMillis = d.Broker.CoalesceMillis
	}
	if c.Broker.BufferEvents <= 0 {
		c.Broker.BufferEvents = d.Broker.BufferEvents
	}
}

// HealthTimeout returns the readiness deadline as a duration.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Server.HealthTimeoutSecs) * time.Second
}

// GracePeriod returns the termination grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Server.GracePeriodSecs) * time.Second
}

// CoalesceWindow returns the broker coalescing window as a duration.
func (c *Config) CoalesceWindow() time.Duration {
	return time.Duration(c.Broker.CoalesceMillis) * time.Millisecond
}
