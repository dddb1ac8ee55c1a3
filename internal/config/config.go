// Package config loads the relay daemon's YAML configuration file and
// fills in documented defaults for anything the file leaves unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Socket    SocketConfig    `yaml:"socket"`
	Framing   FramingConfig   `yaml:"framing"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Queue     QueueConfig     `yaml:"queue"`
	TLS       TLSConfig       `yaml:"tls"`
	Auth      AuthConfig      `yaml:"auth"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Pidfile   string          `yaml:"pidfile"`
}

// SocketConfig names the Unix domain socket the daemon listens on.
type SocketConfig struct {
	Path string `yaml:"path"`
	Mode uint32 `yaml:"mode"`
}

// FramingConfig tunes the wire codec.
type FramingConfig struct {
	MaxFrameBytes int  `yaml:"max_frame_bytes"`
	AllowLegacy   bool `yaml:"allow_legacy"`
}

// HeartbeatConfig tunes liveness detection.
type HeartbeatConfig struct {
	IntervalMs      int64 `yaml:"interval_ms"`
	TimeoutFactor   int   `yaml:"timeout_factor"`
	HandshakeMs     int64 `yaml:"handshake_timeout_ms"`
	ClosingGraceMs  int64 `yaml:"closing_grace_ms"`
}

// QueueConfig tunes the per-connection write-queue watermarks.
type QueueConfig struct {
	LowWatermark  int `yaml:"low_watermark"`
	HighWatermark int `yaml:"high_watermark"`
	HardCap       int `yaml:"hard_cap"`
}

// TLSConfig optionally opens a second, TCP+TLS listener for network
// deployments alongside the Unix socket. ClientCAFile, when set, requires
// and verifies client certificates; AllowedCNs further restricts which
// certificate common names may connect.
type TLSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ListenAddr   string   `yaml:"listen_addr"`
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	ClientCAFile string   `yaml:"client_ca_file"`
	AllowedCNs   []string `yaml:"allowed_cns"`
}

// AuthConfig points at the authorization policy file (internal/authz).
type AuthConfig struct {
	PolicyFile string `yaml:"policy_file"`
}

// OutboxConfig enables the optional file-drop ingress directory.
type OutboxConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// MetricsConfig enables the optional Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads filename and fills in any field the file left at its zero
// value with the daemon's documented defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AppName == "" {
		cfg.AppName = "relayd"
	}
	if cfg.Socket.Path == "" {
		cfg.Socket.Path = "/tmp/agentrelay.sock"
	}
	if cfg.Socket.Mode == 0 {
		cfg.Socket.Mode = 0o600
	}
	if cfg.Framing.MaxFrameBytes == 0 {
		cfg.Framing.MaxFrameBytes = 1 << 20
	}
	if cfg.Heartbeat.IntervalMs == 0 {
		cfg.Heartbeat.IntervalMs = 5000
	}
	if cfg.Heartbeat.TimeoutFactor == 0 {
		cfg.Heartbeat.TimeoutFactor = 6
	}
	if cfg.Heartbeat.HandshakeMs == 0 {
		cfg.Heartbeat.HandshakeMs = 5000
	}
	if cfg.Heartbeat.ClosingGraceMs == 0 {
		cfg.Heartbeat.ClosingGraceMs = 2000
	}
	if cfg.Queue.LowWatermark == 0 {
		cfg.Queue.LowWatermark = 500
	}
	if cfg.Queue.HighWatermark == 0 {
		cfg.Queue.HighWatermark = 1500
	}
	if cfg.Queue.HardCap == 0 {
		cfg.Queue.HardCap = 2000
	}
	if cfg.TLS.ListenAddr == "" {
		cfg.TLS.ListenAddr = "127.0.0.1:9478"
	}
	if cfg.Outbox.Directory == "" {
		cfg.Outbox.Directory = "/tmp/agentrelay-outbox"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9477"
	}
	if cfg.Pidfile == "" {
		cfg.Pidfile = "/tmp/agentrelay.pid"
	}
}

// Validate rejects configurations that would misbehave rather than fail
// to load.
func (c *Config) Validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("config: socket.path must not be empty")
	}
	if c.Queue.LowWatermark >= c.Queue.HighWatermark {
		return fmt.Errorf("config: queue.low_watermark (%d) must be less than high_watermark (%d)", c.Queue.LowWatermark, c.Queue.HighWatermark)
	}
	if c.Queue.HighWatermark >= c.Queue.HardCap {
		return fmt.Errorf("config: queue.high_watermark (%d) must be less than hard_cap (%d)", c.Queue.HighWatermark, c.Queue.HardCap)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls.enabled requires both cert_file and key_file")
	}
	return nil
}

// Default returns the daemon's configuration with every default applied
// and no file read, for tests and `relayd start` invocations with no
// config flag.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
