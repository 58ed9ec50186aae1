// Package config loads the PiDeck server configuration: JSON5 file at
// <data>/config.json, overlaid with PIDECK_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration for the PiDeck server.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Policy  PolicyConfig  `json:"policy"`
	Pairing PairingConfig `json:"pairing"`
	Agent   AgentConfig   `json:"agent"`
	Tracing TracingConfig `json:"tracing,omitempty"`

	// DataDir is resolved at load time, not read from the file.
	DataDir string `json:"-"`
}

// ServerConfig configures the HTTP and WebSocket listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// AdminToken is never persisted; env PIDECK_ADMIN_TOKEN only.
	AdminToken  string `json:"-"`
	KeepaliveMs int    `json:"keepaliveMs,omitempty"`
}

// PolicyConfig configures the permission layer.
type PolicyConfig struct {
	// Fallback is the decision when nothing matches: allow, ask or deny.
	Fallback string `json:"fallback"`
	// Preset seeds an empty rule store: default, host or container.
	Preset            string `json:"preset,omitempty"`
	ApprovalTimeoutMs int    `json:"approvalTimeoutMs,omitempty"`
}

// PairingConfig configures device pairing.
type PairingConfig struct {
	// MaxAgeMs bounds how long an issued pairing token stays redeemable.
	MaxAgeMs int `json:"maxAgeMs,omitempty"`
}

// AgentConfig configures the backend launcher.
type AgentConfig struct {
	Binary string `json:"binary,omitempty"`
}

// TracingConfig configures the optional OTLP trace exporter.
// Endpoint from env PIDECK_OTLP_ENDPOINT only.
type TracingConfig struct {
	Endpoint    string `json:"-"`
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        18900,
			KeepaliveMs: 30_000,
		},
		Policy: PolicyConfig{
			Fallback:          "ask",
			Preset:            "default",
			ApprovalTimeoutMs: 120_000,
		},
		Pairing: PairingConfig{
			MaxAgeMs: 10 * 60_000,
		},
		Agent: AgentConfig{
			Binary: "pi",
		},
		Tracing: TracingConfig{
			ServiceName: "pideck",
		},
		DataDir: "~/.pideck",
	}
}

// Load reads config.json from the data dir, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if v := os.Getenv("PIDECK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	cfg.DataDir = ExpandHome(cfg.DataDir)

	path := filepath.Join(cfg.DataDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("PIDECK_HOST", &c.Server.Host)
	if v := os.Getenv("PIDECK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	envStr("PIDECK_ADMIN_TOKEN", &c.Server.AdminToken)
	envStr("PIDECK_POLICY_FALLBACK", &c.Policy.Fallback)
	envStr("PIDECK_POLICY_PRESET", &c.Policy.Preset)
	if v := os.Getenv("PIDECK_APPROVAL_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.Policy.ApprovalTimeoutMs = ms
		}
	}
	envStr("PIDECK_AGENT_BINARY", &c.Agent.Binary)
	envStr("PIDECK_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	envStr("PIDECK_OTLP_SERVICE_NAME", &c.Tracing.ServiceName)
	if v := os.Getenv("PIDECK_OTLP_INSECURE"); v != "" {
		c.Tracing.Insecure = v == "true" || v == "1"
	}
}

func (c *Config) validate() error {
	switch c.Policy.Fallback {
	case "allow", "ask", "deny":
	default:
		return fmt.Errorf("policy.fallback must be allow, ask or deny, got %q", c.Policy.Fallback)
	}
	return nil
}

// ListenAddr is the host:port the server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Keepalive is the gateway ping interval.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.Server.KeepaliveMs) * time.Millisecond
}

// ApprovalTimeout is how long a pending approval waits before deny.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Policy.ApprovalTimeoutMs) * time.Millisecond
}

// PairingMaxAge bounds pairing token redemption.
func (c *Config) PairingMaxAge() time.Duration {
	return time.Duration(c.Pairing.MaxAgeMs) * time.Millisecond
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
