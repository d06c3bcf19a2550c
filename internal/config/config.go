package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the template provider.
type Config struct {
	// Listener
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	// Bitcoin network, selects the default port: mainnet, testnet,
	// testnet4, signet, regtest.
	Network string `yaml:"network"`

	// Node RPC
	NodeRPCURL string `yaml:"node_rpc_url"`

	// Template engine
	FeeCheckInterval time.Duration `yaml:"fee_check_interval"`
	FeeDelta         int64         `yaml:"fee_delta_sats"`

	// Upstream failure policy: retry with backoff until this much
	// continuous unavailability, then give up.
	NodeFailureLimit time.Duration `yaml:"node_failure_limit"`

	// Storage
	DataDir string `yaml:"data_dir"`

	// Metrics (empty disables the HTTP listener)
	MetricsListen string `yaml:"metrics_listen"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with sensible defaults for Bitcoin mainnet.
func DefaultConfig() *Config {
	return &Config{
		Bind:             "127.0.0.1",
		Port:             0, // resolved from Network unless set
		Network:          "mainnet",
		NodeRPCURL:       "http://127.0.0.1:8332",
		FeeCheckInterval: 30 * time.Second,
		FeeDelta:         1000,
		NodeFailureLimit: 10 * time.Minute,
		DataDir:          ".sv2tp",
		LogLevel:         "info",
	}
}

// defaultPorts maps each network to its template provider port.
var defaultPorts = map[string]int{
	"mainnet":  8442,
	"testnet":  18442,
	"testnet4": 48442,
	"signet":   38442,
	"regtest":  28442,
}

// LoadFile merges YAML settings from path over the receiver. Flags
// applied afterwards still win.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks the config for errors and resolves the listen port.
func (c *Config) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("bind is required")
	}
	defPort, ok := defaultPorts[c.Network]
	if !ok {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.Port == 0 {
		c.Port = defPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535")
	}
	if c.NodeRPCURL == "" {
		return fmt.Errorf("node_rpc_url is required")
	}
	if c.FeeCheckInterval < time.Second {
		return fmt.Errorf("fee_check_interval must be at least 1s")
	}
	if c.FeeDelta < 0 {
		return fmt.Errorf("fee_delta_sats must be >= 0")
	}
	if c.NodeFailureLimit < time.Second {
		return fmt.Errorf("node_failure_limit must be at least 1s")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// ListenAddr returns the host:port the listener binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}
