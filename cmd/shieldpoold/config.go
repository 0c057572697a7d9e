// config.go - Configuration management for the shield pool daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ptf-labs/shieldpool/internal/server"
)

// Config represents the daemon configuration.
type Config struct {
	// HTTP
	ListenAddr string `json:"listen_addr"`

	// Storage
	DataDir string `json:"data_dir"`

	// Proving: "strict" or "mock-fallback".
	ProverMode   string `json:"prover_mode"`
	ProveTimeout int    `json:"prove_timeout_seconds"`

	// Governance
	DAOAuthority string `json:"dao_authority"`

	// Optional remote root/nullifier mirror for the resync endpoint.
	MirrorURL string `json:"mirror_url,omitempty"`

	// Pools served by this daemon.
	Pools []server.PoolConfig `json:"pools"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8545",
		DataDir:      "data",
		ProverMode:   "strict",
		ProveTimeout: 120,
		DAOAuthority: "dao",
		LogLevel:     "info",
	}
}

// LoadConfig loads configuration from file or creates the default.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		var config Config
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return &config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file.
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.ProverMode != "strict" && c.ProverMode != "mock-fallback" {
		return fmt.Errorf("prover_mode must be strict or mock-fallback")
	}
	if c.ProveTimeout <= 0 {
		return fmt.Errorf("prove_timeout_seconds must be positive")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	for i, p := range c.Pools {
		if p.PoolID == "" || p.OriginMint == "" || p.Authority == "" {
			return fmt.Errorf("pools[%d]: pool_id, origin_mint and authority must be set", i)
		}
	}
	return nil
}
