// Package cli implements dispatchctl's client-side concerns: the stored
// credential file, the REST client against a dispatchd orchestrator, and
// terminal formatting helpers for job/queue/worker output.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is dispatchctl's on-disk credential file (~/.dispatchctl/config).
type Config struct {
	Servers map[string]ServerConfig `toml:"servers"`
}

// ServerConfig holds one orchestrator's URL and the bearer token issued the
// last time `dispatchctl login` succeeded against it.
type ServerConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// DefaultConfigPath returns the default credential file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dispatchctl", "config")
}

// LoadConfig loads dispatchctl's credential file, returning an empty
// Config (not an error) if none exists yet.
func LoadConfig() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return &Config{Servers: make(map[string]ServerConfig)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Servers: make(map[string]ServerConfig)}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	return &cfg, nil
}

// SaveConfig writes the credential file atomically.
func SaveConfig(cfg *Config) error {
	path := DefaultConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile := path + ".tmp"
	f, err := os.OpenFile(tmpFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("write config: %w", err)
	}
	f.Close()

	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// GetServerConfig returns the stored token for a server URL, or nil.
func (c *Config) GetServerConfig(serverURL string) *ServerConfig {
	if sc, ok := c.Servers[serverURL]; ok {
		return &sc
	}
	return nil
}

// SetServerConfig stores (or replaces) the credentials for a server URL.
func (c *Config) SetServerConfig(serverURL string, sc ServerConfig) {
	c.Servers[serverURL] = sc
}
