// Package config loads the orchestrator's server-level configuration:
// listen address, storage backend, log artifact backend, and the
// worker-health monitoring interval. Per-job configuration (the command)
// lives on the JobSpecification entity itself and is never read from a
// file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found; callers fall back
// to defaults plus environment variables.
var ErrNoConfig = errors.New("no dispatchd config file found")

// Config is the parsed dispatchd server configuration.
type Config struct {
	// Addr is the orchestrator's HTTP listen address. Default: ":8080".
	Addr string `yaml:"addr" toml:"addr" json:"addr"`

	// DataDir holds the default SQLite database and filesystem log store.
	DataDir string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`

	// Database selects and configures the storage backend.
	Database DatabaseConfig `yaml:"database" toml:"database" json:"database"`

	// Monitoring controls the Worker Manager's health monitor.
	Monitoring MonitoringConfig `yaml:"monitoring" toml:"monitoring" json:"monitoring"`

	// LogStore selects and configures the job log artifact backend.
	LogStore LogStoreConfig `yaml:"log_store" toml:"log_store" json:"log_store"`

	// AuthSecret is the single-operator bearer secret exchanged for a JWT
	// at POST /api/auth/login. Required in production; a random value is
	// generated and logged once if left empty.
	AuthSecret string `yaml:"auth_secret" toml:"auth_secret" json:"auth_secret"`

	// DefaultQueueTimeout is loaded and defaulted to 30m but is not read
	// by the dispatcher; a Pending job is never moved to Error for waiting.
	DefaultQueueTimeout Duration `yaml:"default_queue_timeout" toml:"default_queue_timeout" json:"default_queue_timeout"`
}

// DatabaseConfig mirrors the `/api/db` surface (spec.md §6): DB_TYPE plus
// the Postgres connection fields. PUT /api/db (internal/api/db.go) writes
// the new values to the config file; they take effect on the next start,
// not live.
type DatabaseConfig struct {
	Type string `yaml:"type" toml:"type" json:"type"` // sqlite | postgresql

	PGHost   string `yaml:"pg_host" toml:"pg_host" json:"pg_host"`
	PGPort   int    `yaml:"pg_port" toml:"pg_port" json:"pg_port"`
	PGDB     string `yaml:"pg_db" toml:"pg_db" json:"pg_db"`
	PGSchema string `yaml:"pg_schema" toml:"pg_schema" json:"pg_schema"`
	PGUser   string `yaml:"pg_user" toml:"pg_user" json:"pg_user"`
	PGPwd    string `yaml:"pg_pwd" toml:"pg_pwd" json:"pg_pwd"`
}

// MonitoringConfig configures the Worker Manager health monitor loop.
// Interval must fall within [5s, 300s] per spec.md §4.2.
type MonitoringConfig struct {
	Interval Duration `yaml:"interval" toml:"interval" json:"interval"`
}

// LogStoreConfig selects filesystem (default) or S3-compatible log storage.
type LogStoreConfig struct {
	Backend string `yaml:"backend" toml:"backend" json:"backend"` // filesystem | s3

	S3Endpoint        string `yaml:"s3_endpoint" toml:"s3_endpoint" json:"s3_endpoint"`
	S3Region          string `yaml:"s3_region" toml:"s3_region" json:"s3_region"`
	S3Bucket          string `yaml:"s3_bucket" toml:"s3_bucket" json:"s3_bucket"`
	S3AccessKeyID     string `yaml:"s3_access_key_id" toml:"s3_access_key_id" json:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key" toml:"s3_secret_access_key" json:"s3_secret_access_key"`
}

// Duration wraps time.Duration so config files express it as "30s", "5m",
// etc. instead of raw nanoseconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load finds and parses a dispatchd config file from dir, in order:
// dispatchd.yaml, dispatchd.yml, dispatchd.toml, dispatchd.json. Returns
// ErrNoConfig if none exist; callers should proceed with Default() plus
// environment overrides in that case.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"dispatchd.yaml", parseYAML},
		{"dispatchd.yml", parseYAML},
		{"dispatchd.toml", parseTOML},
		{"dispatchd.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		cfg := Default()
		if err := c.parser(data, cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}
		return cfg, c.name, nil
	}

	return nil, "", ErrNoConfig
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		Addr:    ":8080",
		DataDir: defaultDataDir(),
		Database: DatabaseConfig{
			Type: "sqlite",
		},
		Monitoring: MonitoringConfig{
			Interval: Duration(30 * time.Second),
		},
		LogStore: LogStoreConfig{
			Backend: "filesystem",
		},
		DefaultQueueTimeout: Duration(30 * time.Minute),
	}
}

func defaultDataDir() string {
	if dataDir := os.Getenv("DISPATCHD_DATA_DIR"); dataDir != "" {
		return dataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dispatchd"
	}
	return filepath.Join(home, ".dispatchd")
}

// Validate checks the config for errors not caught by type-level parsing.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgresql":
	default:
		return fmt.Errorf("database.type must be sqlite or postgresql, got %q", c.Database.Type)
	}
	if c.Database.Type == "postgresql" {
		if c.Database.PGHost == "" || c.Database.PGDB == "" {
			return errors.New("database.pg_host and database.pg_db are required for postgresql")
		}
	}
	if d := c.Monitoring.Interval.Duration(); d < 5*time.Second || d > 300*time.Second {
		return fmt.Errorf("monitoring.interval must be between 5s and 300s, got %s", d)
	}
	switch c.LogStore.Backend {
	case "filesystem", "s3":
	default:
		return fmt.Errorf("log_store.backend must be filesystem or s3, got %q", c.LogStore.Backend)
	}
	if c.LogStore.Backend == "s3" && c.LogStore.S3Bucket == "" {
		return errors.New("log_store.s3_bucket is required when log_store.backend is s3")
	}
	return nil
}

// ApplyEnv overlays environment variable overrides onto an already-loaded
// (or default) config, mirroring the teacher's flag/env-var resolution
// idiom in cmd/dispatchd's serve command.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DISPATCHD_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("DISPATCHD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DISPATCHD_AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}
	if v := os.Getenv("DISPATCHD_DB_TYPE"); v != "" {
		c.Database.Type = v
	}
	if v := os.Getenv("DISPATCHD_PG_HOST"); v != "" {
		c.Database.PGHost = v
	}
	if v := os.Getenv("DISPATCHD_PG_DB"); v != "" {
		c.Database.PGDB = v
	}
	if v := os.Getenv("DISPATCHD_PG_USER"); v != "" {
		c.Database.PGUser = v
	}
	if v := os.Getenv("DISPATCHD_PG_PWD"); v != "" {
		c.Database.PGPwd = v
	}
}
