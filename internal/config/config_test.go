package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/config"
)

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
addr: ":9090"
database:
  type: sqlite
monitoring:
  interval: 45s
`
	if err := os.WriteFile(filepath.Join(dir, "dispatchd.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, name, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if name != "dispatchd.yaml" {
		t.Errorf("got file %q, want dispatchd.yaml", name)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("got addr %q, want :9090", cfg.Addr)
	}
	if cfg.Monitoring.Interval.Duration() != 45*time.Second {
		t.Errorf("got interval %v, want 45s", cfg.Monitoring.Interval.Duration())
	}
}

func TestLoad_NoConfig(t *testing.T) {
	dir := t.TempDir()
	_, _, err := config.Load(dir)
	if err != config.ErrNoConfig {
		t.Errorf("got %v, want ErrNoConfig", err)
	}
}

func TestValidate_BadMonitoringInterval(t *testing.T) {
	cfg := config.Default()
	cfg.Monitoring.Interval = config.Duration(time.Second)
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for sub-5s monitoring interval")
	}
}

func TestValidate_PostgresRequiresHost(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Type = "postgresql"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for postgresql without pg_host")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DISPATCHD_ADDR", ":7070")
	cfg := config.Default()
	cfg.ApplyEnv()
	if cfg.Addr != ":7070" {
		t.Errorf("got addr %q, want :7070", cfg.Addr)
	}
}
