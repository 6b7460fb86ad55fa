package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/chronoq/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Node.Port)
	}
	if cfg.Node.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Node.Host)
	}
	if cfg.Node.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.Node.DataDir)
	}
	if cfg.Engine.TickMs != 1 {
		t.Errorf("expected default tick_ms 1, got %d", cfg.Engine.TickMs)
	}
	if cfg.Engine.SubscriberBuffer != 256 {
		t.Errorf("expected default subscriber_buffer 256, got %d", cfg.Engine.SubscriberBuffer)
	}
	if !cfg.History.Enabled {
		t.Error("history must be enabled by default")
	}
	if len(cfg.Webhook.RetryDelaysMs) != 3 {
		t.Errorf("expected 3 webhook retry delays, got %d", len(cfg.Webhook.RetryDelaysMs))
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("/tmp/chronoq_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Node.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
node:
  port: 9999
  host: "127.0.0.1"
  data_dir: "/tmp/chronoq_test"
engine:
  tick_ms: 10
  max_schedule_ahead: "30d"
history:
  max_records: 50
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Node.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Node.Port)
	}
	if cfg.Node.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Node.Host)
	}
	if cfg.Engine.TickMs != 10 {
		t.Errorf("expected tick_ms 10, got %d", cfg.Engine.TickMs)
	}
	if cfg.History.MaxRecords != 50 {
		t.Errorf("expected max_records 50, got %d", cfg.History.MaxRecords)
	}
	// Fields absent from the file keep their default values.
	if cfg.Engine.SubscriberBuffer != 256 {
		t.Errorf("expected default subscriber_buffer 256 (unchanged), got %d", cfg.Engine.SubscriberBuffer)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "node: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHRONOQ_AUTH_API_KEY", "sekret")
	t.Setenv("CHRONOQ_PORT", "7777")

	cfg, err := config.Load("/tmp/chronoq_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "sekret" {
		t.Errorf("expected auth enabled with key from env, got %+v", cfg.Auth)
	}
	if cfg.Node.Port != 7777 {
		t.Errorf("expected port 7777 from env, got %d", cfg.Node.Port)
	}
}

func TestScheduleAhead_ParsesDays(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MaxScheduleAhead = "30d"
	d, err := cfg.ScheduleAhead()
	if err != nil {
		t.Fatalf("ScheduleAhead() error: %v", err)
	}
	if d != 30*24*time.Hour {
		t.Errorf("expected 720h, got %v", d)
	}

	cfg.Engine.MaxScheduleAhead = "90m"
	d, err = cfg.ScheduleAhead()
	if err != nil {
		t.Fatalf("ScheduleAhead() error: %v", err)
	}
	if d != 90*time.Minute {
		t.Errorf("expected 90m, got %v", d)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := config.Default()
	cfg.Node.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port 0")
	}

	cfg.Node.Port = 99999
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port 99999")
	}
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Node.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty data_dir")
	}
}

func TestValidate_InvalidTick(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.TickMs = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for tick_ms 0")
	}
}

func TestValidate_BadScheduleAhead(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MaxScheduleAhead = "sometime"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unparseable max_schedule_ahead")
	}
}

func TestValidate_BurstBelowRPS(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.Burst = cfg.Limits.RPS - 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when burst < rps")
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
