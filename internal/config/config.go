// Package config holds all configuration types and loading logic for ChronoQ.
// Fields may be added in later versions but are never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a ChronoQ server instance.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Engine  EngineConfig  `yaml:"engine"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	History HistoryConfig `yaml:"history"`
	Webhook WebhookConfig `yaml:"webhook"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// NodeConfig identifies this server instance and where it listens.
type NodeConfig struct {
	// ID is a ULID string, or "auto" to generate one and persist it under
	// DataDir on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// EngineConfig tunes the timer engine.
type EngineConfig struct {
	// TickMs is the timer wheel resolution in milliseconds. Deadlines round
	// up to the next tick, so a smaller tick fires timers closer to their
	// requested instant at the cost of more frequent wakeups.
	TickMs int `yaml:"tick_ms"`
	// MaxScheduleAhead caps how far in the future a timer may be set.
	// Duration string such as "30d" or "720h".
	MaxScheduleAhead string `yaml:"max_schedule_ahead"`
	// MaxBodySizeKB caps the payload carried by a single timer.
	MaxBodySizeKB int `yaml:"max_body_size_kb"`
	// SubscriberBuffer is the channel depth per topic subscriber. Fired
	// timers beyond this are counted as dropped for that subscriber.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// AuthConfig gates the API behind a static key.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HistoryConfig controls the fired-timer audit log.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxRecords bounds the on-disk log. Oldest records are trimmed first.
	MaxRecords int `yaml:"max_records"`
}

// WebhookConfig controls behaviour when pushing fired timers to webhook
// subscribers.
type WebhookConfig struct {
	// RetryDelaysMs is the list of delays between successive retry attempts.
	RetryDelaysMs []int `yaml:"retry_delays_ms"`
	TimeoutMs     int   `yaml:"timeout_ms"`
}

// LimitsConfig sets rate limiting applied per client IP.
type LimitsConfig struct {
	// RPS is allowed requests per second per client.
	RPS int `yaml:"rps"`
	// Burst allows temporary spikes above RPS.
	Burst int `yaml:"burst"`
}

// Default returns a Config with working out-of-the-box values. Every default
// lives here; Load and applyEnv only overlay on top of it.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Engine: EngineConfig{
			TickMs:           1,
			MaxScheduleAhead: "365d",
			MaxBodySizeKB:    256,
			SubscriberBuffer: 256,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		History: HistoryConfig{
			Enabled:    true,
			MaxRecords: 10_000,
		},
		Webhook: WebhookConfig{
			RetryDelaysMs: []int{1_000, 5_000, 30_000},
			TimeoutMs:     5_000,
		},
		Limits: LimitsConfig{
			RPS:   1_000,
			Burst: 5_000,
		},
	}
}

// Load reads the YAML file at path and overlays it onto Default(). A missing
// file is not an error; ChronoQ runs fine with no config file at all.
//
// Environment variables are applied last and win over the file:
//
//	CHRONOQ_AUTH_API_KEY  — sets auth.api_key and enables auth (auth.enabled = true)
//	CHRONOQ_DATA_DIR      — sets node.data_dir
//	CHRONOQ_PORT          — sets node.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv applies CHRONOQ_* environment overrides in place.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHRONOQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("CHRONOQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("CHRONOQ_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
}

// Tick returns the engine tick as a time.Duration.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Engine.TickMs) * time.Millisecond
}

// ScheduleAhead parses engine.max_schedule_ahead. "d" is accepted as a unit
// on top of what time.ParseDuration understands.
func (c *Config) ScheduleAhead() (time.Duration, error) {
	s := c.Engine.MaxScheduleAhead
	if n := len(s); n > 1 && s[n-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s[:n-1], "%d", &days); err != nil {
			return 0, fmt.Errorf("invalid max_schedule_ahead %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Validate reports the first out-of-range or inconsistent value it finds.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Engine.TickMs < 1 {
		return errors.New("engine.tick_ms must be at least 1")
	}
	if c.Engine.MaxBodySizeKB < 1 {
		return errors.New("engine.max_body_size_kb must be at least 1")
	}
	if c.Engine.SubscriberBuffer < 1 {
		return errors.New("engine.subscriber_buffer must be at least 1")
	}
	if _, err := c.ScheduleAhead(); err != nil {
		return fmt.Errorf("engine.max_schedule_ahead: %w", err)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.History.Enabled && c.History.MaxRecords < 1 {
		return errors.New("history.max_records must be at least 1 when history is enabled")
	}
	if c.Webhook.TimeoutMs < 1 {
		return errors.New("webhook.timeout_ms must be at least 1")
	}
	if c.Limits.RPS < 1 {
		return errors.New("limits.rps must be at least 1")
	}
	if c.Limits.Burst < c.Limits.RPS {
		return errors.New("limits.burst must be >= limits.rps")
	}
	return nil
}
