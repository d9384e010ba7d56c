// Package config loads keyrelay configuration from a JSON file with
// environment-variable overrides applied on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

type GatewayConfig struct {
	Host string `env:"KEYRELAY_GATEWAY_HOST" json:"host"`
	Port int    `env:"KEYRELAY_GATEWAY_PORT" json:"port"`
}

type ExchangeConfig struct {
	// TTLSeconds is how long a request may stay pending before the sweep
	// expires it.
	TTLSeconds int `env:"KEYRELAY_EXCHANGE_TTL_SECONDS" json:"ttl_seconds"`
	// SweepIntervalSeconds is how often the expiry sweep runs.
	SweepIntervalSeconds int `env:"KEYRELAY_EXCHANGE_SWEEP_INTERVAL_SECONDS" json:"sweep_interval_seconds"`
	// RetentionHours is how long settled requests are kept before GC.
	RetentionHours int `env:"KEYRELAY_EXCHANGE_RETENTION_HOURS" json:"retention_hours"`
	// GCSchedule is a cron expression for the retention GC pass.
	// Empty disables GC.
	GCSchedule string `env:"KEYRELAY_EXCHANGE_GC_SCHEDULE" json:"gc_schedule"`
}

type PushConfig struct {
	Enabled        bool   `env:"KEYRELAY_PUSH_ENABLED"         json:"enabled"`
	BaseURL        string `env:"KEYRELAY_PUSH_BASE_URL"        json:"base_url"`
	APIKey         string `env:"KEYRELAY_PUSH_API_KEY"         json:"api_key"`
	TimeoutSeconds int    `env:"KEYRELAY_PUSH_TIMEOUT_SECONDS" json:"timeout_seconds"`
}

type LogConfig struct {
	Level  string `env:"KEYRELAY_LOG_LEVEL"  json:"level"`
	Pretty bool   `env:"KEYRELAY_LOG_PRETTY" json:"pretty"`
}

type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Exchange ExchangeConfig `json:"exchange"`
	Push     PushConfig     `json:"push"`
	Log      LogConfig      `json:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8480,
		},
		Exchange: ExchangeConfig{
			TTLSeconds:           300,
			SweepIntervalSeconds: 30,
			RetentionHours:       24,
			GCSchedule:           "*/10 * * * *",
		},
		Push: PushConfig{
			TimeoutSeconds: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the JSON config at path (missing file means defaults) and
// applies KEYRELAY_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", c.Gateway.Port)
	}
	if c.Exchange.TTLSeconds <= 0 {
		return fmt.Errorf("exchange ttl must be positive, got %d", c.Exchange.TTLSeconds)
	}
	if c.Exchange.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %d", c.Exchange.SweepIntervalSeconds)
	}
	if c.Exchange.RetentionHours <= 0 {
		return fmt.Errorf("retention must be positive, got %d", c.Exchange.RetentionHours)
	}
	if c.Exchange.GCSchedule != "" && !gronx.New().IsValid(c.Exchange.GCSchedule) {
		return fmt.Errorf("invalid gc schedule %q", c.Exchange.GCSchedule)
	}
	if c.Push.Enabled && c.Push.BaseURL == "" {
		return fmt.Errorf("push enabled but base_url not set")
	}
	return nil
}

func (c *Config) TTL() time.Duration {
	return time.Duration(c.Exchange.TTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Exchange.SweepIntervalSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Exchange.RetentionHours) * time.Hour
}

func (c *Config) PushTimeout() time.Duration {
	return time.Duration(c.Push.TimeoutSeconds) * time.Second
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}
