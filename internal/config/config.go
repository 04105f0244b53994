// Package config loads orchestrator settings from an optional YAML file,
// applying defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr                string `yaml:"addr"`
	DBPath              string `yaml:"db_path"`
	SigningKey          string `yaml:"signing_key"`
	TickSecs            int    `yaml:"tick_secs"`
	SweepSecs           int    `yaml:"sweep_secs"`
	HeartbeatTTLSecs    int    `yaml:"heartbeat_ttl_secs"`
	RateLimitPerMin     int    `yaml:"rate_limit_per_min"`
	BreakerThreshold    int    `yaml:"breaker_threshold"`
	BreakerCooldownSecs int    `yaml:"breaker_cooldown_secs"`
	Debug               bool   `yaml:"debug"`
}

func Default() Config {
	return Config{
		Addr:                ":8080",
		DBPath:              "fleetflow.db",
		SigningKey:          "",
		TickSecs:            5,
		SweepSecs:           10,
		HeartbeatTTLSecs:    30,
		RateLimitPerMin:     600,
		BreakerThreshold:    5,
		BreakerCooldownSecs: 30,
	}
}

// Load reads path when non-empty; a missing file is an error, an empty path
// just yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) TickInterval() time.Duration  { return time.Duration(c.TickSecs) * time.Second }
func (c Config) SweepInterval() time.Duration { return time.Duration(c.SweepSecs) * time.Second }
func (c Config) HeartbeatTTL() time.Duration  { return time.Duration(c.HeartbeatTTLSecs) * time.Second }
func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSecs) * time.Second
}
