// Package config loads coordd's own settings: data directory, rate
// limiter and circuit breaker tuning, maintenance loop cadence, and agent
// liveness thresholds. Settings are read from config.yaml with defaults
// filled in for anything the file omits, and can be hot-reloaded via
// Watcher.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimit configures internal/ratelimit.
type RateLimit struct {
	Capacity        int `yaml:"capacity"`
	RefillPerSecond int `yaml:"refill_per_second"`
}

// Breaker configures internal/breaker.
type Breaker struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenFor          time.Duration `yaml:"open_for"`
}

// Maintenance configures internal/maintenance.
type Maintenance struct {
	Interval               time.Duration `yaml:"interval"`
	PriorityAgingEnabled   bool          `yaml:"priority_aging_enabled"`
	PriorityAgingThreshold time.Duration `yaml:"priority_aging_threshold"`
	RecurringVotesEnabled  bool          `yaml:"recurring_votes_enabled"`
}

// Config is coordd's top-level settings document.
type Config struct {
	DataDir     string      `yaml:"data_dir"`
	LogLevel    string      `yaml:"log_level"`
	StatusAddr  string      `yaml:"status_addr"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
	Breaker     Breaker     `yaml:"breaker"`
	Maintenance Maintenance `yaml:"maintenance"`
}

// defaults returns the baseline Config every load starts from; Load then
// overlays whatever config.yaml sets explicitly.
func defaults() Config {
	return Config{
		DataDir:    "./data",
		LogLevel:   "info",
		StatusAddr: "127.0.0.1:8089",
		RateLimit: RateLimit{
			Capacity:        100,
			RefillPerSecond: 10,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			OpenFor:          60 * time.Second,
		},
		Maintenance: Maintenance{
			Interval:               time.Minute,
			PriorityAgingEnabled:   false,
			PriorityAgingThreshold: time.Hour,
			RecurringVotesEnabled:  true,
		},
	}
}

// Load reads path, merging it over the defaults. A missing file is not an
// error — the defaults are returned unchanged, so coordd runs with no
// config.yaml present at all.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
