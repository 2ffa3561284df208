// Package config provides configuration loading for vitalwatch.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file, and
// VITALWATCH_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete vitalwatch configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
	Dispatch      DispatchConfig      `koanf:"dispatch"`
	Baseline      BaselineConfig      `koanf:"baseline"`
	Anomaly       AnomalyConfig       `koanf:"anomaly"`
	Rules         RulesConfig         `koanf:"rules"`
	Risk          RiskConfig          `koanf:"risk"`
	NATS          NATSConfig          `koanf:"nats"`
}

// ServerConfig holds HTTP admin server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// SchedulerConfig controls evaluation tiers and per-pass time bounds.
type SchedulerConfig struct {
	// FastInterval drives non-duration rule evaluation.
	FastInterval Duration `koanf:"fast_interval"`
	// SlowInterval drives duration rules, anomaly detection and risk scoring.
	SlowInterval       Duration `koanf:"slow_interval"`
	FetchTimeout       Duration `koanf:"fetch_timeout"`
	DispatchTimeout    Duration `koanf:"dispatch_timeout"`
	MaxConcurrentUsers int      `koanf:"max_concurrent_users"`
}

// DispatchConfig controls cooldowns and notification volume.
type DispatchConfig struct {
	CooldownHigh    Duration `koanf:"cooldown_high"`
	CooldownMedium  Duration `koanf:"cooldown_medium"`
	CooldownLow     Duration `koanf:"cooldown_low"`
	TopK            int      `koanf:"top_k"`
	DeliveryRate    float64  `koanf:"delivery_rate"` // deliveries per second, 0 disables throttling
	DeliveryBurst   int      `koanf:"delivery_burst"`
	DefaultChannels []string `koanf:"default_channels"`
}

// BaselineConfig controls the statistical baseline estimator.
type BaselineConfig struct {
	MinPoints    int      `koanf:"min_points"`
	LookbackDays int      `koanf:"lookback_days"`
	CacheTTL     Duration `koanf:"cache_ttl"`
	CacheSize    int      `koanf:"cache_size"`
}

// ZThresholds is a moderate/severe z-score pair.
type ZThresholds struct {
	Moderate float64 `koanf:"moderate"`
	Severe   float64 `koanf:"severe"`
}

// AnomalyConfig holds default and per-metric z-score thresholds.
type AnomalyConfig struct {
	ZThresholds `koanf:",squash"`
	Overrides   map[string]ZThresholds `koanf:"overrides"`
}

// RulesConfig controls rule evaluation and the optional seed file.
type RulesConfig struct {
	TrendLookbackDays int `koanf:"trend_lookback_days"`
	// TrendResampleInterval resamples trend history to even spacing before the
	// slope fit. Zero keeps raw sample-index spacing.
	TrendResampleInterval Duration `koanf:"trend_resample_interval"`
	SeedFile              string   `koanf:"seed_file"`
	WatchSeedFile         bool     `koanf:"watch_seed_file"`
}

// RiskConfig lists the risk categories to score. Empty means built-in defaults.
type RiskConfig struct {
	Categories []RiskCategoryConfig `koanf:"categories"`
}

// RiskCategoryConfig describes one weighted risk category.
type RiskCategoryConfig struct {
	Name            string             `koanf:"name"`
	MediumThreshold float64            `koanf:"medium_threshold"`
	HighThreshold   float64            `koanf:"high_threshold"`
	Factors         []RiskFactorConfig `koanf:"factors"`
}

// RiskFactorConfig describes one factor of a risk category.
type RiskFactorConfig struct {
	Metric  string  `koanf:"metric"`
	Weight  float64 `koanf:"weight"`
	Min     float64 `koanf:"min"`
	Max     float64 `koanf:"max"`
	Inverse bool    `koanf:"inverse"`
	Source  string  `koanf:"source"` // "latest" (default) or "window_mean"
}

// NATSConfig holds broker settings for ingestion, delivery jobs and cooldown state.
type NATSConfig struct {
	Enabled         bool   `koanf:"enabled"`
	URL             string `koanf:"url"`
	Token           Secret `koanf:"token"`
	SnapshotSubject string `koanf:"snapshot_subject"`
	DeliveryStream  string `koanf:"delivery_stream"`
	DeliverySubject string `koanf:"delivery_subject"`
	CooldownBucket  string `koanf:"cooldown_bucket"`
}

// Default returns a configuration populated with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "vitalwatch",
			OTLPEndpoint:    "localhost:4317",
			OTLPInsecure:    true,
			LogLevel:        "info",
			LogFormat:       "json",
		},
		Scheduler: SchedulerConfig{
			FastInterval:       Duration(time.Minute),
			SlowInterval:       Duration(5 * time.Minute),
			FetchTimeout:       Duration(5 * time.Second),
			DispatchTimeout:    Duration(5 * time.Second),
			MaxConcurrentUsers: 16,
		},
		Dispatch: DispatchConfig{
			CooldownHigh:    Duration(5 * time.Minute),
			CooldownMedium:  Duration(30 * time.Minute),
			CooldownLow:     Duration(2 * time.Hour),
			TopK:            5,
			DeliveryRate:    50,
			DeliveryBurst:   100,
			DefaultChannels: []string{"push"},
		},
		Baseline: BaselineConfig{
			MinPoints:    5,
			LookbackDays: 30,
			CacheTTL:     Duration(2 * time.Minute),
			CacheSize:    10000,
		},
		Anomaly: AnomalyConfig{
			ZThresholds: ZThresholds{Moderate: 2, Severe: 3},
			Overrides: map[string]ZThresholds{
				"heart_rate_variability": {Moderate: 2, Severe: 2.5},
			},
		},
		Rules: RulesConfig{
			TrendLookbackDays: 14,
		},
		NATS: NATSConfig{
			Enabled:         false,
			URL:             "nats://localhost:4222",
			SnapshotSubject: "vitals.snapshots.>",
			DeliveryStream:  "VITALWATCH_DELIVERIES",
			DeliverySubject: "vitalwatch.deliveries",
			CooldownBucket:  "vitalwatch_cooldowns",
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	s := c.Scheduler
	if s.FastInterval <= 0 || s.SlowInterval <= 0 {
		return errors.New("scheduler intervals must be positive")
	}
	if s.FetchTimeout <= 0 || s.DispatchTimeout <= 0 {
		return errors.New("scheduler timeouts must be positive")
	}
	if s.MaxConcurrentUsers < 1 {
		return fmt.Errorf("max_concurrent_users must be >= 1, got %d", s.MaxConcurrentUsers)
	}

	d := c.Dispatch
	if d.CooldownHigh < 0 || d.CooldownMedium < 0 || d.CooldownLow < 0 {
		return errors.New("cooldowns cannot be negative")
	}
	if d.TopK < 1 {
		return fmt.Errorf("top_k must be >= 1, got %d", d.TopK)
	}
	if d.DeliveryRate < 0 {
		return errors.New("delivery_rate cannot be negative")
	}

	if c.Baseline.MinPoints < 5 {
		return fmt.Errorf("baseline min_points must be >= 5, got %d", c.Baseline.MinPoints)
	}
	if r := c.Rules.TrendResampleInterval; r < 0 || (r > 0 && r < Duration(time.Minute)) {
		return fmt.Errorf("rules trend_resample_interval must be 0 or >= 1m, got %s", r.Duration())
	}
	if c.Baseline.LookbackDays < 1 || c.Rules.TrendLookbackDays < 1 {
		return errors.New("lookback windows must be at least one day")
	}
	if c.Baseline.CacheTTL <= 0 || c.Baseline.CacheTTL > Duration(5*time.Minute) {
		return fmt.Errorf("baseline cache_ttl must be in (0, 5m], got %s", c.Baseline.CacheTTL.Duration())
	}

	if err := validateZ("default", c.Anomaly.ZThresholds); err != nil {
		return err
	}
	for metric, z := range c.Anomaly.Overrides {
		if err := validateZ(metric, z); err != nil {
			return err
		}
	}

	for _, cat := range c.Risk.Categories {
		if cat.Name == "" {
			return errors.New("risk category name is required")
		}
		if !(0 < cat.MediumThreshold && cat.MediumThreshold < cat.HighThreshold && cat.HighThreshold <= 1) {
			return fmt.Errorf("risk category %q: thresholds must satisfy 0 < medium < high <= 1", cat.Name)
		}
		if len(cat.Factors) == 0 {
			return fmt.Errorf("risk category %q has no factors", cat.Name)
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}
	return nil
}

func validateZ(name string, z ZThresholds) error {
	if z.Moderate <= 0 || z.Severe < z.Moderate {
		return fmt.Errorf("anomaly thresholds %q: need 0 < moderate <= severe, got %.2f/%.2f", name, z.Moderate, z.Severe)
	}
	return nil
}
