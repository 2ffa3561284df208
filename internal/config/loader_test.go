package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vitalwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.CooldownHigh.Duration())
	assert.Equal(t, 30*time.Minute, cfg.Dispatch.CooldownMedium.Duration())
	assert.Equal(t, 2*time.Hour, cfg.Dispatch.CooldownLow.Duration())
	assert.Equal(t, 5, cfg.Dispatch.TopK)
	assert.Equal(t, 5, cfg.Baseline.MinPoints)
	assert.Equal(t, 14, cfg.Rules.TrendLookbackDays)
	assert.Equal(t, 2.5, cfg.Anomaly.Overrides["heart_rate_variability"].Severe)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9300
scheduler:
  fast_interval: 30s
dispatch:
  top_k: 3
  default_channels: [push, email]
anomaly:
  moderate: 2.2
  severe: 3.5
  overrides:
    resting_heart_rate:
      moderate: 1.8
      severe: 2.8
risk:
  categories:
    - name: metabolic
      medium_threshold: 0.4
      high_threshold: 0.7
      factors:
        - metric: glucose
          weight: 1
          min: 70
          max: 200
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.FastInterval.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SlowInterval.Duration(), "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Dispatch.TopK)
	assert.Equal(t, []string{"push", "email"}, cfg.Dispatch.DefaultChannels)
	assert.Equal(t, 2.2, cfg.Anomaly.Moderate)
	assert.Equal(t, 3.5, cfg.Anomaly.Severe)
	assert.Equal(t, 1.8, cfg.Anomaly.Overrides["resting_heart_rate"].Moderate)
	assert.Contains(t, cfg.Anomaly.Overrides, "heart_rate_variability")
	require.Len(t, cfg.Risk.Categories, 1)
	assert.Equal(t, "glucose", cfg.Risk.Categories[0].Factors[0].Metric)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "dispatch:\n  top_k: 3\n", 0600)
	t.Setenv("VITALWATCH_DISPATCH_TOP_K", "7")
	t.Setenv("VITALWATCH_SCHEDULER_SLOW_INTERVAL", "10m")
	t.Setenv("VITALWATCH_NATS_TOKEN", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Dispatch.TopK)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.SlowInterval.Duration())
	assert.Equal(t, "s3cret", cfg.NATS.Token.Value())
	assert.Equal(t, "[REDACTED]", cfg.NATS.Token.String())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero top_k", "dispatch:\n  top_k: 0\n"},
		{"cache ttl above five minutes", "baseline:\n  cache_ttl: 6m\n"},
		{"min_points below five", "baseline:\n  min_points: 4\n"},
		{"trend resample below a minute", "rules:\n  trend_resample_interval: 1us\n"},
		{"negative trend resample", "rules:\n  trend_resample_interval: -1h\n"},
		{"inverted z thresholds", "anomaly:\n  moderate: 3\n  severe: 2\n"},
		{"bad duration", "scheduler:\n  fast_interval: soon\n"},
		{"unordered risk thresholds", `risk:
  categories:
    - name: x
      medium_threshold: 0.8
      high_threshold: 0.5
      factors: [{metric: m, weight: 1, min: 0, max: 1}]
`},
		{"nats without url", "nats:\n  enabled: true\n  url: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml, 0600))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FileChecks(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("world writable", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission bits not enforced on windows")
		}
		_, err := Load(writeConfig(t, "server:\n  http_port: 9300\n", 0666))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "world-writable")
	})

	t.Run("too large", func(t *testing.T) {
		big := make([]byte, maxConfigFileSize+10)
		for i := range big {
			big[i] = '#'
		}
		_, err := Load(writeConfig(t, string(big), 0600))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "scheduler.fast_interval", envKey("VITALWATCH_SCHEDULER_FAST_INTERVAL"))
	assert.Equal(t, "nats.url", envKey("VITALWATCH_NATS_URL"))
	assert.Equal(t, "debug", envKey("VITALWATCH_DEBUG"))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("token")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", s.GoString())
	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(b))
	assert.False(t, Secret("").IsSet())
}
