package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrayops/subflow/internal/resilience"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.ExpectedUnits)
	assert.Equal(t, 60*time.Second, cfg.Tolerance.Std())
	assert.Len(t, cfg.Stages, 3)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
incoming_dir: /data/incoming
state_dir: /data/state
expected_units: 8
tolerance: 90s
max_workers: 4
default_retry:
  max_attempts: 2
  strategy: fixed
  initial_delay: 500ms
stages:
  - name: convert
    command: ["convert-ms", "--fast"]
    timeout: 10m
  - name: image
    depends_on: [convert]
    command: ["run-imaging"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/incoming", cfg.IncomingDir)
	assert.Equal(t, 8, cfg.ExpectedUnits)
	assert.Equal(t, 90*time.Second, cfg.Tolerance.Std())
	assert.Equal(t, 4, cfg.MaxWorkers)

	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)

	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, []string{"convert-ms", "--fast"}, cfg.Stages[0].Command)
	assert.Equal(t, 10*time.Minute, cfg.Stages[0].Timeout.Std())
	assert.Equal(t, []string{"convert"}, cfg.Stages[1].DependsOn)

	policy := cfg.DefaultRetry.Policy()
	assert.Equal(t, resilience.StrategyFixed, policy.Strategy)
	assert.Equal(t, 2, policy.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.InitialDelay)
}

func TestLoad_RetryableKindsRestrictPolicy(t *testing.T) {
	path := writeConfig(t, `
incoming_dir: /data/incoming
state_dir: /data/state
default_retry:
  max_attempts: 2
  retryable_kinds: [transient, breaker_open]
stages:
  - name: convert
    retry:
      max_attempts: 5
      retryable_kinds: [TRANSIENT]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	policy := cfg.DefaultRetry.Policy()
	assert.Equal(t, []resilience.Kind{resilience.KindTransient, resilience.KindBreakerOpen},
		policy.RetryableKinds)

	require.Len(t, cfg.Stages, 1)
	require.NotNil(t, cfg.Stages[0].Retry)
	assert.Equal(t, []resilience.Kind{resilience.KindTransient},
		cfg.Stages[0].Retry.Policy().RetryableKinds)
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "tolerance: sixty seconds\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_RejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no incoming dir", func(c *Config) { c.IncomingDir = "" }},
		{"no state dir", func(c *Config) { c.StateDir = "" }},
		{"zero units", func(c *Config) { c.ExpectedUnits = 0 }},
		{"negative tolerance", func(c *Config) { c.Tolerance = Duration(-time.Second) }},
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"no stages", func(c *Config) { c.Stages = nil }},
		{"unnamed stage", func(c *Config) { c.Stages = []StageConfig{{}} }},
		{"unknown retryable kind", func(c *Config) {
			c.DefaultRetry.RetryableKinds = []string{"sporadic"}
		}},
		{"unknown stage retryable kind", func(c *Config) {
			c.Stages[0].Retry = &RetryConfig{MaxAttempts: 1, RetryableKinds: []string{"flaky"}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, resilience.IsConfig(err))
		})
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/var/lib/subflow"
	assert.Equal(t, "/var/lib/subflow/subflow.db", cfg.DatabasePath())
}
