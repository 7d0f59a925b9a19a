// Package config loads the subflow pipeline configuration from YAML,
// applying defaults and validating before anything starts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arrayops/subflow/internal/resilience"
)

// Duration wraps time.Duration for YAML fields written as "60s", "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig is a per-stage retry override.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	Strategy     string   `yaml:"strategy"` // "fixed" | "exponential"
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`

	// RetryableKinds restricts retries to the listed error kinds
	// (parse | transient | config | breaker_open, case-insensitive).
	// Empty retries everything except breaker-open rejections.
	RetryableKinds []string `yaml:"retryable_kinds"`
}

// Policy converts the config into a resilience policy.
func (r RetryConfig) Policy() resilience.RetryPolicy {
	strategy := resilience.StrategyExponential
	if r.Strategy == "fixed" {
		strategy = resilience.StrategyFixed
	}
	var kinds []resilience.Kind
	for _, k := range r.RetryableKinds {
		kinds = append(kinds, resilience.Kind(strings.ToUpper(k)))
	}
	return resilience.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		Strategy:       strategy,
		InitialDelay:   r.InitialDelay.Std(),
		MaxDelay:       r.MaxDelay.Std(),
		RetryableKinds: kinds,
	}
}

func (r RetryConfig) validateKinds(field string) error {
	for _, k := range r.RetryableKinds {
		switch resilience.Kind(strings.ToUpper(k)) {
		case resilience.KindParse, resilience.KindTransient,
			resilience.KindConfig, resilience.KindBreakerOpen:
		default:
			return resilience.Configf("%s: unknown error kind %q", field, k)
		}
	}
	return nil
}

// StageConfig defines one DAG node in the configuration file. The command
// is executed as the stage body with the group's context in its
// environment.
type StageConfig struct {
	Name      string       `yaml:"name"`
	DependsOn []string     `yaml:"depends_on"`
	Command   []string     `yaml:"command"`
	Timeout   Duration     `yaml:"timeout"`
	Retry     *RetryConfig `yaml:"retry"`
}

// BreakerConfig configures the shared circuit breaker registry.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
}

// Config is the full pipeline configuration.
type Config struct {
	IncomingDir string `yaml:"incoming_dir"`
	ScratchDir  string `yaml:"scratch_dir"`
	StateDir    string `yaml:"state_dir"`

	ExpectedUnits int      `yaml:"expected_units"`
	Tolerance     Duration `yaml:"tolerance"`

	MaxWorkers   int      `yaml:"max_workers"`
	MaxRetries   int      `yaml:"max_retries"`
	PollInterval Duration `yaml:"poll_interval"`

	HousekeepingInterval Duration `yaml:"housekeeping_interval"`
	InProgressTimeout    Duration `yaml:"in_progress_timeout"`
	CollectingTimeout    Duration `yaml:"collecting_timeout"`
	ScratchTTL           Duration `yaml:"scratch_ttl"`

	Breaker BreakerConfig `yaml:"breaker"`

	DefaultRetry RetryConfig   `yaml:"default_retry"`
	Stages       []StageConfig `yaml:"stages"`
}

// Default returns the configuration used when no file is given. The stage
// set mirrors the standard observation pipeline; commands must be filled
// in by the deployment.
func Default() *Config {
	return &Config{
		IncomingDir:          "./incoming",
		ScratchDir:           "./scratch",
		StateDir:             "./state",
		ExpectedUnits:        16,
		Tolerance:            Duration(60 * time.Second),
		MaxWorkers:           2,
		MaxRetries:           3,
		PollInterval:         Duration(5 * time.Second),
		HousekeepingInterval: Duration(time.Minute),
		InProgressTimeout:    Duration(30 * time.Minute),
		CollectingTimeout:    Duration(30 * time.Minute),
		ScratchTTL:           Duration(24 * time.Hour),
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(time.Minute),
		},
		DefaultRetry: RetryConfig{
			MaxAttempts:  3,
			Strategy:     "exponential",
			InitialDelay: Duration(time.Second),
			MaxDelay:     Duration(time.Minute),
		},
		Stages: []StageConfig{
			{Name: "convert"},
			{Name: "calibrate", DependsOn: []string{"convert"}},
			{Name: "image", DependsOn: []string{"calibrate"}},
		},
	}
}

// Load reads and validates a YAML configuration file. Fields omitted in
// the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run. All failures are
// configuration-kind errors.
func (c *Config) Validate() error {
	if c.IncomingDir == "" {
		return resilience.Configf("incoming_dir is required")
	}
	if c.StateDir == "" {
		return resilience.Configf("state_dir is required")
	}
	if c.ExpectedUnits < 1 {
		return resilience.Configf("expected_units must be >= 1, got %d", c.ExpectedUnits)
	}
	if c.Tolerance.Std() < 0 {
		return resilience.Configf("tolerance must not be negative")
	}
	if c.MaxWorkers < 1 {
		return resilience.Configf("max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MaxRetries < 0 {
		return resilience.Configf("max_retries must not be negative")
	}
	if c.Breaker.FailureThreshold < 1 {
		return resilience.Configf("breaker.failure_threshold must be >= 1")
	}
	if c.DefaultRetry.MaxAttempts < 1 {
		return resilience.Configf("default_retry.max_attempts must be >= 1")
	}
	if err := c.DefaultRetry.validateKinds("default_retry.retryable_kinds"); err != nil {
		return err
	}
	if len(c.Stages) == 0 {
		return resilience.Configf("at least one stage is required")
	}
	for _, st := range c.Stages {
		if st.Name == "" {
			return resilience.Configf("every stage needs a name")
		}
		if st.Retry != nil {
			if st.Retry.MaxAttempts < 1 {
				return resilience.Configf("stage %q retry max_attempts must be >= 1", st.Name)
			}
			if err := st.Retry.validateKinds(fmt.Sprintf("stage %q retryable_kinds", st.Name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// DatabasePath returns the queue database location under the state dir.
func (c *Config) DatabasePath() string {
	return c.StateDir + "/subflow.db"
}
