// Package config provides configuration loading and management for
// Hydrostat.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Hydrostat configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Loop     LoopConfig     `yaml:"loop"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Executor ExecutorConfig `yaml:"executor"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// CommandSubjectPrefix is the prefix for per-node command subjects
	CommandSubjectPrefix string `yaml:"command_subject_prefix"`
	// ReadingSubject is the subject nodes publish readings to
	ReadingSubject string `yaml:"reading_subject"`
}

// LoopConfig configures the control loop scheduler
type LoopConfig struct {
	// Interval is the fixed per-node cycle interval
	Interval time.Duration `yaml:"interval"`
	// MaxConcurrent caps concurrently running cycles
	MaxConcurrent int64 `yaml:"max_concurrent"`
	// BackoffBase is the initial per-node backoff after a failed cycle
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMax caps the per-node backoff
	BackoffMax time.Duration `yaml:"backoff_max"`
	// SilenceAfter is how long a node may stay silent before the loop
	// raises the data_not_posting condition (0 = three intervals)
	SilenceAfter time.Duration `yaml:"silence_after"`
}

// MonitorConfig configures reading validation
type MonitorConfig struct {
	// MaxClockSkew is how far in the future a timestamp may be
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
	// MaxStaleness is how old a submitted reading may be
	MaxStaleness time.Duration `yaml:"max_staleness"`
}

// AnalyzerConfig configures severity aggregation and anomaly scoring
type AnalyzerConfig struct {
	// CriticalParams are parameters whose violation alone is an emergency
	CriticalParams []string `yaml:"critical_params"`
	// RequiredParams must be present and thresholded in every reading
	RequiredParams []string `yaml:"required_params"`
	// AnomalyModerate is the score cutoff that raises severity to alert
	AnomalyModerate float64 `yaml:"anomaly_moderate"`
	// AnomalyCritical is the score cutoff that raises severity to emergency
	AnomalyCritical float64 `yaml:"anomaly_critical"`
	// Scorer enables the built-in rolling-sigma anomaly scorer
	Scorer bool `yaml:"scorer"`
	// ScorerWindow is the rolling window size per (node, parameter)
	ScorerWindow int `yaml:"scorer_window"`
}

// ExecutorConfig configures command dispatch
type ExecutorConfig struct {
	// MaxAttempts is the maximum dispatch attempts per execution
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the initial retry backoff
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMax caps the retry backoff
	BackoffMax time.Duration `yaml:"backoff_max"`
	// AttemptTimeout is the hard per-attempt deadline
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// BreakerThreshold is the consecutive failures before the circuit opens
	BreakerThreshold int `yaml:"breaker_threshold"`
	// BreakerCooldown is how long the circuit stays open
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// CatalogConfig configures the plan catalog
type CatalogConfig struct {
	// Path is the catalog YAML file (empty = built-in default catalog)
	Path string `yaml:"path"`
	// Watch enables hot reload when the catalog file changes
	Watch bool `yaml:"watch"`
}

// MetricsConfig configures the telemetry endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:                  "",
			Embedded:             true,
			CommandSubjectPrefix: "hydrostat.node",
			ReadingSubject:       "hydrostat.reading",
		},
		Loop: LoopConfig{
			Interval:      60 * time.Second,
			MaxConcurrent: 8,
			BackoffBase:   5 * time.Second,
			BackoffMax:    5 * time.Minute,
		},
		Monitor: MonitorConfig{
			MaxClockSkew: 30 * time.Second,
			MaxStaleness: 5 * time.Minute,
		},
		Analyzer: AnalyzerConfig{
			AnomalyModerate: 0.5,
			AnomalyCritical: 0.8,
			Scorer:          true,
			ScorerWindow:    32,
		},
		Executor: ExecutorConfig{
			MaxAttempts:      3,
			BackoffBase:      500 * time.Millisecond,
			BackoffMax:       10 * time.Second,
			AttemptTimeout:   10 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  60 * time.Second,
		},
		Catalog: CatalogConfig{
			Path:  "",
			Watch: true,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be positive")
	}
	if c.Loop.MaxConcurrent <= 0 {
		return fmt.Errorf("loop.max_concurrent must be positive")
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor.max_attempts must be positive")
	}
	if c.Executor.BreakerThreshold <= 0 {
		return fmt.Errorf("executor.breaker_threshold must be positive")
	}
	if c.Analyzer.AnomalyModerate <= 0 || c.Analyzer.AnomalyModerate > 1 {
		return fmt.Errorf("analyzer.anomaly_moderate must be between 0 and 1")
	}
	if c.Analyzer.AnomalyCritical < c.Analyzer.AnomalyModerate || c.Analyzer.AnomalyCritical > 1 {
		return fmt.Errorf("analyzer.anomaly_critical must be between anomaly_moderate and 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.CommandSubjectPrefix != "" {
		c.NATS.CommandSubjectPrefix = other.NATS.CommandSubjectPrefix
	}
	if other.NATS.ReadingSubject != "" {
		c.NATS.ReadingSubject = other.NATS.ReadingSubject
	}

	// Loop
	if other.Loop.Interval != 0 {
		c.Loop.Interval = other.Loop.Interval
	}
	if other.Loop.MaxConcurrent != 0 {
		c.Loop.MaxConcurrent = other.Loop.MaxConcurrent
	}
	if other.Loop.BackoffBase != 0 {
		c.Loop.BackoffBase = other.Loop.BackoffBase
	}
	if other.Loop.BackoffMax != 0 {
		c.Loop.BackoffMax = other.Loop.BackoffMax
	}
	if other.Loop.SilenceAfter != 0 {
		c.Loop.SilenceAfter = other.Loop.SilenceAfter
	}

	// Monitor
	if other.Monitor.MaxClockSkew != 0 {
		c.Monitor.MaxClockSkew = other.Monitor.MaxClockSkew
	}
	if other.Monitor.MaxStaleness != 0 {
		c.Monitor.MaxStaleness = other.Monitor.MaxStaleness
	}

	// Analyzer
	if len(other.Analyzer.CriticalParams) > 0 {
		c.Analyzer.CriticalParams = other.Analyzer.CriticalParams
	}
	if len(other.Analyzer.RequiredParams) > 0 {
		c.Analyzer.RequiredParams = other.Analyzer.RequiredParams
	}
	if other.Analyzer.AnomalyModerate != 0 {
		c.Analyzer.AnomalyModerate = other.Analyzer.AnomalyModerate
	}
	if other.Analyzer.AnomalyCritical != 0 {
		c.Analyzer.AnomalyCritical = other.Analyzer.AnomalyCritical
	}
	if other.Analyzer.ScorerWindow != 0 {
		c.Analyzer.ScorerWindow = other.Analyzer.ScorerWindow
	}

	// Executor
	if other.Executor.MaxAttempts != 0 {
		c.Executor.MaxAttempts = other.Executor.MaxAttempts
	}
	if other.Executor.BackoffBase != 0 {
		c.Executor.BackoffBase = other.Executor.BackoffBase
	}
	if other.Executor.BackoffMax != 0 {
		c.Executor.BackoffMax = other.Executor.BackoffMax
	}
	if other.Executor.AttemptTimeout != 0 {
		c.Executor.AttemptTimeout = other.Executor.AttemptTimeout
	}
	if other.Executor.BreakerThreshold != 0 {
		c.Executor.BreakerThreshold = other.Executor.BreakerThreshold
	}
	if other.Executor.BreakerCooldown != 0 {
		c.Executor.BreakerCooldown = other.Executor.BreakerCooldown
	}

	// Catalog
	if other.Catalog.Path != "" {
		c.Catalog.Path = other.Catalog.Path
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
