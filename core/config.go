package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a discovery engine instance.
// Construct with DefaultConfig and narrow from there; never share one Config
// between engines, each instance owns its own copy.
type Config struct {
	// Name identifies this engine instance in logs and telemetry.
	Name      string `json:"name" yaml:"name"`
	Namespace string `json:"namespace" yaml:"namespace"`

	Index       IndexConfig       `json:"index" yaml:"index"`
	Optimizer   OptimizerConfig   `json:"optimizer" yaml:"optimizer"`
	Geo         GeoConfig         `json:"geo" yaml:"geo"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
}

// IndexConfig tunes a single index manager.
type IndexConfig struct {
	// CacheTTL bounds how long a cached query result may be served.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// ExpectedAgents sizes the pre-filter bit array.
	ExpectedAgents int `json:"expected_agents" yaml:"expected_agents"`

	// FalsePositiveRate is the pre-filter's target false-positive rate.
	FalsePositiveRate float64 `json:"false_positive_rate" yaml:"false_positive_rate"`

	// HealthyQueryTimeMs and HealthyCacheHitRate are the advisory health
	// thresholds reported by Health().
	HealthyQueryTimeMs  float64 `json:"healthy_query_time_ms" yaml:"healthy_query_time_ms"`
	HealthyCacheHitRate float64 `json:"healthy_cache_hit_rate" yaml:"healthy_cache_hit_rate"`
}

// OptimizerConfig tunes admission control and adaptive behavior.
type OptimizerConfig struct {
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`
	QueueSize     int           `json:"queue_size" yaml:"queue_size"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	BatchWindow   time.Duration `json:"batch_window" yaml:"batch_window"`

	// TuneInterval is how often adaptive strategies are re-evaluated.
	TuneInterval time.Duration `json:"tune_interval" yaml:"tune_interval"`

	// LatencyWindowSize caps the rolling latency sample window.
	LatencyWindowSize int `json:"latency_window_size" yaml:"latency_window_size"`

	// MemoryBudgetMB is the heap size above which memory-pressure
	// strategies activate.
	MemoryBudgetMB int `json:"memory_budget_mb" yaml:"memory_budget_mb"`
}

// GeoConfig tunes the geo-distribution layer.
type GeoConfig struct {
	LocalRegion string `json:"local_region" yaml:"local_region"`

	// PlacementStrategy is one of "geographic", "hash", "capacity",
	// "latency".
	PlacementStrategy string `json:"placement_strategy" yaml:"placement_strategy"`

	// RegionCapacity caps agents per region for placement decisions.
	RegionCapacity int `json:"region_capacity" yaml:"region_capacity"`

	// LatencyThreshold classifies regions as nearby/healthy.
	LatencyThreshold time.Duration `json:"latency_threshold" yaml:"latency_threshold"`

	// QueryTimeout bounds cross-region fan-out wall-clock time.
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`

	SyncInterval        time.Duration `json:"sync_interval" yaml:"sync_interval"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
}

// PersistenceConfig selects the optional snapshot store.
type PersistenceConfig struct {
	// Provider is "none", "file" or "redis".
	Provider string `json:"provider" yaml:"provider"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
}

// TelemetryConfig enables the optional OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	// Exporter is "otlp" or "stdout".
	Exporter string `json:"exporter,omitempty" yaml:"exporter,omitempty"`
}

// DefaultConfig returns a configuration suitable for a few thousand agents
// queried concurrently, the workload the engine is sized for.
func DefaultConfig() *Config {
	return &Config{
		Name:      "meshindex-engine",
		Namespace: "default",
		Index: IndexConfig{
			CacheTTL:            60 * time.Second,
			ExpectedAgents:      10000,
			FalsePositiveRate:   0.01,
			HealthyQueryTimeMs:  50,
			HealthyCacheHitRate: 0.5,
		},
		Optimizer: OptimizerConfig{
			MaxConcurrent:     100,
			QueueSize:         1000,
			BatchSize:         10,
			BatchWindow:       10 * time.Millisecond,
			TuneInterval:      30 * time.Second,
			LatencyWindowSize: 1000,
			MemoryBudgetMB:    512,
		},
		Geo: GeoConfig{
			LocalRegion:         "us-east",
			PlacementStrategy:   "geographic",
			RegionCapacity:      10000,
			LatencyThreshold:    100 * time.Millisecond,
			QueryTimeout:        5 * time.Second,
			SyncInterval:        30 * time.Second,
			HealthCheckInterval: 60 * time.Second,
		},
		Persistence: PersistenceConfig{
			Provider: "none",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Exporter: "otlp",
		},
	}
}

// LoadConfigFile reads a YAML configuration file over the defaults.
// A missing file is an error; use DefaultConfig directly for no-file setups.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies environment variable overrides on top of the current
// values. Environment always wins over file values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MESHINDEX_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("MESHINDEX_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("MESHINDEX_LOCAL_REGION"); v != "" {
		c.Geo.LocalRegion = v
	}
	if v := os.Getenv("MESHINDEX_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Index.CacheTTL = d
		}
	}
	if v := os.Getenv("MESHINDEX_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Optimizer.MaxConcurrent = n
		}
	}
	if v := os.Getenv("MESHINDEX_REDIS_URL"); v != "" {
		c.Persistence.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" && c.Persistence.RedisURL == "" {
		c.Persistence.RedisURL = v
	}
	if v := os.Getenv("MESHINDEX_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MESHINDEX_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Index.FalsePositiveRate <= 0 || c.Index.FalsePositiveRate >= 1 {
		return fmt.Errorf("%w: false_positive_rate must be in (0,1), got %v",
			ErrValidation, c.Index.FalsePositiveRate)
	}
	if c.Index.ExpectedAgents <= 0 {
		return fmt.Errorf("%w: expected_agents must be positive", ErrValidation)
	}
	if c.Optimizer.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max_concurrent must be positive", ErrValidation)
	}
	if c.Optimizer.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be at least 1", ErrValidation)
	}
	if c.Geo.QueryTimeout <= 0 {
		return fmt.Errorf("%w: geo query_timeout must be positive", ErrValidation)
	}
	switch c.Geo.PlacementStrategy {
	case "geographic", "hash", "capacity", "latency":
	default:
		return fmt.Errorf("%w: unknown placement_strategy %q",
			ErrValidation, c.Geo.PlacementStrategy)
	}
	switch c.Persistence.Provider {
	case "none", "file", "redis":
	default:
		return fmt.Errorf("%w: unknown persistence provider %q",
			ErrValidation, c.Persistence.Provider)
	}
	return nil
}
