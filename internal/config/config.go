// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration: the static provider/route
// definitions plus the ambient stack settings (server, cache, telemetry,
// snapshot). The generated per-request pipeline plan lives in a separate
// document, loaded by internal/pipelineconfig.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Providers []ProviderEntry `yaml:"providers"`
	Routes    []RouteEntry    `yaml:"routes"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CacheConfig sizes the pipeline node instance cache (§4.7, otter-backed).
// BlueprintMaxSize is parsed but nothing reads it: the router's blueprint
// cache (§4.8) holds a fixed 4096 entries.
type CacheConfig struct {
	BlueprintMaxSize int           `yaml:"blueprint_max_size"`
	InstanceMaxIdle  time.Duration `yaml:"instance_max_idle"`
	InstanceSweep    time.Duration `yaml:"instance_sweep"`
}

// SnapshotConfig controls the opt-in debug snapshot writer (§4.6/§6).
// Snapshots are on when Enabled is true or when ROUTECODEX_SNAPSHOTS/
// RCC_SNAPSHOTS turns them on (see internal/snapshot.Enabled); the env
// vars cannot turn off a writer that Enabled switched on.
type SnapshotConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseDir   string `yaml:"base_dir"`
	QueueSize int    `yaml:"queue_size"`
}

// ServerConfig holds the minimal smoke entry point's HTTP settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderEntry is one upstream provider definition in the config file.
type ProviderEntry struct {
	ID        string   `yaml:"id"`
	Type      string   `yaml:"type"` // "openai", "glm", "qwen", "iflow", "lmstudio", "responses", "anthropic", "gemini"
	BaseURL   string   `yaml:"base_url"`
	APIKey    string   `yaml:"api_key"`     // static key; blank when OAuth-backed
	EnvVar    string   `yaml:"env_var"`     // fallback env var name, e.g. "OPENAI_API_KEY"
	OAuth     bool     `yaml:"oauth"`       // true when tokens come from internal/oauthmanager
	Models    []string `yaml:"models"`
	Enabled   *bool    `yaml:"enabled"`
	TimeoutMs int      `yaml:"timeout_ms"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// RouteEntry maps a logical route name to its ordered provider-key pool
// (§3/§4.8), e.g. targets ["openai.gpt-4o", "glm.glm-4.default"].
type RouteEntry struct {
	Name    string   `yaml:"name"`
	Targets []string `yaml:"targets"`
}

// RoutePools flattens Routes into the map internal/router.RouteTargetPool
// expects.
func (c *Config) RoutePools() map[string][]string {
	pools := make(map[string][]string, len(c.Routes))
	for _, r := range c.Routes {
		pools[r.Name] = r.Targets
	}
	return pools
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			BlueprintMaxSize: 4096,
			InstanceMaxIdle:  5 * time.Minute,
			InstanceSweep:    5 * time.Minute,
		},
		Snapshot: SnapshotConfig{
			QueueSize: 256,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
