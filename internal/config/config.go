// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/4ndr3c0d3/shotfleet/internal/backoff"
)

// EnvPrefix prefixes every environment override, e.g. SHOTFLEET_SERVER_PORT.
const EnvPrefix = "SHOTFLEET"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Local    LocalConfig    `mapstructure:"local"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// BackendConfig points at the remote computers API.
type BackendConfig struct {
	BaseURL               string  `mapstructure:"base_url"`
	Token                 string  `mapstructure:"token"`
	Kind                  string  `mapstructure:"kind"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	CreateQPS             float64 `mapstructure:"create_qps"`
	CreateBurst           int     `mapstructure:"create_burst"`
}

// BatchConfig holds defaults for scheduler runs.
type BatchConfig struct {
	Tasks       int    `mapstructure:"tasks"`
	Concurrency int    `mapstructure:"concurrency"`
	Mode        string `mapstructure:"mode"`
	Site        string `mapstructure:"site"`
}

// PolicyConfig is one backoff schedule in milliseconds.
type PolicyConfig struct {
	BaseMs     int     `mapstructure:"base_ms"`
	Multiplier float64 `mapstructure:"multiplier"`
	CapMs      int     `mapstructure:"cap_ms"`
	MaxRetries int     `mapstructure:"max_retries"`
	Jitter     bool    `mapstructure:"jitter"`
}

// RetryConfig holds the three capacity retry schedules.
type RetryConfig struct {
	Creation   PolicyConfig `mapstructure:"creation"`
	Task       PolicyConfig `mapstructure:"task"`
	Sequential PolicyConfig `mapstructure:"sequential"`
}

// CaptureConfig tunes page loading.
type CaptureConfig struct {
	NavTimeoutSeconds   int  `mapstructure:"nav_timeout_seconds"`
	ReadyTimeoutSeconds int  `mapstructure:"ready_timeout_seconds"`
	SettleMs            int  `mapstructure:"settle_ms"`
	ViewportWidth       int  `mapstructure:"viewport_width"`
	ViewportHeight      int  `mapstructure:"viewport_height"`
	Headless            bool `mapstructure:"headless"`
	InstallBrowsers     bool `mapstructure:"install_browsers"`
}

// LocalConfig controls locally spawned browsers.
type LocalConfig struct {
	ExecPath               string `mapstructure:"exec_path"`
	MetadataTimeoutSeconds int    `mapstructure:"metadata_timeout_seconds"`
	DebugHost              string `mapstructure:"debug_host"`
	NoSandbox              bool   `mapstructure:"no_sandbox"`
}

// StorageConfig selects where artifacts go.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   LocalStorageConfig `mapstructure:"local"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
}

// LocalStorageConfig configures the filesystem store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for capture notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DatabaseConfig controls the optional capture ledger.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	CaptureTable           string `mapstructure:"capture_table"`
	RunsTable              string `mapstructure:"runs_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig names the service on spans and sets the sampling ratio.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLegacyEnv accepts the unprefixed variables the backend and hosting
// platforms conventionally set. The prefixed form is checked first.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.port":      {EnvPrefix + "_SERVER_PORT", "PORT"},
		"backend.base_url": {EnvPrefix + "_BACKEND_BASE_URL", "TZAFON_BASE_URL"},
		"backend.token":    {EnvPrefix + "_BACKEND_TOKEN", "TZAFON_API_KEY", "TOKEN"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8002)
	v.SetDefault("server.request_timeout_seconds", 180)
	v.SetDefault("backend.base_url", "https://v2.tzafon.ai")
	v.SetDefault("backend.kind", "browser")
	v.SetDefault("backend.request_timeout_seconds", 180)
	v.SetDefault("backend.create_qps", 0)
	v.SetDefault("backend.create_burst", 1)
	v.SetDefault("batch.tasks", 10)
	v.SetDefault("batch.concurrency", 10)
	v.SetDefault("batch.mode", "sequential")
	v.SetDefault("batch.site", "wikipedia")
	setPolicyDefaults(v, "retry.creation", backoff.SessionCreation())
	setPolicyDefaults(v, "retry.task", backoff.TaskRetry())
	setPolicyDefaults(v, "retry.sequential", backoff.SequentialTaskRetry())
	v.SetDefault("capture.nav_timeout_seconds", 15)
	v.SetDefault("capture.ready_timeout_seconds", 8)
	v.SetDefault("capture.settle_ms", 1000)
	v.SetDefault("capture.viewport_width", 1366)
	v.SetDefault("capture.viewport_height", 768)
	v.SetDefault("capture.headless", true)
	v.SetDefault("capture.install_browsers", false)
	v.SetDefault("local.metadata_timeout_seconds", 5)
	v.SetDefault("local.debug_host", "127.0.0.1")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_dir", "results")
	v.SetDefault("database.capture_table", "captures")
	v.SetDefault("database.runs_table", "capture_runs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "shotfleet")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

func setPolicyDefaults(v *viper.Viper, prefix string, p backoff.Policy) {
	v.SetDefault(prefix+".base_ms", p.Base.Milliseconds())
	v.SetDefault(prefix+".multiplier", p.Multiplier)
	v.SetDefault(prefix+".cap_ms", p.Cap.Milliseconds())
	v.SetDefault(prefix+".max_retries", p.MaxRetries)
	v.SetDefault(prefix+".jitter", p.Jitter)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Batch.Tasks < 0 {
		return fmt.Errorf("batch.tasks must be >= 0")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be > 0")
	}
	switch c.Batch.Mode {
	case "sequential", "concurrent":
	default:
		return fmt.Errorf("batch.mode must be sequential or concurrent, got %q", c.Batch.Mode)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in 0..1")
	}
	if c.Backend.CreateQPS < 0 {
		return fmt.Errorf("backend.create_qps must be >= 0")
	}
	for name, p := range map[string]PolicyConfig{
		"retry.creation":   c.Retry.Creation,
		"retry.task":       c.Retry.Task,
		"retry.sequential": c.Retry.Sequential,
	} {
		if err := p.toPolicy(name).Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch c.Storage.Backend {
	case "local":
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "memory":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local, memory or gcs, got %q", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Database.MinConns < 0 || (c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns) {
		return fmt.Errorf("database.min_conns must be between 0 and database.max_conns")
	}
	return nil
}

func (p PolicyConfig) toPolicy(name string) backoff.Policy {
	return backoff.Policy{
		Name:       name,
		Base:       time.Duration(p.BaseMs) * time.Millisecond,
		Multiplier: p.Multiplier,
		Cap:        time.Duration(p.CapMs) * time.Millisecond,
		MaxRetries: p.MaxRetries,
		Jitter:     p.Jitter,
	}
}

// CreationPolicy is the session creation retry schedule.
func (c Config) CreationPolicy() backoff.Policy {
	return c.Retry.Creation.toPolicy(backoff.SessionCreation().Name)
}

// TaskPolicy is the concurrent-mode task retry schedule.
func (c Config) TaskPolicy() backoff.Policy {
	return c.Retry.Task.toPolicy(backoff.TaskRetry().Name)
}

// SequentialPolicy is the sequential-mode task retry schedule.
func (c Config) SequentialPolicy() backoff.Policy {
	return c.Retry.Sequential.toPolicy(backoff.SequentialTaskRetry().Name)
}

// Seconds converts a whole-second knob into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
