// Package config provides hierarchical configuration loading for the
// orchestrator: built-in defaults, an optional config.yaml, then ORCH_
// prefixed environment variables, in that precedence order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the orchestrator core reads at
// startup. It is validated once by Load and treated as immutable afterward.
type Config struct {
	Bridge       BridgeConfig       `mapstructure:"bridge"`
	Events       EventsConfig       `mapstructure:"events"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Lock         LockConfig         `mapstructure:"lock"`
	ModelCatalog ModelCatalogConfig `mapstructure:"modelCatalog"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Persistence  PersistenceConfig `mapstructure:"persistence"`
	Logging      logging            `mapstructure:"logging"`
}

// logging mirrors logger.Config's fields without importing the logger
// package, keeping config dependency-free of the logging sink choice. Its
// output path key is "outputPath" (logger.Config's own tag is "output_path").
type logging struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BridgeConfig configures the loopback HTTP endpoint workers call back into.
type BridgeConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	RequestTimeout int    `mapstructure:"requestTimeoutSeconds"`
	Diagnostics    bool   `mapstructure:"diagnosticsEnabled"`
}

func (b BridgeConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Second
}

// EventsConfig configures the event bus transport and retention.
type EventsConfig struct {
	BrokerURL        string `mapstructure:"brokerUrl"` // empty = in-memory bus
	SubscriberBuffer int    `mapstructure:"subscriberBuffer"`
	RollingBuffer    int    `mapstructure:"rollingBuffer"`
}

// PoolConfig configures worker lifecycle timing.
type PoolConfig struct {
	HealthCheckIntervalSeconds int `mapstructure:"healthCheckIntervalSeconds"`
	SpawnTimeoutSeconds        int `mapstructure:"spawnTimeoutSeconds"`
	ShutdownGraceSeconds       int `mapstructure:"shutdownGraceSeconds"`
}

func (p PoolConfig) HealthCheckInterval() time.Duration {
	return time.Duration(p.HealthCheckIntervalSeconds) * time.Second
}

func (p PoolConfig) SpawnTimeout() time.Duration {
	return time.Duration(p.SpawnTimeoutSeconds) * time.Second
}

func (p PoolConfig) ShutdownGrace() time.Duration {
	return time.Duration(p.ShutdownGraceSeconds) * time.Second
}

// LockConfig configures the file-backed profile lock.
type LockConfig struct {
	RuntimeDir             string `mapstructure:"runtimeDir"`
	AcquireTimeoutSeconds   int    `mapstructure:"acquireTimeoutSeconds"`
	StaleGracePeriodSeconds int    `mapstructure:"staleGracePeriodSeconds"`
}

func (l LockConfig) AcquireTimeout() time.Duration {
	return time.Duration(l.AcquireTimeoutSeconds) * time.Second
}

func (l LockConfig) StaleGracePeriod() time.Duration {
	return time.Duration(l.StaleGracePeriodSeconds) * time.Second
}

// ModelCatalogConfig configures provider/model catalog fetch caching.
type ModelCatalogConfig struct {
	CacheTTLSeconds int `mapstructure:"cacheTtlSeconds"`
}

func (m ModelCatalogConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLSeconds) * time.Second
}

// DockerConfig configures the container isolation mode for the server backend.
type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Network string `mapstructure:"network"`
}

// TracingConfig holds the tracing section of the config file. These values
// are loaded and validated but not passed to the tracing package, which
// configures its exporter from OTEL_EXPORTER_OTLP_ENDPOINT alone.
type TracingConfig struct {
	OTLPEndpoint  string  `mapstructure:"otlpEndpoint"`
	SamplingRatio float64 `mapstructure:"samplingRatio"`
	ServiceName   string  `mapstructure:"serviceName"`
}

// PersistenceConfig points at the read-only snapshot the Pool hydrates from.
type PersistenceConfig struct {
	SnapshotPath string `mapstructure:"snapshotPath"`
}

// Load reads configuration from defaults, ./config.yaml (or /etc/orchestrator/),
// and ORCH_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an additional config file search directory.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 7420)
	v.SetDefault("bridge.requestTimeoutSeconds", 10)
	v.SetDefault("bridge.diagnosticsEnabled", false)

	v.SetDefault("events.brokerUrl", "")
	v.SetDefault("events.subscriberBuffer", 64)
	v.SetDefault("events.rollingBuffer", 200)

	v.SetDefault("pool.healthCheckIntervalSeconds", 30)
	v.SetDefault("pool.spawnTimeoutSeconds", 30)
	v.SetDefault("pool.shutdownGraceSeconds", 5)

	v.SetDefault("lock.runtimeDir", "~/.orchestrator/locks")
	v.SetDefault("lock.acquireTimeoutSeconds", 20)
	v.SetDefault("lock.staleGracePeriodSeconds", 15)

	v.SetDefault("modelCatalog.cacheTtlSeconds", 300)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.network", "orchestrator-net")

	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.samplingRatio", 1.0)
	v.SetDefault("tracing.serviceName", "orchestrator")

	v.SetDefault("persistence.snapshotPath", "~/.orchestrator/state.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Bridge.Port <= 0 || cfg.Bridge.Port > 65535 {
		errs = append(errs, "bridge.port must be between 1 and 65535")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Pool.SpawnTimeoutSeconds <= 0 {
		errs = append(errs, "pool.spawnTimeoutSeconds must be positive")
	}
	if cfg.Lock.AcquireTimeoutSeconds <= 0 {
		errs = append(errs, "lock.acquireTimeoutSeconds must be positive")
	}
	if cfg.Tracing.SamplingRatio < 0 || cfg.Tracing.SamplingRatio > 1 {
		errs = append(errs, "tracing.samplingRatio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// LoggerConfig adapts this package's logging section into logger.Config's
// shape without introducing an import cycle between config and logger.
func (c *Config) LoggerConfig() (level, format, outputPath string) {
	return c.Logging.Level, c.Logging.Format, c.Logging.OutputPath
}
