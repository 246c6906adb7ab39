package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Anthropic     AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Explainer     ExplainerConfig     `yaml:"explainer" mapstructure:"explainer"`
	Calibration   CalibrationConfig   `yaml:"calibration" mapstructure:"calibration"`
	Recalibration RecalibrationConfig `yaml:"recalibration" mapstructure:"recalibration"`
	Temporal      TemporalConfig      `yaml:"temporal" mapstructure:"temporal"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ExplainerConfig configures generated recalibration explanations.
type ExplainerConfig struct {
	Enabled          bool    `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens        int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// BlendConfig overrides the dimension blend of a source score.
type BlendConfig struct {
	Activity       float64 `yaml:"activity" mapstructure:"activity"`
	Participation  float64 `yaml:"participation" mapstructure:"participation"`
	Responsiveness float64 `yaml:"responsiveness" mapstructure:"responsiveness"`
	Throughput     float64 `yaml:"throughput" mapstructure:"throughput"`
}

// CalibrationConfig overrides the calibration coefficients. Nil and zero
// values keep the built-in defaults.
type CalibrationConfig struct {
	Version         string             `yaml:"version" mapstructure:"version"`
	ProfilePath     string             `yaml:"profile_path" mapstructure:"profile_path"`
	Alpha           *float64           `yaml:"alpha" mapstructure:"alpha"`
	Beta            *float64           `yaml:"beta" mapstructure:"beta"`
	Gamma           *float64           `yaml:"gamma" mapstructure:"gamma"`
	Blend           BlendConfig        `yaml:"blend" mapstructure:"blend"`
	CategoryWeights map[string]float64 `yaml:"category_weights" mapstructure:"category_weights"`
}

// RecalibrationConfig configures the orchestrator.
type RecalibrationConfig struct {
	Workers               int `yaml:"workers" mapstructure:"workers"`
	MetricWindow          int `yaml:"metric_window" mapstructure:"metric_window"`
	SnapshotWindow        int `yaml:"snapshot_window" mapstructure:"snapshot_window"`
	LockTTLSecs           int `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
	LockWaitSecs          int `yaml:"lock_wait_secs" mapstructure:"lock_wait_secs"`
	MinMetricsForComputed int `yaml:"min_metrics_for_computed" mapstructure:"min_metrics_for_computed"`
	RetryAttempts         int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs        int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// TemporalConfig configures the scheduled sweep worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
	Cron      string `yaml:"cron" mapstructure:"cron"`
	ChunkSize int    `yaml:"chunk_size" mapstructure:"chunk_size"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures audit health checks and webhook alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinAvgConfidence     float64 `yaml:"min_avg_confidence" mapstructure:"min_avg_confidence"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FUSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "fusionscore.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("explainer.enabled", false)
	v.SetDefault("explainer.timeout_secs", 5)
	v.SetDefault("explainer.max_tokens", 300)
	v.SetDefault("explainer.rate_per_sec", 2.0)
	v.SetDefault("explainer.breaker_threshold", 5)
	v.SetDefault("explainer.breaker_reset_secs", 30)
	v.SetDefault("calibration.version", "v1")
	v.SetDefault("calibration.alpha", 0.3)
	v.SetDefault("calibration.beta", 0.5)
	v.SetDefault("calibration.gamma", 0.2)
	v.SetDefault("recalibration.workers", 4)
	v.SetDefault("recalibration.metric_window", 500)
	v.SetDefault("recalibration.snapshot_window", 90)
	v.SetDefault("recalibration.lock_ttl_secs", 120)
	v.SetDefault("recalibration.lock_wait_secs", 10)
	v.SetDefault("recalibration.min_metrics_for_computed", 12)
	v.SetDefault("recalibration.retry_attempts", 3)
	v.SetDefault("recalibration.retry_backoff_ms", 200)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.min_avg_confidence", 0.3)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "fusionscore-sweep")
	v.SetDefault("temporal.chunk_size", 50)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	switch mode {
	case "store":
	case "recalibrate", "sweep":
		c.validateRecalibration(require)
	case "serve":
		require(c.Server.Port > 0, "server.port must be > 0")
		c.validateRecalibration(require)
	case "worker":
		require(c.Temporal.HostPort != "", "temporal.host_port is required")
		require(c.Temporal.TaskQueue != "", "temporal.task_queue is required")
		require(c.Temporal.ChunkSize > 0, "temporal.chunk_size must be > 0")
		c.validateRecalibration(require)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		require(c.Store.DatabaseURL != "", "store.database_url is required")
		require(c.Store.MaxConns > 0, "store.max_conns must be > 0")
		require(c.Store.MinConns <= c.Store.MaxConns, "store.min_conns must be <= store.max_conns")
	case "sqlite":
		require(c.Store.DatabaseURL != "", "store.database_url is required")
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	if c.Explainer.Enabled {
		require(c.Anthropic.Key != "", "anthropic.key is required when explainer.enabled")
		require(c.Explainer.TimeoutSecs > 0, "explainer.timeout_secs must be > 0")
		require(c.Explainer.RatePerSec > 0, "explainer.rate_per_sec must be > 0")
	}

	if c.Monitoring.Enabled {
		require(c.Monitoring.LookbackWindowHours > 0, "monitoring.lookback_window_hours must be > 0")
		require(c.Monitoring.FailureRateThreshold >= 0 && c.Monitoring.FailureRateThreshold <= 1,
			"monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateRecalibration(require func(bool, string)) {
	r := c.Recalibration
	require(r.Workers >= 1 && r.Workers <= 64, "recalibration.workers must be between 1 and 64")
	if c.Store.Driver == "postgres" && c.Store.MaxConns > 0 {
		require(int32(r.Workers) <= c.Store.MaxConns, "recalibration.workers must be <= store.max_conns")
	}
	require(r.MetricWindow > 0, "recalibration.metric_window must be > 0")
	require(r.SnapshotWindow > 0, "recalibration.snapshot_window must be > 0")
	require(r.LockTTLSecs > 0, "recalibration.lock_ttl_secs must be > 0")
	require(r.LockWaitSecs >= 0, "recalibration.lock_wait_secs must be >= 0")
	require(r.MinMetricsForComputed > 0, "recalibration.min_metrics_for_computed must be > 0")
	require(r.RetryAttempts >= 1, "recalibration.retry_attempts must be >= 1")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
