package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rzzdr/assignment-risk-engine/internal/advisory"
	"github.com/rzzdr/assignment-risk-engine/internal/kafka"
	"github.com/rzzdr/assignment-risk-engine/internal/market"
	"github.com/rzzdr/assignment-risk-engine/internal/risk"
	"github.com/rzzdr/assignment-risk-engine/pkg/api"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
)

// EnvPrefix prefixes every environment override, e.g. ARE_ENGINE_PROFILE
const EnvPrefix = "ARE"

// Config for the whole application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Market   MarketConfig   `mapstructure:"market"`
	Advisory AdvisoryConfig `mapstructure:"advisory"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Store    StoreConfig    `mapstructure:"store"`
	API      APIConfig      `mapstructure:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AppConfig is general application configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// EngineConfig configures the risk engine and its timers
type EngineConfig struct {
	Profile      string          `mapstructure:"profile"`
	ProfilesFile string          `mapstructure:"profiles_file"`
	Thresholds   risk.Thresholds `mapstructure:"thresholds"`

	AlertTTL        time.Duration `mapstructure:"alert_ttl"`
	AdvisoryTimeout time.Duration `mapstructure:"advisory_timeout"`

	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	AggregateInterval time.Duration `mapstructure:"aggregate_interval"`
	AdvisoryInterval  time.Duration `mapstructure:"advisory_interval"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`

	Smoothing SmoothingConfig `mapstructure:"smoothing"`
}

// SmoothingConfig enables the bounded confidence multiplier
type SmoothingConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Seed      uint64  `mapstructure:"seed"`
	Amplitude float64 `mapstructure:"amplitude"`
}

// MarketConfig configures quote sourcing and the last-known cache
type MarketConfig struct {
	Quotes       []market.Quote `mapstructure:"quotes"`
	Cache        string         `mapstructure:"cache"`
	HistoryLimit int            `mapstructure:"history_limit"`

	// HistoryInterval spaces realized-volatility observations
	HistoryInterval time.Duration `mapstructure:"history_interval"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RedisConfig configures the Redis quote cache
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Options converts to the cache constructor options
func (r RedisConfig) Options() market.RedisOptions {
	return market.RedisOptions{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix, TTL: r.TTL}
}

// AdvisoryConfig configures the advisory service client
type AdvisoryConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	advisory.Config `mapstructure:",squash"`
}

// KafkaConfig configures the event and proposal topics
type KafkaConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	kafka.Config `mapstructure:",squash"`
}

// StoreConfig selects the position store
type StoreConfig struct {
	Driver     string        `mapstructure:"driver"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// APIConfig configures the HTTP API
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	api.Config      `mapstructure:",squash"`
}

// MetricsConfig configures Prometheus exposure
type MetricsConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Interval   time.Duration    `mapstructure:"interval"`
}

// PrometheusConfig configures the standalone metrics listener
type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads configuration from a YAML file, .env and environment variables.
// An empty path searches ./config for config.yaml and falls back to the
// defaults when there is none; an explicit path must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.WithType(errors.Wrap(err, "failed to read .env"), errors.ErrorTypeConfig)
	}

	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.WithType(errors.Wrap(err, "failed to read config file"), errors.ErrorTypeConfig)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WithType(errors.Wrap(err, "failed to unmarshal config"), errors.ErrorTypeConfig)
	}
	// comma separated env values arrive as a single element
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the constructors do not
func (c *Config) Validate() error {
	switch c.Market.Cache {
	case "none", "memory", "redis":
	default:
		return errors.Config("market.cache must be none, memory or redis, got " + c.Market.Cache)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return errors.Config("store.driver must be memory or sqlite, got " + c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return errors.Config("store.sqlite_path is required for the sqlite driver")
	}
	for name, d := range map[string]time.Duration{
		"engine.monitor_interval":   c.Engine.MonitorInterval,
		"engine.aggregate_interval": c.Engine.AggregateInterval,
		"engine.advisory_interval":  c.Engine.AdvisoryInterval,
		"metrics.interval":          c.Metrics.Interval,
		"market.history_interval":   c.Market.HistoryInterval,
	} {
		if d < time.Second {
			return errors.Config(name + " must be at least one second")
		}
	}
	return nil
}

// Profiles builds the profile registry, merging the profiles file when set,
// and resolves the configured profile
func (c *Config) Profiles() (*risk.Registry, risk.Profile, error) {
	reg := risk.NewRegistry()
	if c.Engine.ProfilesFile != "" {
		if err := reg.LoadFile(c.Engine.ProfilesFile); err != nil {
			return nil, risk.Profile{}, err
		}
	}
	p, err := reg.Lookup(c.Engine.Profile)
	if err != nil {
		return nil, risk.Profile{}, err
	}
	return reg, p, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "assignment-risk-engine")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	// Engine defaults
	v.SetDefault("engine.profile", risk.DefaultProfile)
	v.SetDefault("engine.profiles_file", "./config/profiles.yaml")
	v.SetDefault("engine.thresholds.low", risk.DefaultThresholds.Low)
	v.SetDefault("engine.thresholds.medium", risk.DefaultThresholds.Medium)
	v.SetDefault("engine.thresholds.high", risk.DefaultThresholds.High)
	v.SetDefault("engine.alert_ttl", "1h")
	v.SetDefault("engine.advisory_timeout", "60s")
	v.SetDefault("engine.monitor_interval", "1m")
	v.SetDefault("engine.aggregate_interval", "5m")
	v.SetDefault("engine.advisory_interval", "15m")
	v.SetDefault("engine.grace_period", "60s")
	v.SetDefault("engine.smoothing.enabled", false)
	v.SetDefault("engine.smoothing.seed", 42)
	v.SetDefault("engine.smoothing.amplitude", 0.1)

	// Market defaults
	v.SetDefault("market.cache", "memory")
	v.SetDefault("market.history_limit", 64)
	v.SetDefault("market.history_interval", "24h")
	v.SetDefault("market.redis.addr", "localhost:6379")
	v.SetDefault("market.redis.db", 0)
	v.SetDefault("market.redis.prefix", "are:quote:")
	v.SetDefault("market.redis.ttl", "24h")

	// Advisory defaults
	v.SetDefault("advisory.enabled", false)
	v.SetDefault("advisory.url", "")
	v.SetDefault("advisory.api_key", "")
	v.SetDefault("advisory.timeout", "60s")
	v.SetDefault("advisory.rate_per_second", 1.0)
	v.SetDefault("advisory.burst", 5)
	v.SetDefault("advisory.breaker_failures", 3)
	v.SetDefault("advisory.breaker_cooldown", "1m")

	// Kafka defaults
	kd := kafka.DefaultConfig()
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", kd.Brokers)
	v.SetDefault("kafka.events_topic", kd.EventsTopic)
	v.SetDefault("kafka.proposals_topic", kd.ProposalsTopic)
	v.SetDefault("kafka.registrations_topic", kd.RegistrationsTopic)
	v.SetDefault("kafka.group_id", kd.GroupID)
	v.SetDefault("kafka.required_acks", kd.RequiredAcks)
	v.SetDefault("kafka.batch_timeout", kd.BatchTimeout.String())
	v.SetDefault("kafka.write_timeout", kd.WriteTimeout.String())
	v.SetDefault("kafka.allow_topic_creation", false)
	v.SetDefault("kafka.consumer_max_wait", kd.ConsumerMaxWait.String())
	v.SetDefault("kafka.consumer_start_oldest", false)

	// Store defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "./data/positions.db")
	v.SetDefault("store.timeout", "5s")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "90s")
	v.SetDefault("api.shutdown_timeout", "15s")
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.rate_limit_rps", 20.0)
	v.SetDefault("api.rate_burst", 40)
	v.SetDefault("api.mode", "release")

	// Metrics defaults
	v.SetDefault("metrics.prometheus.enabled", false)
	v.SetDefault("metrics.prometheus.port", 9090)
	v.SetDefault("metrics.interval", "15s")
}
