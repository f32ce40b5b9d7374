// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Feeder    FeederConfig    `mapstructure:"feeder"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig paces the leader-gated admission cycle.
type SchedulerConfig struct {
	IntervalSeconds  int `mapstructure:"interval_seconds"`
	BatchLimit       int `mapstructure:"batch_limit"`
	LeaderTTLSeconds int `mapstructure:"leader_ttl_seconds"`
}

// FeederConfig controls the admission buffer and its drain loop.
type FeederConfig struct {
	PreAcquireSlots bool `mapstructure:"pre_acquire_slots"`
	DrainIntervalMs int  `mapstructure:"drain_interval_ms"`
	BatchPerTenant  int  `mapstructure:"batch_per_tenant"`
}

// LimiterConfig bounds per-tenant concurrency.
type LimiterConfig struct {
	DefaultCeiling    int64            `mapstructure:"default_ceiling"`
	Ceilings          map[string]int64 `mapstructure:"ceilings"`
	SlotTTLSeconds    int              `mapstructure:"slot_ttl_seconds"`
	BackoffTTLSeconds int              `mapstructure:"backoff_ttl_seconds"`
}

// HeartbeatConfig paces per-job liveness ticks.
type HeartbeatConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	MaxFailures     int `mapstructure:"max_failures"`
}

// BreakerConfig sets circuit-breaker thresholds for targets.
type BreakerConfig struct {
	DisableThreshold int `mapstructure:"disable_threshold"`
	MaxBackoffHours  int `mapstructure:"max_backoff_hours"`
}

// WorkersConfig sizes the execution pool.
type WorkersConfig struct {
	Count          int `mapstructure:"count"`
	QueueDepth     int `mapstructure:"queue_depth"`
	MaxQueueAgeMin int `mapstructure:"max_queue_age_minutes"`
}

// CrawlerConfig governs the reference crawl client.
type CrawlerConfig struct {
	UserAgent    string `mapstructure:"user_agent"`
	MaxPages     int    `mapstructure:"max_pages"`
	Parallelism  int    `mapstructure:"parallelism"`
	DelaySeconds int    `mapstructure:"delay_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int    `mapstructure:"max_conns"`
	MinConns           int    `mapstructure:"min_conns"`
	ConnLifetimeMinute int    `mapstructure:"conn_lifetime_minutes"`
}

// RedisConfig locates the coordination store.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.interval_seconds", 60)
	v.SetDefault("scheduler.batch_limit", 100)
	v.SetDefault("scheduler.leader_ttl_seconds", 120)
	v.SetDefault("feeder.pre_acquire_slots", true)
	v.SetDefault("feeder.drain_interval_ms", 1000)
	v.SetDefault("feeder.batch_per_tenant", 4)
	v.SetDefault("limiter.default_ceiling", 2)
	v.SetDefault("limiter.slot_ttl_seconds", 300)
	v.SetDefault("limiter.backoff_ttl_seconds", 600)
	v.SetDefault("heartbeat.interval_seconds", 30)
	v.SetDefault("heartbeat.max_failures", 3)
	v.SetDefault("breaker.disable_threshold", 10)
	v.SetDefault("breaker.max_backoff_hours", 24)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("workers.max_queue_age_minutes", 30)
	v.SetDefault("crawler.user_agent", "crawlsched-bot/0.1")
	v.SetDefault("crawler.max_pages", 500)
	v.SetDefault("crawler.parallelism", 2)
	v.SetDefault("crawler.delay_seconds", 1)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("pubsub.topic_name", "crawl-completions")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be > 0")
	}
	if c.Limiter.DefaultCeiling <= 0 {
		return fmt.Errorf("limiter.default_ceiling must be > 0")
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat.interval_seconds must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SchedulerInterval converts the cycle pacing to a duration.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// HeartbeatInterval converts the tick pacing to a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// MaxQueueAge converts the abandonment ceiling to a duration.
func (c Config) MaxQueueAge() time.Duration {
	return time.Duration(c.Workers.MaxQueueAgeMin) * time.Minute
}
