package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the whole service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Lock       LockConfig       `mapstructure:"lock"`
	Business   BusinessConfig   `mapstructure:"business"`
	Closing    ClosingConfig    `mapstructure:"closing"`
	Withdrawal WithdrawalConfig `mapstructure:"withdrawal"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	WorkerID        int64         `mapstructure:"worker_id"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	Debug        bool   `mapstructure:"debug"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Brokers    []string         `mapstructure:"brokers"`
	ClientID   string           `mapstructure:"client_id"`
	Idempotent bool             `mapstructure:"idempotent"`
	Topic      KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Ledger     string `mapstructure:"ledger"`
	Withdrawal string `mapstructure:"withdrawal"`
	Career     string `mapstructure:"career"`
	Closing    string `mapstructure:"closing"`
}

// LockConfig selects the per-account lock backend: "local" or "redis".
type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
}

type BusinessConfig struct {
	MaxRetryCount         int           `mapstructure:"max_retry_count"`
	RetryInitial          time.Duration `mapstructure:"retry_initial"`
	MaxUplineDepth        int           `mapstructure:"max_upline_depth"`
	StaleEventAfter       time.Duration `mapstructure:"stale_event_after"`
	StaleEventInterval    time.Duration `mapstructure:"stale_event_interval"`
	StaleEventMaxAttempts int           `mapstructure:"stale_event_max_attempts"`
	OutboxInterval        time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize       int           `mapstructure:"outbox_batch_size"`

	AllowExemptAdjustments bool `mapstructure:"allow_exempt_adjustments"`
}

type ClosingConfig struct {
	Workers           int           `mapstructure:"workers"`
	EventTimeout      time.Duration `mapstructure:"event_timeout"`
	PageSize          int           `mapstructure:"page_size"`
	Timezone          string        `mapstructure:"timezone"`
	SchedulerEnabled  bool          `mapstructure:"scheduler_enabled"`
	MonthlySchedule   string        `mapstructure:"monthly_schedule"`
	QuarterlySchedule string        `mapstructure:"quarterly_schedule"`
}

type WithdrawalConfig struct {
	FeePercent    string `mapstructure:"fee_percent"`
	FeeFixed      int64  `mapstructure:"fee_fixed"`
	MinAmount     int64  `mapstructure:"min_amount"`
	DefaultRegion string `mapstructure:"default_region"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Location resolves the closing timezone, falling back to UTC.
func (c ClosingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil || c.Timezone == "" {
		return time.UTC
	}
	return loc
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.database", "mlm_ledger")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.client_id", "mlm-ledger")
	v.SetDefault("kafka.topic.ledger", "mlm.ledger")
	v.SetDefault("kafka.topic.withdrawal", "mlm.withdrawal")
	v.SetDefault("kafka.topic.career", "mlm.career")
	v.SetDefault("kafka.topic.closing", "mlm.closing")

	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.retry_interval", 50*time.Millisecond)
	v.SetDefault("lock.max_retries", 100)
	v.SetDefault("lock.wait_timeout", 5*time.Second)

	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.retry_initial", 50*time.Millisecond)
	v.SetDefault("business.max_upline_depth", 1000)
	v.SetDefault("business.stale_event_after", 2*time.Minute)
	v.SetDefault("business.stale_event_interval", 30*time.Second)
	v.SetDefault("business.stale_event_max_attempts", 5)
	v.SetDefault("business.outbox_interval", 200*time.Millisecond)
	v.SetDefault("business.allow_exempt_adjustments", false)
	v.SetDefault("business.outbox_batch_size", 100)

	v.SetDefault("closing.workers", 8)
	v.SetDefault("closing.event_timeout", 10*time.Second)
	v.SetDefault("closing.page_size", 500)
	v.SetDefault("closing.timezone", "America/Sao_Paulo")
	v.SetDefault("closing.scheduler_enabled", true)
	v.SetDefault("closing.monthly_schedule", "0 0 2 1 * *")
	v.SetDefault("closing.quarterly_schedule", "0 0 4 1 1,4,7,10 *")

	v.SetDefault("withdrawal.fee_percent", "2")
	v.SetDefault("withdrawal.fee_fixed", 0)
	v.SetDefault("withdrawal.min_amount", 1000)
	v.SetDefault("withdrawal.default_region", "BR")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads the YAML file at configPath (optional) and MLM_ prefixed
// environment variables on top of the defaults.
func LoadConfig(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("MLM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
