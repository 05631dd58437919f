// Package config loads schedd settings from a .env file, the environment and
// an optional config file, in that order of precedence (environment wins).
package config

import (
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"schedd/internal/errors"
)

type Config struct {
	Redis      RedisConfig
	DB         DBConfig
	Scheduler  SchedulerConfig
	Validation ValidationConfig
	Auth       AuthConfig
	Delivery   DeliveryConfig
	Ops        OpsConfig
	Log        LogConfig
}

type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type SchedulerConfig struct {
	PollInterval   time.Duration
	MisfireGrace   time.Duration
	PoolSize       int
	PoolQueueSize  int
	LockTTL        time.Duration
	SweepInterval  time.Duration
	StoreRetries   int
	RetryBaseDelay time.Duration
}

type ValidationConfig struct {
	MinFrequency   time.Duration
	RequestTimeout time.Duration
}

type AuthConfig struct {
	TokenURL        string
	ClientID        string
	ClientSecret    string
	JWTSecret       string
	JWTIssuer       string
	ServiceIdentity string
	TokenTTL        time.Duration
	HTTPTimeout     time.Duration
}

type DeliveryConfig struct {
	Workers     int
	RatePerSec  float64
	Burst       int
	MaxRetries  int
	HTTPTimeout time.Duration
}

type OpsConfig struct {
	Addr      string
	RateLimit float64
}

type LogConfig struct {
	JSON  bool
	Level string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "schedd:")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "schedd")
	v.SetDefault("db.ssl", "disable")

	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.misfire_grace", 60*time.Second)
	v.SetDefault("scheduler.pool_size", 20)
	v.SetDefault("scheduler.pool_queue_size", 1000)
	v.SetDefault("scheduler.lock_ttl", 4*time.Second)
	v.SetDefault("scheduler.sweep_interval", time.Minute)
	v.SetDefault("scheduler.store_retries", 6)
	v.SetDefault("scheduler.retry_base_delay", 200*time.Millisecond)

	v.SetDefault("validation.min_frequency", 3600*time.Second)
	v.SetDefault("validation.request_timeout", 30*time.Second)

	v.SetDefault("auth.token_url", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "schedd")
	v.SetDefault("auth.service_identity", "scheduler")
	v.SetDefault("auth.token_ttl", 5*time.Minute)
	v.SetDefault("auth.http_timeout", 10*time.Second)

	v.SetDefault("delivery.workers", 8)
	v.SetDefault("delivery.rate_per_sec", 50.0)
	v.SetDefault("delivery.burst", 10)
	v.SetDefault("delivery.max_retries", 5)
	v.SetDefault("delivery.http_timeout", 15*time.Second)

	v.SetDefault("ops.addr", ":8080")
	v.SetDefault("ops.rate_limit", 10.0)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// Load reads envFile (if present) into the process environment, then builds a
// Config from defaults, configFile (optional) and environment variables.
// Environment keys are the upper-cased setting path with dots replaced by
// underscores, e.g. SCHEDULER_POLL_INTERVAL or REDIS_HOST.
func Load(envFile, configFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "load env file %s", envFile)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without consulting the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Redis: RedisConfig{
			Host:         v.GetString("redis.host"),
			Port:         v.GetString("redis.port"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			KeyPrefix:    v.GetString("redis.key_prefix"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
		},
		DB: DBConfig{
			Host:     v.GetString("db.host"),
			Port:     v.GetString("db.port"),
			User:     v.GetString("db.user"),
			Password: v.GetString("db.password"),
			Name:     v.GetString("db.name"),
			SSLMode:  v.GetString("db.ssl"),
		},
		Scheduler: SchedulerConfig{
			PollInterval:   v.GetDuration("scheduler.poll_interval"),
			MisfireGrace:   v.GetDuration("scheduler.misfire_grace"),
			PoolSize:       v.GetInt("scheduler.pool_size"),
			PoolQueueSize:  v.GetInt("scheduler.pool_queue_size"),
			LockTTL:        v.GetDuration("scheduler.lock_ttl"),
			SweepInterval:  v.GetDuration("scheduler.sweep_interval"),
			StoreRetries:   v.GetInt("scheduler.store_retries"),
			RetryBaseDelay: v.GetDuration("scheduler.retry_base_delay"),
		},
		Validation: ValidationConfig{
			MinFrequency:   v.GetDuration("validation.min_frequency"),
			RequestTimeout: v.GetDuration("validation.request_timeout"),
		},
		Auth: AuthConfig{
			TokenURL:        v.GetString("auth.token_url"),
			ClientID:        v.GetString("auth.client_id"),
			ClientSecret:    v.GetString("auth.client_secret"),
			JWTSecret:       v.GetString("auth.jwt_secret"),
			JWTIssuer:       v.GetString("auth.jwt_issuer"),
			ServiceIdentity: v.GetString("auth.service_identity"),
			TokenTTL:        v.GetDuration("auth.token_ttl"),
			HTTPTimeout:     v.GetDuration("auth.http_timeout"),
		},
		Delivery: DeliveryConfig{
			Workers:     v.GetInt("delivery.workers"),
			RatePerSec:  v.GetFloat64("delivery.rate_per_sec"),
			Burst:       v.GetInt("delivery.burst"),
			MaxRetries:  v.GetInt("delivery.max_retries"),
			HTTPTimeout: v.GetDuration("delivery.http_timeout"),
		},
		Ops: OpsConfig{
			Addr:      v.GetString("ops.addr"),
			RateLimit: v.GetFloat64("ops.rate_limit"),
		},
		Log: LogConfig{
			JSON:  v.GetBool("log.json"),
			Level: v.GetString("log.level"),
		},
	}
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	s := c.Scheduler
	switch {
	case s.PollInterval <= 0:
		return errors.InvalidUsagef("scheduler.poll_interval must be positive, got %s", s.PollInterval)
	case s.PoolSize < 1:
		return errors.InvalidUsagef("scheduler.pool_size must be at least 1, got %d", s.PoolSize)
	case s.PoolQueueSize < 1:
		return errors.InvalidUsagef("scheduler.pool_queue_size must be at least 1, got %d", s.PoolQueueSize)
	case s.LockTTL <= 0:
		return errors.InvalidUsagef("scheduler.lock_ttl must be positive, got %s", s.LockTTL)
	case s.StoreRetries < 1:
		return errors.InvalidUsagef("scheduler.store_retries must be at least 1, got %d", s.StoreRetries)
	case s.MisfireGrace < c.Validation.RequestTimeout:
		return errors.InvalidUsagef("scheduler.misfire_grace (%s) must not be shorter than validation.request_timeout (%s)",
			s.MisfireGrace, c.Validation.RequestTimeout)
	case c.Validation.MinFrequency <= 0:
		return errors.InvalidUsagef("validation.min_frequency must be positive, got %s", c.Validation.MinFrequency)
	case c.Delivery.Workers < 1:
		return errors.InvalidUsagef("delivery.workers must be at least 1, got %d", c.Delivery.Workers)
	}
	return nil
}
