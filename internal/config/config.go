package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AMQP       AMQPConfig
	Log        LogConfig
	Dispatcher DispatcherConfig
	Live       LiveConfig
	Transport  TransportConfig
}

type AppConfig struct {
	Name           string
	Env            string
	Port           string
	MigrationsPath string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional; an empty Host selects the in-memory idempotency store.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AMQPConfig is optional; an empty URL selects the in-memory event queue.
type AMQPConfig struct {
	URL          string
	OutboundBase string // outbound queue prefix, one queue per channel
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// DispatcherConfig controls the delivery poll loop.
type DispatcherConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	Workers         int
	SendTimeout     time.Duration
	LeaseTTL        time.Duration
	VoiceMaxRetries int
	VoiceRetryDelay time.Duration
}

// LiveConfig controls the catch-up resolution of live campaigns.
type LiveConfig struct {
	SweepInterval  time.Duration
	IdempotencyTTL time.Duration
}

type TransportConfig struct {
	Kind            string  // mock, amqp
	RatePerSecond   float64 // per channel, 0 disables limiting
	Burst           int
	MockSuccessRate float64
}

// Load reads configuration from config.toml and LEADFLOW_* environment
// variables, environment taking precedence, then applies defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:           v.GetString("app.name"),
			Env:            v.GetString("app.env"),
			Port:           v.GetString("app.port"),
			MigrationsPath: v.GetString("app.migrations_path"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		AMQP: AMQPConfig{
			URL:          v.GetString("amqp.url"),
			OutboundBase: v.GetString("amqp.outbound_base"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Dispatcher: DispatcherConfig{
			PollInterval:    v.GetDuration("dispatcher.poll_interval"),
			BatchSize:       v.GetInt("dispatcher.batch_size"),
			Workers:         v.GetInt("dispatcher.workers"),
			SendTimeout:     v.GetDuration("dispatcher.send_timeout"),
			LeaseTTL:        v.GetDuration("dispatcher.lease_ttl"),
			VoiceMaxRetries: v.GetInt("dispatcher.voice_max_retries"),
			VoiceRetryDelay: v.GetDuration("dispatcher.voice_retry_delay"),
		},
		Live: LiveConfig{
			SweepInterval:  v.GetDuration("live.sweep_interval"),
			IdempotencyTTL: v.GetDuration("live.idempotency_ttl"),
		},
		Transport: TransportConfig{
			Kind:            v.GetString("transport.kind"),
			RatePerSecond:   v.GetFloat64("transport.rate_per_second"),
			Burst:           v.GetInt("transport.burst"),
			MockSuccessRate: v.GetFloat64("transport.mock_success_rate"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "leadflow"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.App.MigrationsPath == "" {
		cfg.App.MigrationsPath = "migrations"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "leadflow"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = time.Hour
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.AMQP.OutboundBase == "" {
		cfg.AMQP.OutboundBase = "outbound"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Dispatcher.PollInterval == 0 {
		cfg.Dispatcher.PollInterval = 15 * time.Second
	}
	if cfg.Dispatcher.BatchSize == 0 {
		cfg.Dispatcher.BatchSize = 200
	}
	if cfg.Dispatcher.Workers == 0 {
		cfg.Dispatcher.Workers = 8
	}
	if cfg.Dispatcher.SendTimeout == 0 {
		cfg.Dispatcher.SendTimeout = 10 * time.Second
	}
	if cfg.Dispatcher.LeaseTTL == 0 {
		cfg.Dispatcher.LeaseTTL = 5 * time.Minute
	}
	if cfg.Dispatcher.VoiceMaxRetries == 0 {
		cfg.Dispatcher.VoiceMaxRetries = 3
	}
	if cfg.Dispatcher.VoiceRetryDelay == 0 {
		cfg.Dispatcher.VoiceRetryDelay = 5 * time.Minute
	}
	if cfg.Live.SweepInterval == 0 {
		cfg.Live.SweepInterval = time.Minute
	}
	if cfg.Live.IdempotencyTTL == 0 {
		cfg.Live.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "mock"
	}
	if cfg.Transport.Burst == 0 {
		cfg.Transport.Burst = 1
	}
	if cfg.Transport.MockSuccessRate == 0 {
		cfg.Transport.MockSuccessRate = 0.9
	}
}

func (c *Config) validate() error {
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher.workers must be positive")
	}
	if c.Dispatcher.LeaseTTL <= c.Dispatcher.SendTimeout {
		return fmt.Errorf("dispatcher.lease_ttl (%s) must exceed dispatcher.send_timeout (%s)",
			c.Dispatcher.LeaseTTL, c.Dispatcher.SendTimeout)
	}
	switch c.Transport.Kind {
	case "mock":
	case "amqp":
		if c.AMQP.URL == "" {
			return fmt.Errorf("transport.kind=amqp requires amqp.url")
		}
	default:
		return fmt.Errorf("unknown transport.kind %q", c.Transport.Kind)
	}
	if c.Transport.MockSuccessRate < 0 || c.Transport.MockSuccessRate > 1 {
		return fmt.Errorf("transport.mock_success_rate must be between 0 and 1, got %f", c.Transport.MockSuccessRate)
	}
	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Transport.Kind == "mock" {
			return fmt.Errorf("transport.kind=mock is not allowed in production")
		}
	}
	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns host:port, or "" when Redis is not configured.
func (r *RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
