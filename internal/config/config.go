package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	GuardTTL time.Duration `yaml:"guard_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// LedgerConfig bounds the automatic retry of failed wallet units.
type LedgerConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type DeliveryConfig struct {
	PayoutOnDelivery bool `yaml:"payout_on_delivery"`
}

type OutboxConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultPath is where the processes look for their config unless
// CONFIG_PATH names another file.
const DefaultPath = "internal/config/config.yaml"

// Path returns CONFIG_PATH or DefaultPath.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml bytes, then applies env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if port, err := strconv.Atoi(os.Getenv("SERVER_PORT")); err == nil && port > 0 {
		cfg.Server.Port = port
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Redis.GuardTTL == 0 {
		cfg.Redis.GuardTTL = 30 * time.Second
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "parcel-events"
	}
	if cfg.RateLimit.RPS == 0 {
		cfg.RateLimit.RPS = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Ledger.MaxAttempts == 0 {
		cfg.Ledger.MaxAttempts = 3
	}
	if cfg.Ledger.RetryBackoff == 0 {
		cfg.Ledger.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.Outbox.Interval == 0 {
		cfg.Outbox.Interval = time.Second
	}
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
