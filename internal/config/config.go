package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the binaries look for the config unless POINT_CONFIG is set.
const DefaultPath = "internal/config/config.yaml"

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Store     StoreConfig     `yaml:"store"`
	Retry     RetryConfig     `yaml:"retry"`
	Poller    PollerConfig    `yaml:"poller"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// MetricsPort serves /metrics from the consumer, which has no API port.
	MetricsPort int `yaml:"metrics_port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	GroupID         string   `yaml:"group_id"`
	DeadLetterTopic string   `yaml:"dead_letter_topic"`
	OutboxTopic     string   `yaml:"outbox_topic"`
	Workers         int      `yaml:"workers"`
}

// StoreConfig bounds every ledger call.
type StoreConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	DedupCacheSize int           `yaml:"dedup_cache_size"`
}

// RetryConfig caps redelivery of events that failed on storage.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type PollerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Default returns the config used for any key the file leaves out.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8085, MetricsPort: 9102},
		Log:    LogConfig{Level: "info"},
		Redis:  RedisConfig{Addr: "localhost:6379", TTL: 5 * time.Minute},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			Topic:           "winterschoolone",
			GroupID:         "point",
			DeadLetterTopic: "winterschoolone.point.dlq",
			OutboxTopic:     "point.events",
			Workers:         4,
		},
		Store:     StoreConfig{Timeout: 3 * time.Second, DedupCacheSize: 4096},
		Retry:     RetryConfig{MaxAttempts: 5, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second},
		Poller:    PollerConfig{Interval: time.Second, BatchSize: 100},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
	}
}

// Path returns POINT_CONFIG when set, DefaultPath otherwise.
func Path() string {
	if p := os.Getenv("POINT_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads yaml file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if cfg.Kafka.Workers <= 0 {
		cfg.Kafka.Workers = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Poller.Interval <= 0 {
		cfg.Poller.Interval = time.Second
	}
	if cfg.Poller.BatchSize <= 0 {
		cfg.Poller.BatchSize = 100
	}
	return &cfg, nil
}
