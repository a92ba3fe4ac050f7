// Package config loads dagflow settings.
//
// Values are layered: built-in defaults, then a YAML file, then
// environment variables. Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("dagflow.yaml").
//	    WithEnvPrefix("DAGFLOW").
//	    Load()
//
// Environment keys join the prefix and the env tags of the nested fields
// with underscores, e.g. DAGFLOW_CACHE_REDIS_ADDR or DAGFLOW_AI_MODEL.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the complete dagflow configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine" env:"ENGINE"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	AI      AIConfig      `yaml:"ai" env:"AI"`
	Cache   CacheConfig   `yaml:"cache" env:"CACHE"`
	Store   StoreConfig   `yaml:"store" env:"STORE"`
	Events  EventsConfig  `yaml:"events" env:"EVENTS"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	// DefaultNodeTimeout bounds attempts of nodes without their own timeout.
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout" env:"DEFAULT_NODE_TIMEOUT" validate:"gte=0"`
	// ShutdownTimeout is how long the CLI waits for a stopped execution to settle.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`
}

// LogConfig selects the zap logger configuration.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format      string   `yaml:"format" env:"FORMAT" validate:"oneof=json console"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS" validate:"min=1"`
}

// AIConfig configures the chat model behind AI nodes.
type AIConfig struct {
	// Provider is one of openai, anthropic, google or mock.
	Provider    string        `yaml:"provider" env:"PROVIDER" validate:"oneof=openai anthropic google mock"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	Model       string        `yaml:"model" env:"MODEL" validate:"required"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS" validate:"gte=1"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE" validate:"gte=0,lte=2"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`

	// RequestsPerSecond paces model calls across all AI nodes. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND" validate:"gte=0"`
	Burst             int     `yaml:"burst" env:"BURST" validate:"gte=0"`
}

// CacheConfig selects the node result cache backend.
type CacheConfig struct {
	// Backend is one of none, memory, redis or badger.
	Backend string        `yaml:"backend" env:"BACKEND" validate:"oneof=none memory redis badger"`
	TTL     time.Duration `yaml:"ttl" env:"TTL" validate:"gte=0"`
	MaxSize int           `yaml:"max_size" env:"MAX_SIZE" validate:"gte=0"`

	Redis  RedisConfig  `yaml:"redis" env:"REDIS"`
	Badger BadgerConfig `yaml:"badger" env:"BADGER"`
}

// RedisConfig addresses the redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB" validate:"gte=0"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// BadgerConfig locates the badger cache backend.
type BadgerConfig struct {
	// Dir is the database directory. Empty runs badger in memory.
	Dir string `yaml:"dir" env:"DIR"`
}

// StoreConfig selects where terminal execution snapshots are archived.
type StoreConfig struct {
	// Backend is one of none, memory, sqlite, mysql or postgres.
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=none memory sqlite mysql postgres"`
	// DSN is the sqlite path or the mysql/postgres data source name.
	DSN string `yaml:"dsn" env:"DSN"`
}

// EventsConfig selects the event sink.
type EventsConfig struct {
	// Sink is one of none, log, otel or watermill.
	Sink string `yaml:"sink" env:"SINK" validate:"oneof=none log otel watermill"`

	// BufferSize makes delivery asynchronous when positive.
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE" validate:"gte=0"`

	// Transport is the watermill publisher: gochannel or kafka.
	Transport string   `yaml:"transport" env:"TRANSPORT" validate:"oneof=gochannel kafka"`
	Topic     string   `yaml:"topic" env:"TOPIC" validate:"required"`
	Brokers   []string `yaml:"brokers" env:"BROKERS"`

	// OTLPEndpoint is the OTLP/HTTP collector URL for the otel sink. Empty
	// uses the OTEL_EXPORTER_OTLP_* environment defaults.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME" validate:"required"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
	Path    string `yaml:"path" env:"PATH"`
}

// Validate checks the settings that depend on more than one field.
func (c *Config) Validate() error {
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return errors.New("cache.redis.addr is required for the redis backend")
	}
	switch c.Store.Backend {
	case "sqlite", "mysql", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend)
		}
	}
	if c.Events.Sink == "watermill" && c.Events.Transport == "kafka" && len(c.Events.Brokers) == 0 {
		return errors.New("events.brokers is required for the kafka transport")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	return nil
}
