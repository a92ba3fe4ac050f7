package config

import "time"

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Engine:  DefaultEngineConfig(),
		Log:     DefaultLogConfig(),
		AI:      DefaultAIConfig(),
		Cache:   DefaultCacheConfig(),
		Store:   DefaultStoreConfig(),
		Events:  DefaultEventsConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ShutdownTimeout: 5 * time.Second,
	}
}

// DefaultLogConfig returns the logging defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "console",
		OutputPaths: []string{"stderr"},
	}
}

// DefaultAIConfig returns the AI provider defaults.
func DefaultAIConfig() AIConfig {
	return AIConfig{
		Provider:    "openai",
		Model:       "gpt-3.5-turbo",
		MaxTokens:   2000,
		Temperature: 0.7,
		Timeout:     30 * time.Second,
	}
}

// DefaultCacheConfig returns the cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backend: "memory",
		TTL:     time.Hour,
		MaxSize: 10000,
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "dagflow:cache:",
		},
	}
}

// DefaultStoreConfig returns the result store defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{Backend: "memory"}
}

// DefaultEventsConfig returns the event sink defaults.
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		Sink:        "log",
		Transport:   "gochannel",
		Topic:       "dagflow.events",
		ServiceName: "dagflow",
	}
}

// DefaultMetricsConfig returns the metrics defaults.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Addr: ":9090",
		Path: "/metrics",
	}
}
