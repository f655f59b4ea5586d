package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the node configuration
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Backend string        `mapstructure:"backend"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Bus     BusConfig     `mapstructure:"bus"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Debug   bool          `mapstructure:"debug"`
}

// NodeConfig identifies this node in the deployment
type NodeConfig struct {
	// Name is stamped as the source on messages this node originates on
	// its own behalf. Empty means a generated name.
	Name string `mapstructure:"name"`
}

// RedisConfig holds the connection to the Redis-compatible relay medium
type RedisConfig struct {
	// URL in the format: redis://[password@]host:port[/db]
	// The db number doubles as the logical partition index: nodes on
	// different dbs never see each other.
	URL string `mapstructure:"url"`

	// Channel is the single shared pub/sub channel all nodes relay
	// through.
	Channel string `mapstructure:"channel"`

	// SequenceKey is the shared counter the ordering IDs come from.
	SequenceKey string `mapstructure:"sequence_key"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PingFailures int           `mapstructure:"ping_failures"`
}

// BusConfig tunes the process-local bus
type BusConfig struct {
	HistorySize      int           `mapstructure:"history_size"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	SequenceTimeout  time.Duration `mapstructure:"sequence_timeout"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	viper.SetConfigName("backplane")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/backplane")

	// Set defaults
	setDefaults()

	// Enable environment variable support with underscore replacer
	viper.AutomaticEnv()
	viper.SetEnvPrefix("BACKPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
		log.Info().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("Config file loaded")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	// Check multiple locations for .env file
	locations := []string{
		".env",
		".env.local",
		"../.env", // For when running from subdirectories
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults() {
	// Node defaults
	viper.SetDefault("node.name", "")

	// Backend defaults
	viper.SetDefault("backend", "redis")

	// Redis defaults
	viper.SetDefault("redis.url", "redis://localhost:6379")
	viper.SetDefault("redis.channel", "backplane:events")
	viper.SetDefault("redis.sequence_key", "backplane:seq")
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.ping_interval", "15s")
	viper.SetDefault("redis.ping_failures", 3)

	// Bus defaults
	viper.SetDefault("bus.history_size", 256)
	viper.SetDefault("bus.subscriber_buffer", 64)
	viper.SetDefault("bus.sequence_timeout", "5s")

	// Server defaults
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.idle_timeout", "60s")
	viper.SetDefault("server.body_limit", 1*1024*1024) // 1MB

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)

	// General defaults
	viper.SetDefault("debug", false)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Backend != "redis" && c.Backend != "local" {
		return fmt.Errorf("backend must be 'redis' or 'local'")
	}

	if c.Backend == "redis" {
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the redis backend")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty")
		}
		if c.Redis.SequenceKey == "" {
			return fmt.Errorf("redis.sequence_key must not be empty")
		}
		if c.Redis.PingFailures < 1 {
			return fmt.Errorf("redis.ping_failures must be at least 1")
		}
	}

	if c.Bus.HistorySize < 1 {
		return fmt.Errorf("bus.history_size must be at least 1")
	}
	if c.Bus.SubscriberBuffer < 1 {
		return fmt.Errorf("bus.subscriber_buffer must be at least 1")
	}

	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}

	return nil
}
