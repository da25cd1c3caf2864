// Package config loads client settings from an optional .env file and
// SYNC_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SYNC"

const (
	BackendWebSocket = "websocket"
	BackendRedis     = "redis"
	BackendKafka     = "kafka"
)

type Config struct {
	APIURL        string   `mapstructure:"api_url"`
	PushURL       string   `mapstructure:"push_url"`
	PushBackend   string   `mapstructure:"push_backend"`
	RedisAddr     string   `mapstructure:"redis_addr"`
	KafkaBrokers  []string `mapstructure:"kafka_brokers"`
	KafkaTopic    string   `mapstructure:"kafka_topic"`
	Token         string   `mapstructure:"token"`
	LogLevel      string   `mapstructure:"log_level"`
	LogEncoding   string   `mapstructure:"log_encoding"`
	RetryAttempts int      `mapstructure:"retry_attempts"`
}

// Load reads envFiles (default ".env"; missing files are skipped) into the
// process environment, then decodes SYNC_* variables over the defaults.
// Variables already set in the environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault("api_url", "http://localhost:8081")
	v.SetDefault("push_url", "ws://localhost:8080/ws")
	v.SetDefault("push_backend", BackendWebSocket)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("kafka_topic", "push-events")
	v.SetDefault("token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_encoding", "console")
	v.SetDefault("retry_attempts", 3)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.PushBackend = strings.ToLower(c.PushBackend)
	switch c.PushBackend {
	case BackendWebSocket, BackendRedis, BackendKafka:
	default:
		return fmt.Errorf("config: push_backend must be websocket, redis or kafka, got %q", c.PushBackend)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be debug/info/warn/error, got %q", c.LogLevel)
	}

	if c.APIURL == "" {
		return errors.New("config: api_url is empty")
	}
	if c.PushBackend == BackendKafka && len(c.KafkaBrokers) == 0 {
		return errors.New("config: kafka_brokers is empty")
	}
	if c.RetryAttempts < 1 {
		c.RetryAttempts = 1
	}
	return nil
}
