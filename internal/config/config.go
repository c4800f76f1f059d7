// Package config loads hub configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable the hub server reads at startup. Redis and NATS
// are optional: leaving their addresses empty disables rate limiting and the
// event relay respectively.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	AllowedOrigin  string        `envconfig:"ALLOWED_ORIGIN" default:"*"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	NATSURL   string `envconfig:"NATS_URL"`

	AIEndpoint string        `envconfig:"AI_ENDPOINT" default:"https://api.groq.com/openai/v1/chat/completions"`
	AIModel    string        `envconfig:"AI_MODEL" default:"llama-3.3-70b-versatile"`
	AIAPIKey   string        `envconfig:"GROQ_API_KEY"`
	AITimeout  time.Duration `envconfig:"AI_TIMEOUT" default:"30s"`
}

// Load reads a .env file if one is present, then populates the Config from
// the environment. A missing .env is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to process environment: %w", err)
	}
	return cfg, nil
}
