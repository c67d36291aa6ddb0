// Package collector is the HTTP endpoint the delivery client posts batches
// to. Accepted records are published to NATS JetStream.
package collector

import (
	"time"
)

// Config holds collector HTTP configuration.
type Config struct {
	// Addr is the address to listen on (e.g., ":8080")
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`

	// WriteTimeout is the maximum duration before timing out writes of the response
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// MaxHeaderBytes is the maximum size of request headers
	MaxHeaderBytes int `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"` // 1MB

	// MaxBodyBytes is the maximum size of a /track body
	MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"5242880"` // 5MB

	// APIKeys are the accepted bearer tokens
	APIKeys []string `env:"COLLECTOR_API_KEYS,unset"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`

	// Shutdown timeout for graceful shutdown
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// RateLimitConfig holds per-key rate limiting configuration.
type RateLimitConfig struct {
	// Enabled indicates whether rate limiting is enabled
	Enabled bool `env:"ENABLED" envDefault:"true"`

	// PerKeyRPS is the sustained request rate allowed per API key
	PerKeyRPS float64 `env:"PER_KEY_RPS" envDefault:"100"`

	// PerKeyBurst is the burst allowed per API key
	PerKeyBurst int `env:"PER_KEY_BURST" envDefault:"200"`
}
