package iteratively

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/jonboulle/clockwork"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Default configuration values.
const (
	DefaultFlushQueueSize  = 10
	DefaultBatchSize       = 100
	DefaultFlushInterval   = time.Second
	DefaultMaxRetries      = 25
	DefaultRetryDelayMin   = 10 * time.Second
	DefaultRetryDelayMax   = time.Hour
	DefaultTimeout         = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Config holds the delivery client configuration. It is copied by New and
// never changes afterwards.
type Config struct {
	// URL is the tracking endpoint batches are POSTed to.
	URL string `env:"ITLY_URL"`

	// APIKey is sent as a bearer token.
	APIKey string `env:"ITLY_API_KEY"`

	// BranchName tags every outbound batch (optional).
	BranchName string `env:"ITLY_BRANCH"`

	// TrackingPlanVersion tags every outbound batch (optional).
	TrackingPlanVersion string `env:"ITLY_VERSION"`

	// FlushQueueSize is the buffer length that triggers an automatic flush (default: 10).
	FlushQueueSize int `env:"ITLY_FLUSH_QUEUE_SIZE"`

	// BatchSize is the maximum number of records per POST (default: 100).
	BatchSize int `env:"ITLY_BATCH_SIZE"`

	// FlushInterval is the period of the flush timer (default: 1s).
	FlushInterval time.Duration `env:"ITLY_FLUSH_INTERVAL"`

	// MaxRetries is the number of attempts per batch before it is dropped (default: 25).
	MaxRetries int `env:"ITLY_MAX_RETRIES"`

	// RetryDelayMin is the delay after the first failed attempt (default: 10s).
	RetryDelayMin time.Duration `env:"ITLY_RETRY_DELAY_MIN"`

	// RetryDelayMax is the delay after the last allowed attempt (default: 1h).
	RetryDelayMax time.Duration `env:"ITLY_RETRY_DELAY_MAX"`

	// OmitValues replaces every property value with "" before queueing.
	OmitValues bool `env:"ITLY_OMIT_VALUES"`

	// Timeout is the HTTP request timeout (default: 10s).
	Timeout time.Duration `env:"ITLY_TIMEOUT"`

	// ShutdownTimeout bounds how long a graceful Shutdown waits for an
	// in-flight flush before running the final flush anyway (default: 5s).
	ShutdownTimeout time.Duration `env:"ITLY_SHUTDOWN_TIMEOUT"`

	// Logger receives delivery logs (default: slog.Default()).
	Logger *slog.Logger `env:"-"`

	// Meter records delivery metrics (default: the global MeterProvider).
	Meter otelmetric.Meter `env:"-"`

	// Clock drives the flush timer and retry delays (default: real clock).
	Clock clockwork.Clock `env:"-"`

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client `env:"-"`
}

// LoadConfig reads a Config from ITLY_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("itly: failed to parse config: %w", err)
	}
	return cfg, nil
}

// validate rejects structurally invalid values. The URL and key are not
// checked here: a bad endpoint shows up as delivery failures.
func (c *Config) validate() error {
	if c.FlushQueueSize < 0 {
		return errors.New("itly: FlushQueueSize must be non-negative")
	}
	if c.BatchSize < 0 {
		return errors.New("itly: BatchSize must be non-negative")
	}
	if c.FlushInterval < 0 {
		return errors.New("itly: FlushInterval must be non-negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("itly: MaxRetries must be non-negative")
	}
	if c.RetryDelayMin < 0 || c.RetryDelayMax < 0 {
		return errors.New("itly: retry delays must be non-negative")
	}
	if c.RetryDelayMin > 0 && c.RetryDelayMax > 0 && c.RetryDelayMin > c.RetryDelayMax {
		return errors.New("itly: RetryDelayMin must not exceed RetryDelayMax")
	}
	if c.Timeout < 0 {
		return errors.New("itly: Timeout must be non-negative")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("itly: ShutdownTimeout must be non-negative")
	}
	return nil
}

// withDefaults returns a copy of the config with zero values defaulted.
func (c Config) withDefaults() Config {
	cfg := c

	if cfg.FlushQueueSize == 0 {
		cfg.FlushQueueSize = DefaultFlushQueueSize
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelayMin == 0 {
		cfg.RetryDelayMin = DefaultRetryDelayMin
		if cfg.RetryDelayMax > 0 {
			cfg.RetryDelayMin = min(DefaultRetryDelayMin, cfg.RetryDelayMax)
		}
	}
	if cfg.RetryDelayMax == 0 {
		cfg.RetryDelayMax = max(DefaultRetryDelayMax, cfg.RetryDelayMin)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return cfg
}
