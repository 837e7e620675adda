package speech

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/teslashibe/voxchat/internal/httpc"
)

// Config holds speech client configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Credentials for direct providers
	APIKey  string
	BaseURL string

	// Transport
	HTTPClient *http.Client
	Timeout    time.Duration

	// Retry configuration
	MaxRetries int
	RetryDelay time.Duration

	// Response size cap for audio payloads
	MaxResponseBytes int64

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring speech clients.
type Option func(*Config)

// WithAPIKey sets the API key for direct providers.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithBaseURL overrides the provider's base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithRetry configures retry behavior for rate-limited and 5xx responses.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:          httpc.DefaultTimeout,
		MaxRetries:       2,
		RetryDelay:       200 * time.Millisecond,
		MaxResponseBytes: 32 << 20,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = httpc.NewClient(c.Timeout)
	}
}

// Validate checks that a direct provider has credentials.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
