package channel

import (
	"log/slog"
	"net/http"
	"time"
)

// Defaults match the reconnect policy of the web client.
const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// Config holds channel configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Reconnect policy: fixed delay, bounded attempts.
	// Zero attempts disables automatic reconnection.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// Timeouts
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Transport
	Header http.Header
	Dialer Dialer

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring a Channel.
type Option func(*Config)

// WithReconnect sets the maximum number of consecutive reconnect attempts
// and the fixed delay before each.
func WithReconnect(attempts int, delay time.Duration) Option {
	return func(c *Config) {
		c.ReconnectAttempts = attempts
		c.ReconnectDelay = delay
	}
}

// WithDialer replaces the websocket transport.
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithHandshakeTimeout bounds each dial.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithHeader adds a header to the websocket handshake.
func WithHeader(key, value string) Option {
	return func(c *Config) {
		if c.Header == nil {
			c.Header = http.Header{}
		}
		c.Header.Add(key, value)
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() *Config {
	return &Config{
		ReconnectAttempts: DefaultReconnectAttempts,
		ReconnectDelay:    DefaultReconnectDelay,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		Logger:            slog.Default(),
	}
}

// Apply applies options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		c.Dialer = NewWebsocketDialer(c.HandshakeTimeout)
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
}
