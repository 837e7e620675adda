package voice

import (
	"errors"
	"log/slog"
	"time"

	"github.com/teslashibe/voxchat/pkg/speech"
)

// DefaultSystemPrompt asks the assistant for answers suited to being read aloud.
const DefaultSystemPrompt = "You are speaking with the user out loud. Answer briefly, in short spoken sentences."

// DefaultPersonaID is the backend persona used for spoken turns.
const DefaultPersonaID = 1

// DefaultChatTimeout bounds the chat exchange of one turn.
const DefaultChatTimeout = 30 * time.Second

// Config holds tunable parameters for the orchestrator.
// Parameters are organized by stage.
type Config struct {
	// Chat request
	PersonaID    int    // 0 omits persona_id
	SystemPrompt string // empty omits system_prompt
	ChatProvider string
	ChatModel    string
	Temperature  *float64
	MaxTokens    *int
	FileIDs      []string
	ChatTimeout  time.Duration

	// Synthesis
	Voice          string
	TTSModel       string
	Format         string
	Speed          float64
	SynthesisExtra map[string]any

	Logger *slog.Logger
}

// DefaultConfig returns the configuration used for spoken turns.
func DefaultConfig() Config {
	return Config{
		PersonaID:    DefaultPersonaID,
		SystemPrompt: DefaultSystemPrompt,
		ChatTimeout:  DefaultChatTimeout,

		Voice:    speech.DefaultVoice,
		TTSModel: speech.DefaultModel,
		Format:   speech.DefaultFormat,
		Speed:    speech.DefaultSpeed,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ChatTimeout <= 0 {
		return errors.New("voice: chat timeout must be positive")
	}
	if c.Speed < 0.25 || c.Speed > 4.0 {
		return errors.New("voice: speech speed must be between 0.25 and 4.0")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return errors.New("voice: temperature must be between 0 and 2")
	}
	return nil
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	cfg      Config
	sessions SessionSource
	metrics  *MetricsCollector
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithPersonaID sets the persona sent with each chat request.
func WithPersonaID(id int) Option {
	return func(o *options) {
		o.cfg.PersonaID = id
	}
}

// WithSystemPrompt sets the system prompt sent with each chat request.
func WithSystemPrompt(prompt string) Option {
	return func(o *options) {
		o.cfg.SystemPrompt = prompt
	}
}

// WithChatModel selects the backend provider and model.
func WithChatModel(provider, model string) Option {
	return func(o *options) {
		o.cfg.ChatProvider = provider
		o.cfg.ChatModel = model
	}
}

// WithChatTimeout bounds the chat exchange.
func WithChatTimeout(d time.Duration) Option {
	return func(o *options) {
		o.cfg.ChatTimeout = d
	}
}

// WithVoice sets the synthesis voice and model.
func WithVoice(voice, model string) Option {
	return func(o *options) {
		o.cfg.Voice = voice
		o.cfg.TTSModel = model
	}
}

// WithSpeed sets the speech rate.
func WithSpeed(speed float64) Option {
	return func(o *options) {
		o.cfg.Speed = speed
	}
}

// WithFormat sets the synthesis response format.
func WithFormat(format string) Option {
	return func(o *options) {
		o.cfg.Format = format
	}
}

// WithSynthesisExtra adds provider-specific synthesis fields.
func WithSynthesisExtra(extra map[string]any) Option {
	return func(o *options) {
		o.cfg.SynthesisExtra = extra
	}
}

// WithSessions attaches the session id source for chat requests.
func WithSessions(s SessionSource) Option {
	return func(o *options) {
		o.sessions = s
	}
}

// WithMetrics uses an existing collector, typically one also fed by the
// chat correlator's OnChunk hook.
func WithMetrics(m *MetricsCollector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.cfg.Logger = logger
	}
}
