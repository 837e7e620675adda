// Package config loads process configuration for voxchat commands.
// Values come from the environment, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults mirror the browser client this tool replaces.
const (
	DefaultBackendURL        = "http://localhost:3001/api"
	DefaultWSURL             = "ws://localhost:3001/api/chat/stream"
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectAttempts = 5
	DefaultChatTimeout       = 30 * time.Second
	DefaultPersonaID         = 1
	DefaultSystemPrompt      = "You are talking with the user out loud. Reply with short, concise sentences."
)

// Config holds all application configuration.
type Config struct {
	// Backend endpoints
	BackendURL string
	WSURL      string

	// Channel behavior
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	ChatTimeout       time.Duration

	// Providers: "backend", "elevenlabs", "openai"
	TTSProvider string
	// Providers: "backend", "openai"
	STTProvider  string
	OpenAIAPIKey string

	// Audio: "auto", "command", "mock"
	AudioBackend string
	AudioDevice  string

	// Conversation
	PersonaID    int
	SystemPrompt string
	StateFile    string

	// Presentation; empty disables the web control surface
	WebPort string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment.
// envFiles are loaded first if present; missing files are ignored
// and existing environment variables are never overridden.
func Load(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := &Config{
		BackendURL:        strings.TrimRight(getEnv("VOXCHAT_BACKEND_URL", DefaultBackendURL), "/"),
		WSURL:             getEnv("VOXCHAT_WS_URL", DefaultWSURL),
		ReconnectDelay:    getDuration("VOXCHAT_RECONNECT_DELAY", DefaultReconnectDelay),
		ReconnectAttempts: getInt("VOXCHAT_RECONNECT_ATTEMPTS", DefaultReconnectAttempts),
		ChatTimeout:       getDuration("VOXCHAT_CHAT_TIMEOUT", DefaultChatTimeout),
		TTSProvider:       getEnv("VOXCHAT_TTS_PROVIDER", "backend"),
		STTProvider:       getEnv("VOXCHAT_STT_PROVIDER", "backend"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		AudioBackend:      getEnv("VOXCHAT_AUDIO_BACKEND", "auto"),
		AudioDevice:       os.Getenv("VOXCHAT_AUDIO_DEVICE"),
		PersonaID:         getInt("VOXCHAT_PERSONA_ID", DefaultPersonaID),
		SystemPrompt:      getEnv("VOXCHAT_SYSTEM_PROMPT", DefaultSystemPrompt),
		StateFile:         getEnv("VOXCHAT_STATE_FILE", defaultStateFile()),
		WebPort:           os.Getenv("VOXCHAT_WEB_PORT"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.TTSProvider {
	case "backend", "elevenlabs", "openai":
	default:
		return fmt.Errorf("config: unknown TTS provider %q", c.TTSProvider)
	}
	switch c.STTProvider {
	case "backend", "openai":
	default:
		return fmt.Errorf("config: unknown STT provider %q", c.STTProvider)
	}
	if (c.TTSProvider == "openai" || c.STTProvider == "openai") && c.OpenAIAPIKey == "" {
		return fmt.Errorf("config: OPENAI_API_KEY is required for the openai provider")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("config: reconnect attempts must not be negative")
	}
	if c.ChatTimeout <= 0 {
		return fmt.Errorf("config: chat timeout must be positive")
	}
	return nil
}

func loadEnvFiles(envFiles []string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func defaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".voxchat", "state.json")
	}
	return filepath.Join(home, ".voxchat", "state.json")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// getDuration accepts Go duration strings ("3s") or plain milliseconds ("3000").
func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
