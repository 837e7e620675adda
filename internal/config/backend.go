package config

import (
	"fmt"
	"os"
)

// Development backend defaults.
const (
	DefaultBackendPort   = "3001"
	DefaultChatModel     = "gpt-4o-mini"
	DefaultElevenLabsURL = "https://api.elevenlabs.io/v1"
)

// BackendConfig configures the development backend.
type BackendConfig struct {
	Port string

	// Empty keys select the offline echo and tone implementations
	OpenAIAPIKey     string
	ChatModel        string
	ElevenLabsAPIKey string
	ElevenLabsURL    string

	Debug     bool
	LogLevel  string
	LogFormat string
}

// LoadBackend reads the development backend configuration from the
// environment, seeding it from envFiles the same way Load does.
func LoadBackend(envFiles ...string) (*BackendConfig, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := &BackendConfig{
		Port:             getEnv("PORT", DefaultBackendPort),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		ChatModel:        getEnv("VOXCHAT_CHAT_MODEL", DefaultChatModel),
		ElevenLabsAPIKey: os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsURL:    getEnv("ELEVENLABS_URL", DefaultElevenLabsURL),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "text"),
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("config: backend port is required")
	}
	return cfg, nil
}

// Offline reports whether no upstream AI provider is configured.
func (c *BackendConfig) Offline() bool {
	return c.OpenAIAPIKey == ""
}
