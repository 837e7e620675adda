package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"VOXCHAT_BACKEND_URL", "VOXCHAT_WS_URL", "VOXCHAT_RECONNECT_DELAY",
		"VOXCHAT_RECONNECT_ATTEMPTS", "VOXCHAT_CHAT_TIMEOUT", "VOXCHAT_TTS_PROVIDER",
		"VOXCHAT_STT_PROVIDER", "VOXCHAT_PERSONA_ID",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BackendURL != DefaultBackendURL {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.WSURL != DefaultWSURL {
		t.Errorf("WSURL = %q", cfg.WSURL)
	}
	if cfg.ReconnectDelay != 3*time.Second {
		t.Errorf("ReconnectDelay = %v", cfg.ReconnectDelay)
	}
	if cfg.ReconnectAttempts != 5 {
		t.Errorf("ReconnectAttempts = %d", cfg.ReconnectAttempts)
	}
	if cfg.ChatTimeout != 30*time.Second {
		t.Errorf("ChatTimeout = %v", cfg.ChatTimeout)
	}
	if cfg.TTSProvider != "backend" || cfg.STTProvider != "backend" {
		t.Errorf("providers = %q/%q", cfg.TTSProvider, cfg.STTProvider)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VOXCHAT_BACKEND_URL", "http://example.test/api/")
	t.Setenv("VOXCHAT_RECONNECT_DELAY", "1500")
	t.Setenv("VOXCHAT_CHAT_TIMEOUT", "10s")
	t.Setenv("VOXCHAT_RECONNECT_ATTEMPTS", "2")
	t.Setenv("VOXCHAT_TTS_PROVIDER", "elevenlabs")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BackendURL != "http://example.test/api" {
		t.Errorf("BackendURL = %q, want trailing slash trimmed", cfg.BackendURL)
	}
	if cfg.ReconnectDelay != 1500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v", cfg.ReconnectDelay)
	}
	if cfg.ChatTimeout != 10*time.Second {
		t.Errorf("ChatTimeout = %v", cfg.ChatTimeout)
	}
	if cfg.ReconnectAttempts != 2 {
		t.Errorf("ReconnectAttempts = %d", cfg.ReconnectAttempts)
	}
	if cfg.TTSProvider != "elevenlabs" {
		t.Errorf("TTSProvider = %q", cfg.TTSProvider)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	t.Setenv("VOXCHAT_PERSONA_ID", "")

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("VOXCHAT_PERSONA_ID=7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("VOXCHAT_PERSONA_ID") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PersonaID != 7 {
		t.Errorf("PersonaID = %d, want 7", cfg.PersonaID)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{TTSProvider: "backend", STTProvider: "backend", ChatTimeout: time.Second}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown tts", func(c *Config) { c.TTSProvider = "festival" }, true},
		{"unknown stt", func(c *Config) { c.STTProvider = "vosk" }, true},
		{"openai without key", func(c *Config) { c.STTProvider = "openai" }, true},
		{"openai with key", func(c *Config) { c.TTSProvider = "openai"; c.OpenAIAPIKey = "sk-test" }, false},
		{"negative attempts", func(c *Config) { c.ReconnectAttempts = -1 }, true},
		{"zero timeout", func(c *Config) { c.ChatTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadBackend(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("VOXCHAT_CHAT_MODEL", "")

	cfg, err := LoadBackend(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadBackend() error = %v", err)
	}
	if cfg.Port != DefaultBackendPort {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.ChatModel != DefaultChatModel {
		t.Errorf("ChatModel = %q", cfg.ChatModel)
	}
	if !cfg.Offline() {
		t.Error("Offline() = false without an API key")
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "4000")
	cfg, err = LoadBackend(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadBackend() error = %v", err)
	}
	if cfg.Port != "4000" || cfg.Offline() {
		t.Errorf("Port = %q, Offline = %v", cfg.Port, cfg.Offline())
	}
}
