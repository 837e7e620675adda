// voxchat-backend: development backend for the voxchat client
// Serves the chat stream socket and audio endpoints, backed by OpenAI when
// OPENAI_API_KEY is set and by offline echo/tone stand-ins otherwise.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/teslashibe/voxchat/internal/config"
	"github.com/teslashibe/voxchat/internal/log"
	"github.com/teslashibe/voxchat/pkg/speech"
)

func main() {
	envFile := flag.String("env", ".env", "Path to a .env file")
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	debug := flag.Bool("debug", false, "Enable request and debug logging")
	flag.Parse()

	cfg, err := config.LoadBackend(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug, cfg.LogLevel = true, "debug"
	}
	log.Init(cfg.LogLevel, cfg.LogFormat)
	logger := log.Component("backend")

	deps, err := buildDeps(cfg)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}
	srv := newServer(deps, cfg.Debug, log.L())

	go func() {
		addr := ":" + cfg.Port
		logger.Info("starting server",
			"addr", addr,
			"offline", cfg.Offline(),
			"elevenlabs", deps.ElevenLabs != nil,
			"ws", fmt.Sprintf("ws://localhost:%s/api/chat/stream", cfg.Port),
		)
		if err := srv.Listen(addr); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := srv.Shutdown(5 * time.Second); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}

// buildDeps picks OpenAI-backed providers when a key is configured.
func buildDeps(cfg *config.BackendConfig) (Deps, error) {
	deps := Deps{
		Responder:   echoResponder{delay: 30 * time.Millisecond},
		Transcriber: offlineTranscriber{},
		Synthesizer: toneSynthesizer{},
	}

	if !cfg.Offline() {
		deps.Responder = newOpenAIResponder(openai.NewClient(cfg.OpenAIAPIKey), cfg.ChatModel)

		opts := []speech.Option{speech.WithAPIKey(cfg.OpenAIAPIKey), speech.WithLogger(log.L())}
		tr, err := speech.NewOpenAITranscriber(opts...)
		if err != nil {
			return Deps{}, err
		}
		synth, err := speech.NewOpenAISynthesizer(opts...)
		if err != nil {
			return Deps{}, err
		}
		deps.Transcriber, deps.Synthesizer = tr, synth
	}

	if cfg.ElevenLabsAPIKey != "" {
		deps.ElevenLabs = newElevenLabsProxy(cfg.ElevenLabsURL, cfg.ElevenLabsAPIKey, log.L())
	}
	return deps, nil
}
