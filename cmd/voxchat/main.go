// voxchat - push-to-talk voice client for a streaming chat backend
// Records an utterance, transcribes it, streams the reply and speaks it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/voxchat/internal/config"
	"github.com/teslashibe/voxchat/internal/log"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.LogLevel, cfg.LogFormat)

	app, err := newApp(cfg)
	if err != nil {
		log.L().Error("initialization failed", "error", err)
		os.Exit(1)
	}
	defer app.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.L().Error("runtime error", "error", err)
		os.Exit(1)
	}
}

// parseFlags loads env configuration and applies command line overrides.
func parseFlags() (*config.Config, error) {
	envFile := flag.String("env", ".env", "Path to a .env file")
	backend := flag.String("backend", "", "Backend REST base URL (overrides VOXCHAT_BACKEND_URL)")
	wsURL := flag.String("ws", "", "Chat stream websocket URL (overrides VOXCHAT_WS_URL)")
	tts := flag.String("tts", "", "TTS provider: backend, elevenlabs, openai")
	stt := flag.String("stt", "", "STT provider: backend, openai")
	audio := flag.String("audio", "", "Audio backend: auto, command, mock")
	web := flag.String("web", "", "Serve the control surface on this port")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return nil, err
	}

	if *backend != "" {
		cfg.BackendURL = *backend
	}
	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}
	if *tts != "" {
		cfg.TTSProvider = *tts
	}
	if *stt != "" {
		cfg.STTProvider = *stt
	}
	if *audio != "" {
		cfg.AudioBackend = *audio
	}
	if *web != "" {
		cfg.WebPort = *web
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}
