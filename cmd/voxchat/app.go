package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/teslashibe/voxchat/internal/config"
	"github.com/teslashibe/voxchat/internal/log"
	"github.com/teslashibe/voxchat/pkg/audioio"
	"github.com/teslashibe/voxchat/pkg/capture"
	"github.com/teslashibe/voxchat/pkg/channel"
	"github.com/teslashibe/voxchat/pkg/chat"
	"github.com/teslashibe/voxchat/pkg/playback"
	"github.com/teslashibe/voxchat/pkg/session"
	"github.com/teslashibe/voxchat/pkg/speech"
	"github.com/teslashibe/voxchat/pkg/voice"
	"github.com/teslashibe/voxchat/pkg/web"
)

// App wires the voice client together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	channel  *channel.Channel
	recorder *capture.Recorder
	player   *playback.Player
	sessions *session.JSONStore
	orch     *voice.Orchestrator
	web      *web.Server
}

// newApp builds every component from configuration. Nothing touches the
// network or audio devices until Run.
func newApp(cfg *config.Config) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: log.Component("voxchat"),
	}

	a.channel = channel.New(cfg.WSURL,
		channel.WithReconnect(cfg.ReconnectAttempts, cfg.ReconnectDelay),
		channel.WithLogger(log.L()),
	)

	metrics := voice.NewMetricsCollector()
	correlator := chat.NewCorrelator(a.channel,
		chat.WithAutoConnect(true),
		chat.WithDefaultTimeout(cfg.ChatTimeout),
		chat.OnChunk(func(string) { metrics.MarkFirstToken() }),
		chat.WithLogger(log.L()),
	)

	transcriber, err := newTranscriber(cfg)
	if err != nil {
		return nil, fmt.Errorf("transcriber: %w", err)
	}
	synthesizer, err := newSynthesizer(cfg)
	if err != nil {
		return nil, fmt.Errorf("synthesizer: %w", err)
	}

	captureCfg := audioio.DefaultConfig()
	captureCfg.Backend = audioio.Backend(cfg.AudioBackend)
	captureCfg.Device = cfg.AudioDevice
	a.recorder = capture.NewRecorder(capture.DeviceOpener(log.L()),
		capture.WithConfig(captureCfg),
		capture.WithLogger(log.L()),
	)

	playCfg := audioio.PlaybackConfig()
	playCfg.Backend = audioio.Backend(cfg.AudioBackend)
	sink, err := audioio.NewSink(playCfg, log.L())
	if err != nil {
		return nil, fmt.Errorf("open audio output: %w", err)
	}
	a.player = playback.NewPlayer(sink, playback.WithLogger(log.L()))

	a.sessions, err = session.NewJSONStore(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	a.orch, err = voice.New(voice.Deps{
		Recorder:    a.recorder,
		Transcriber: transcriber,
		Chat:        correlator,
		Synthesizer: synthesizer,
		Player:      a.player,
	},
		voice.WithPersonaID(cfg.PersonaID),
		voice.WithSystemPrompt(cfg.SystemPrompt),
		voice.WithChatTimeout(cfg.ChatTimeout),
		voice.WithSessions(a.sessions),
		voice.WithMetrics(metrics),
		voice.WithLogger(log.L()),
	)
	if err != nil {
		return nil, err
	}

	if cfg.WebPort != "" {
		a.web = web.NewServer(cfg.WebPort, a.orch, a.sessions,
			web.WithMetrics(metrics),
			web.WithLogger(log.L()),
		)
	}
	return a, nil
}

func newTranscriber(cfg *config.Config) (speech.Transcriber, error) {
	opts := []speech.Option{speech.WithLogger(log.L())}
	if cfg.STTProvider == "openai" {
		return speech.NewOpenAITranscriber(append(opts, speech.WithAPIKey(cfg.OpenAIAPIKey))...)
	}
	return speech.NewBackend(cfg.BackendURL, opts...), nil
}

// newSynthesizer returns the configured provider, falling back to the
// backend's OpenAI-style endpoint when it is not the backend itself.
func newSynthesizer(cfg *config.Config) (speech.Synthesizer, error) {
	opts := []speech.Option{speech.WithLogger(log.L())}
	backend := speech.NewBackend(cfg.BackendURL, opts...)

	var primary speech.Synthesizer
	switch cfg.TTSProvider {
	case "elevenlabs":
		primary = speech.NewElevenLabsBackend(cfg.BackendURL, opts...)
	case "openai":
		s, err := speech.NewOpenAISynthesizer(append(opts, speech.WithAPIKey(cfg.OpenAIAPIKey))...)
		if err != nil {
			return nil, err
		}
		primary = s
	default:
		return backend, nil
	}
	return speech.NewChain(log.L(), primary, backend)
}

// Run connects, then reads push-to-talk commands from in until ctx ends,
// in reaches EOF, or the user quits.
func (a *App) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := a.channel.Connect(ctx); err != nil {
		// the correlator connects on demand, so keep going
		a.logger.Warn("chat stream unavailable", "url", a.cfg.WSURL, "error", err)
	}

	if a.web != nil {
		a.web.StartAsync()
	}

	sessionID, err := a.sessions.SessionID()
	if err != nil {
		return err
	}
	a.logger.Info("ready", "session", sessionID, "tts", a.cfg.TTSProvider, "stt", a.cfg.STTProvider)

	return newConsole(a.orch, a.orch.Metrics(), out).run(ctx, in)
}

// Shutdown releases devices and connections.
func (a *App) Shutdown() {
	if a.orch != nil {
		a.orch.Cancel()
	}
	if a.web != nil {
		if err := a.web.Shutdown(); err != nil {
			a.logger.Warn("web shutdown", "error", err)
		}
	}
	if a.player != nil {
		a.player.Close()
	}
	if a.channel != nil {
		a.channel.Disconnect()
	}
	a.logger.Info("shutdown complete")
}

// console maps input lines to orchestrator actions and prints progress.
type console struct {
	ctrl    web.Controller
	metrics *voice.MetricsCollector
	out     io.Writer

	mu   sync.Mutex
	last voice.Snapshot
	wg   sync.WaitGroup
}

func newConsole(ctrl web.Controller, metrics *voice.MetricsCollector, out io.Writer) *console {
	return &console{ctrl: ctrl, metrics: metrics, out: out, last: ctrl.Snapshot()}
}

const help = "⏎ record/stop · c cancel · r reset · q quit"

func (c *console) run(ctx context.Context, in io.Reader) error {
	unwatch := c.ctrl.OnChange(c.show)
	defer unwatch()
	defer c.wg.Wait()
	defer c.ctrl.Cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("🎙️  %s\n", help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle runs one command and reports whether to quit.
func (c *console) handle(ctx context.Context, cmd string) bool {
	switch strings.ToLower(cmd) {
	case "":
		c.toggle(ctx)
	case "c", "cancel":
		c.ctrl.Cancel()
	case "r", "reset":
		c.ctrl.Reset()
	case "q", "quit", "exit":
		return true
	default:
		c.printf("%s\n", help)
	}
	return false
}

func (c *console) toggle(ctx context.Context) {
	switch c.ctrl.Snapshot().State {
	case voice.StateIdle:
		// failures surface through the snapshot error
		if err := c.ctrl.StartRecording(ctx); errors.Is(err, voice.ErrBusy) {
			c.printf("⏳ busy, press c to cancel\n")
		}
	case voice.StateRecording:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.ctrl.StopAndProcess(ctx); err == nil && c.metrics != nil {
				m := c.metrics.Current()
				c.printf("⏱️  %s\n", m.FormatLatency())
			}
		}()
	default:
		c.printf("⏳ busy, press c to cancel\n")
	}
}

// show prints what changed since the last snapshot.
func (c *console) show(s voice.Snapshot) {
	c.mu.Lock()
	prev := c.last
	c.last = s
	c.mu.Unlock()

	if s.State != prev.State {
		switch s.State {
		case voice.StateRecording:
			c.printf("🔴 recording… press enter to stop\n")
		case voice.StateProcessing:
			c.printf("💭 thinking…\n")
		case voice.StatePlaying:
			c.printf("🔊 speaking…\n")
		}
	}
	if s.Transcript != "" && s.Transcript != prev.Transcript {
		c.printf("🗣️  you: %s\n", s.Transcript)
	}
	if s.Response != "" && s.Response != prev.Response {
		c.printf("🤖 %s\n", s.Response)
	}
	if s.Error != "" && s.Error != prev.Error {
		c.printf("❌ %s\n", s.Error)
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
