// Package web provides the local control surface for the voice client:
// a small REST API plus a websocket feed of orchestrator snapshots.
package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/teslashibe/voxchat/pkg/hub"
	"github.com/teslashibe/voxchat/pkg/session"
	"github.com/teslashibe/voxchat/pkg/voice"
)

// Controller is the part of the orchestrator the server drives.
// *voice.Orchestrator implements it.
type Controller interface {
	Snapshot() voice.Snapshot
	StartRecording(ctx context.Context) error
	StopAndProcess(ctx context.Context) error
	StartProcessing(ctx context.Context) (<-chan error, error)
	Cancel()
	Reset()
	ClearError()
	OnChange(fn func(voice.Snapshot)) func()
}

var _ Controller = (*voice.Orchestrator)(nil)

// Server is the control surface server
type Server struct {
	app      *fiber.App
	port     string
	ctrl     Controller
	sessions session.Store
	metrics  *voice.MetricsCollector
	logger   *slog.Logger

	// Hub for websocket broadcast
	stateHub *hub.Hub
	unwatch  func()

	// runCtx scopes turns started over HTTP
	runCtx    context.Context
	runCancel context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes a metrics collector on /api/metrics.
func WithMetrics(m *voice.MetricsCollector) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new control surface server
func NewServer(port string, ctrl Controller, sessions session.Store, opts ...Option) *Server {
	s := &Server{
		port:     port,
		ctrl:     ctrl,
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web.server")
	s.stateHub = hub.New("state", s.logger)
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	app := fiber.New(fiber.Config{
		AppName:               "voxchat",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Get("/state", s.handleState)
	api.Get("/metrics", s.handleMetrics)
	api.Post("/record/start", s.handleRecordStart)
	api.Post("/record/stop", s.handleRecordStop)
	api.Post("/cancel", s.handleCancel)
	api.Post("/reset", s.handleReset)
	api.Post("/error/clear", s.handleClearError)
	api.Get("/sessions/current", s.handleCurrentSession)
	api.Post("/sessions", s.handleNewSession)
	api.Put("/sessions/current", s.handleSwitchSession)
	api.Get("/sessions/titles", s.handleListTitles)
	api.Put("/sessions/:id/title", s.handleRenameSession)
	api.Delete("/sessions/:id/title", s.handleDeleteSession)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/state", websocket.New(s.handleStateWS))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the snapshot broadcast hub.
func (s *Server) Hub() *hub.Hub {
	return s.stateHub
}

// Start starts the hub and serves until Shutdown.
func (s *Server) Start() error {
	s.run()
	s.logger.Info("control surface listening", "url", "http://localhost:"+s.port)
	return s.app.Listen(":" + s.port)
}

// StartAsync starts the web server in a goroutine
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server stopped", "error", err)
		}
	}()
}

// run starts broadcasting snapshots.
func (s *Server) run() {
	if s.unwatch != nil {
		return
	}
	go s.stateHub.Run()
	s.unwatch = s.ctrl.OnChange(func(snap voice.Snapshot) {
		if err := s.stateHub.BroadcastJSON(snap); err != nil {
			s.logger.Warn("snapshot encode failed", "error", err)
		}
	})
}

// Shutdown gracefully stops the web server
func (s *Server) Shutdown() error {
	if s.unwatch != nil {
		s.unwatch()
	}
	s.runCancel()
	s.stateHub.Stop()
	return s.app.ShutdownWithTimeout(5 * time.Second)
}
