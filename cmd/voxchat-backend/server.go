package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/teslashibe/voxchat/pkg/protocol"
	"github.com/teslashibe/voxchat/pkg/speech"
)

const (
	// maxUploadSize caps transcription uploads
	maxUploadSize = 25 << 20

	// answerTimeout bounds one streamed answer
	answerTimeout = 2 * time.Minute
)

// Stats counts backend traffic.
type Stats struct {
	Connections    int64 `json:"connections"`
	Exchanges      int64 `json:"exchanges"`
	Failures       int64 `json:"failures"`
	Transcriptions int64 `json:"transcriptions"`
	Syntheses      int64 `json:"syntheses"`
}

// Server implements the chat stream and audio endpoints the client uses.
type Server struct {
	app         *fiber.App
	responder   Responder
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	elevenLabs  *elevenLabsProxy
	logger      *slog.Logger

	connections    atomic.Int64
	exchanges      atomic.Int64
	failures       atomic.Int64
	transcriptions atomic.Int64
	syntheses      atomic.Int64
}

// Deps are the providers behind the endpoints. A nil elevenLabs disables
// /api/audio/elevenlabs/tts.
type Deps struct {
	Responder   Responder
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	ElevenLabs  *elevenLabsProxy
}

func newServer(deps Deps, debug bool, base *slog.Logger) *Server {
	s := &Server{
		responder:   deps.Responder,
		transcriber: deps.Transcriber,
		synthesizer: deps.Synthesizer,
		elevenLabs:  deps.ElevenLabs,
		logger:      base.With("component", "backend"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voxchat-backend",
		DisableStartupMessage: true,
		BodyLimit:             maxUploadSize + 1<<20,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization,Accept",
	}))
	if debug {
		app.Use(logger.New())
	}

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Post("/audio/transcribe", s.handleTranscribe)
	api.Post("/audio/tts", s.handleTTS)
	api.Post("/audio/elevenlabs/tts", s.handleElevenLabsTTS)

	api.Use("/chat/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/chat/stream", websocket.New(s.handleChatStream))

	s.app = app
	return s
}

// Stats returns a snapshot of the traffic counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:    s.connections.Load(),
		Exchanges:      s.exchanges.Load(),
		Failures:       s.failures.Load(),
		Transcriptions: s.transcriptions.Load(),
		Syntheses:      s.syntheses.Load(),
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":     "ok",
		"elevenlabs": s.elevenLabs != nil,
		"stats":      s.Stats(),
	})
}

// handleChatStream answers chat requests one at a time over the socket.
func (s *Server) handleChatStream(c *websocket.Conn) {
	s.connections.Add(1)
	clog := s.logger.With("remote", c.RemoteAddr().String())
	clog.Info("chat stream connected")
	defer func() {
		s.connections.Add(-1)
		c.Close()
		clog.Info("chat stream closed")
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				clog.Warn("read failed", "error", err)
			}
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			s.sendError(c, "invalid message")
			continue
		}
		if !frame.Is(protocol.TypeMessage) {
			s.sendError(c, fmt.Sprintf("Unknown message type: %s", frame.Type))
			continue
		}
		req, err := frame.ChatRequest()
		if err != nil {
			s.sendError(c, "invalid message")
			continue
		}

		if err := s.answer(c, req); err != nil {
			s.failures.Add(1)
			clog.Error("answer failed", "session", req.SessionID, "error", err)
			s.sendError(c, err.Error())
		}
	}
}

func (s *Server) answer(c *websocket.Conn, req *protocol.ChatRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return errors.New("content is required")
	}
	s.exchanges.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), answerTimeout)
	defer cancel()

	tokens, err := s.responder.Respond(ctx, req, func(delta string) error {
		return c.WriteJSON(protocol.NewChunk(delta, false))
	})
	if err != nil {
		return err
	}

	done := protocol.NewChunk("", true)
	done.MessageID = uuid.NewString()
	done.TokensUsed = tokens
	return c.WriteJSON(done)
}

func (s *Server) sendError(c *websocket.Conn, msg string) {
	if err := c.WriteJSON(protocol.NewErrorFrame(msg)); err != nil {
		s.logger.Debug("error frame not sent", "error", err)
	}
}

// handleTranscribe accepts multipart field "audio".
func (s *Server) handleTranscribe(c *fiber.Ctx) error {
	file, err := c.FormFile("audio")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "audio file is required",
			"details": err.Error(),
		})
	}
	if file.Size > maxUploadSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "file size exceeds maximum allowed (25MB)",
		})
	}
	if file.Size == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "audio file is empty",
		})
	}

	f, err := file.Open()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "failed to read uploaded file",
			"details": err.Error(),
		})
	}
	defer f.Close()

	t, err := s.transcriber.Transcribe(c.UserContext(), f, file.Filename)
	if err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, errUnsupportedAudio) {
			status = fiber.StatusUnsupportedMediaType
		}
		return c.Status(status).JSON(fiber.Map{
			"error":   "failed to transcribe audio",
			"details": err.Error(),
		})
	}
	s.transcriptions.Add(1)

	return c.JSON(fiber.Map{
		"text":     t.Text,
		"language": t.Language,
		"duration": t.Duration.Seconds(),
	})
}

// ttsRequest is the body of POST /api/audio/tts.
type ttsRequest struct {
	Text           string   `json:"text"`
	Voice          string   `json:"voice"`
	Model          string   `json:"model"`
	ResponseFormat string   `json:"response_format"`
	Speed          *float64 `json:"speed"`
}

// handleTTS returns raw audio when the client accepts it, otherwise the
// base64 JSON envelope.
func (s *Server) handleTTS(c *fiber.Ctx) error {
	var req ttsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if status, msg := checkText(req.Text); status != 0 {
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}

	sreq := speech.NewSynthesisRequest(req.Text)
	sreq.Voice = req.Voice
	sreq.Model = req.Model
	if req.ResponseFormat != "" {
		sreq.Format = req.ResponseFormat
	}
	if req.Speed != nil {
		sreq.Speed = *req.Speed
	}

	audio, err := s.synthesizer.Synthesize(c.UserContext(), sreq)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	s.syntheses.Add(1)

	if wantsRawAudio(c.Get(fiber.HeaderAccept)) {
		c.Set(fiber.HeaderContentType, audio.MIMEType)
		return c.Send(audio.Data)
	}
	return c.JSON(fiber.Map{
		"audio_data":      protocol.EncodeAudio(audio.Data),
		"format":          audio.Format,
		"characters_used": len(req.Text),
		"voice":           sreq.Voice,
		"timestamp":       time.Now(),
	})
}

// handleElevenLabsTTS proxies to ElevenLabs, returning mp3.
func (s *Server) handleElevenLabsTTS(c *fiber.Ctx) error {
	if s.elevenLabs == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "ElevenLabs is not configured (set ELEVENLABS_API_KEY)",
		})
	}

	var req elevenLabsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if status, msg := checkText(req.Text); status != 0 {
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}

	data, err := s.elevenLabs.synthesize(c.UserContext(), req)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}
	s.syntheses.Add(1)

	if wantsRawAudio(c.Get(fiber.HeaderAccept)) {
		c.Set(fiber.HeaderContentType, "audio/mpeg")
		return c.Send(data)
	}
	return c.JSON(fiber.Map{
		"audio_data":      protocol.EncodeAudio(data),
		"format":          "mp3",
		"characters_used": len(req.Text),
		"voice_id":        req.VoiceID,
		"timestamp":       time.Now(),
	})
}

// checkText returns a non-zero status when text cannot be synthesized.
func checkText(text string) (int, string) {
	switch {
	case strings.TrimSpace(text) == "":
		return fiber.StatusBadRequest, "text is required"
	case len(text) > speech.MaxTextLength:
		return fiber.StatusRequestEntityTooLarge, "text is too long (max 4096 characters)"
	}
	return 0, ""
}

func wantsRawAudio(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.HasPrefix(mt, "audio/") || mt == "application/octet-stream" {
			return true
		}
	}
	return false
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server, waiting up to timeout for open requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}
