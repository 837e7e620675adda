package web

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/voxchat/pkg/capture"
	"github.com/teslashibe/voxchat/pkg/hub"
	"github.com/teslashibe/voxchat/pkg/session"
	"github.com/teslashibe/voxchat/pkg/voice"
)

// handleHealth reports liveness
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"clients": s.stateHub.ClientCount(),
	})
}

// handleState returns the orchestrator snapshot
func (s *Server) handleState(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Snapshot())
}

// handleMetrics returns the current and average turn metrics
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	if s.metrics == nil {
		return fiber.NewError(fiber.StatusNotFound, "metrics not enabled")
	}
	return c.JSON(fiber.Map{
		"current": s.metrics.Current(),
		"average": s.metrics.Average(),
	})
}

// handleRecordStart starts recording
func (s *Server) handleRecordStart(c *fiber.Ctx) error {
	if err := s.ctrl.StartRecording(c.UserContext()); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(s.ctrl.Snapshot())
}

// handleRecordStop stops recording and runs the rest of the turn in the
// background. Progress is reported over /ws/state.
func (s *Server) handleRecordStop(c *fiber.Ctx) error {
	done, err := s.ctrl.StartProcessing(s.runCtx)
	if err != nil {
		return s.fail(c, err)
	}

	go func() {
		if err := <-done; err != nil && !errors.Is(err, voice.ErrCanceled) {
			s.logger.Warn("turn failed", "step", voice.FailedStep(err), "error", err)
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "processing"})
}

// handleCancel cancels the current turn
func (s *Server) handleCancel(c *fiber.Ctx) error {
	s.ctrl.Cancel()
	return c.JSON(s.ctrl.Snapshot())
}

// handleReset cancels and clears the transcript and response
func (s *Server) handleReset(c *fiber.Ctx) error {
	s.ctrl.Reset()
	return c.JSON(s.ctrl.Snapshot())
}

// handleClearError clears the error message
func (s *Server) handleClearError(c *fiber.Ctx) error {
	s.ctrl.ClearError()
	return c.JSON(s.ctrl.Snapshot())
}

// SessionResponse describes the active session.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title,omitempty"`
}

// handleCurrentSession returns the active session id
func (s *Server) handleCurrentSession(c *fiber.Ctx) error {
	id, err := s.sessions.SessionID()
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(SessionResponse{SessionID: id, Title: s.sessions.Title(id, "")})
}

// handleNewSession starts a new session
func (s *Server) handleNewSession(c *fiber.Ctx) error {
	id, err := s.sessions.NewSession()
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(SessionResponse{SessionID: id})
}

// handleSwitchSession makes an existing session active
func (s *Server) handleSwitchSession(c *fiber.Ctx) error {
	var req SessionResponse
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := s.sessions.SetSessionID(req.SessionID); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(SessionResponse{SessionID: req.SessionID, Title: s.sessions.Title(req.SessionID, "")})
}

// handleListTitles returns all title overrides
func (s *Server) handleListTitles(c *fiber.Ctx) error {
	return c.JSON(s.sessions.Titles())
}

// RenameRequest is the request body for renaming a session
type RenameRequest struct {
	Title string `json:"title"`
}

// handleRenameSession stores a title override
func (s *Server) handleRenameSession(c *fiber.Ctx) error {
	id := c.Params("id")

	var req RenameRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := s.sessions.Rename(id, req.Title); err != nil {
		if errors.Is(err, session.ErrEmptyTitle) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return s.fail(c, err)
	}
	return c.JSON(SessionResponse{SessionID: id, Title: s.sessions.Title(id, "")})
}

// handleDeleteSession removes a title override
func (s *Server) handleDeleteSession(c *fiber.Ctx) error {
	if err := s.sessions.Delete(c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleStateWS streams snapshots, starting with the current one
func (s *Server) handleStateWS(c *websocket.Conn) {
	first, err := hub.Encode(s.ctrl.Snapshot())
	if err != nil {
		s.logger.Warn("snapshot encode failed", "error", err)
		return
	}
	hub.NewClient(s.stateHub, c, first).Run()
}

// fail maps an error to a status code and JSON body
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, voice.ErrBusy), errors.Is(err, voice.ErrNotRecording):
		status = fiber.StatusConflict
	case errors.Is(err, capture.ErrDeviceUnavailable):
		status = fiber.StatusServiceUnavailable
	}

	body := fiber.Map{"error": err.Error()}
	if msg := s.ctrl.Snapshot().Error; msg != "" {
		body["message"] = msg
	}
	return c.Status(status).JSON(body)
}
