package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/pulsehub/internal/app"
	"github.com/pscheid92/pulsehub/internal/domain"
	apperrors "github.com/pscheid92/pulsehub/internal/platform/errors"
)

type statusResponse struct {
	ID     uuid.UUID     `json:"id"`
	Status domain.Status `json:"status"`
}

type publishMetricRequest struct {
	Topic string   `json:"topic"`
	Value *float64 `json:"value"`
}

type publishBenchmarkRequest struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	identity, _ := identityFrom(c)

	var req app.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("request body must be a JSON object")
	}

	session, err := s.app.CreateSession(c.Request().Context(), identity, req)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusCreated, session); err != nil {
		return fmt.Errorf("failed to write session response: %w", err)
	}
	return nil
}

func (s *Server) handleGetSession(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	session, err := s.app.GetSession(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, session); err != nil {
		return fmt.Errorf("failed to write session response: %w", err)
	}
	return nil
}

func (s *Server) handlePauseSession(c echo.Context) error {
	return s.changeStatus(c, domain.StatusPaused, s.app.PauseSession)
}

func (s *Server) handleResumeSession(c echo.Context) error {
	return s.changeStatus(c, domain.StatusActive, s.app.ResumeSession)
}

func (s *Server) handleCloseSession(c echo.Context) error {
	return s.changeStatus(c, domain.StatusCompleted, s.app.CloseSession)
}

type statusChange func(ctx context.Context, caller domain.Identity, id uuid.UUID) error

func (s *Server) changeStatus(c echo.Context, target domain.Status, change statusChange) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}
	identity, _ := identityFrom(c)

	if err := change(c.Request().Context(), identity, id); err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, statusResponse{ID: id, Status: target}); err != nil {
		return fmt.Errorf("failed to write status response: %w", err)
	}
	return nil
}

func (s *Server) handlePublishMetric(c echo.Context) error {
	var req publishMetricRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("request body must be a JSON object")
	}
	if req.Value == nil {
		return apperrors.ValidationError("value is required")
	}

	fired, err := s.app.PublishMetric(c.Request().Context(), req.Topic, *req.Value)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusAccepted, map[string]int{"alerts_fired": fired}); err != nil {
		return fmt.Errorf("failed to write metric response: %w", err)
	}
	return nil
}

func (s *Server) handlePublishBenchmark(c echo.Context) error {
	var req publishBenchmarkRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("request body must be a JSON object")
	}

	recipients, err := s.app.PublishBenchmark(c.Request().Context(), req.Topic, req.Data)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusAccepted, map[string]int{"recipients": recipients}); err != nil {
		return fmt.Errorf("failed to write benchmark response: %w", err)
	}
	return nil
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.app.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, stats); err != nil {
		return fmt.Errorf("failed to write stats response: %w", err)
	}
	return nil
}

func sessionIDParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid session id").WithContext("id", c.Param("id"))
	}
	return id, nil
}
