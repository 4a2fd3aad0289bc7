package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pscheid92/pulsehub/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.probe(startupProbeTimeout))
	s.echo.GET("/health/ready", s.probe(readinessProbeTimeout))
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/version", s.handleVersion)
}

// probe runs every health check concurrently under one deadline and lists
// all failures.
func (s *Server) probe(timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		failures := make([]error, len(s.healthChecks))
		var g errgroup.Group
		for i, hc := range s.healthChecks {
			g.Go(func() error {
				failures[i] = hc.Check(ctx)
				return nil
			})
		}
		_ = g.Wait()

		resp := healthResponse{Status: "ready"}
		for i, err := range failures {
			if err == nil {
				continue
			}
			if resp.Failed == nil {
				resp.Status = "unhealthy"
				resp.Failed = make(map[string]string)
			}
			resp.Failed[s.healthChecks[i].Name] = err.Error()
		}

		code := http.StatusOK
		if resp.Failed != nil {
			code = http.StatusServiceUnavailable
		}
		if err := c.JSON(code, resp); err != nil {
			return fmt.Errorf("failed to write health response: %w", err)
		}
		return nil
	}
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
