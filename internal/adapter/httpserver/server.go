package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/app"
	"github.com/pscheid92/pulsehub/internal/domain"
)

type appService interface {
	CreateSession(ctx context.Context, creator domain.Identity, req app.CreateSessionRequest) (*domain.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	PauseSession(ctx context.Context, caller domain.Identity, id uuid.UUID) error
	ResumeSession(ctx context.Context, caller domain.Identity, id uuid.UUID) error
	CloseSession(ctx context.Context, caller domain.Identity, id uuid.UUID) error
	PublishMetric(ctx context.Context, topic string, value float64) (int, error)
	PublishBenchmark(ctx context.Context, topic string, data json.RawMessage) (int, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

type Config struct {
	Port     string
	APIRate  float64
	APIBurst int
}

type Server struct {
	echo   *echo.Echo
	config Config
	clock  clockwork.Clock

	app  appService
	auth domain.Authenticator

	websocketHandler echo.HandlerFunc
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg Config, app appService, auth domain.Authenticator, websocketHandler echo.HandlerFunc, httpMetrics *metrics.HTTPMetrics, metricsHandler http.Handler, clock clockwork.Clock, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:             e,
		config:           cfg,
		clock:            clock,
		app:              app,
		auth:             auth,
		websocketHandler: websocketHandler,
		metricsHandler:   metricsHandler,
		httpMetrics:      httpMetrics,
		healthChecks:     healthChecks,
		startTime:        clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

// ServeHTTP lets tests drive the full middleware chain without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
