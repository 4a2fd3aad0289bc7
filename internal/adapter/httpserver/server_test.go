package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/app"
	"github.com/pscheid92/pulsehub/internal/domain"
)

const aliceToken = "alice-token"

var alice = domain.Identity{UserID: "alice", DisplayName: "Alice"}

type stubAuthenticator struct{}

func (stubAuthenticator) Authenticate(_ context.Context, token string) (domain.Identity, error) {
	if token == aliceToken {
		return alice, nil
	}
	return domain.Identity{}, fmt.Errorf("%w: unknown token", domain.ErrAuthFailure)
}

type mockAppService struct {
	createSessionFn    func(ctx context.Context, creator domain.Identity, req app.CreateSessionRequest) (*domain.Session, error)
	getSessionFn       func(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	changeStatusFn     func(op string, caller domain.Identity, id uuid.UUID) error
	publishMetricFn    func(ctx context.Context, topic string, value float64) (int, error)
	publishBenchmarkFn func(ctx context.Context, topic string, data json.RawMessage) (int, error)
	statsFn            func(ctx context.Context) (domain.Stats, error)
}

func (m *mockAppService) CreateSession(ctx context.Context, creator domain.Identity, req app.CreateSessionRequest) (*domain.Session, error) {
	if m.createSessionFn != nil {
		return m.createSessionFn(ctx, creator, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAppService) GetSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, id)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
}

func (m *mockAppService) PauseSession(_ context.Context, caller domain.Identity, id uuid.UUID) error {
	return m.changeStatus("pause", caller, id)
}

func (m *mockAppService) ResumeSession(_ context.Context, caller domain.Identity, id uuid.UUID) error {
	return m.changeStatus("resume", caller, id)
}

func (m *mockAppService) CloseSession(_ context.Context, caller domain.Identity, id uuid.UUID) error {
	return m.changeStatus("close", caller, id)
}

func (m *mockAppService) changeStatus(op string, caller domain.Identity, id uuid.UUID) error {
	if m.changeStatusFn != nil {
		return m.changeStatusFn(op, caller, id)
	}
	return nil
}

func (m *mockAppService) PublishMetric(ctx context.Context, topic string, value float64) (int, error) {
	if m.publishMetricFn != nil {
		return m.publishMetricFn(ctx, topic, value)
	}
	return 0, nil
}

func (m *mockAppService) PublishBenchmark(ctx context.Context, topic string, data json.RawMessage) (int, error) {
	if m.publishBenchmarkFn != nil {
		return m.publishBenchmarkFn(ctx, topic, data)
	}
	return 0, nil
}

func (m *mockAppService) Stats(ctx context.Context) (domain.Stats, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx)
	}
	return domain.Stats{}, nil
}

type serverOption func(*serverDeps)

type serverDeps struct {
	cfg          Config
	healthChecks []HealthCheck
	clock        clockwork.Clock
	websocket    echo.HandlerFunc
}

func withHealthChecks(checks ...HealthCheck) serverOption {
	return func(d *serverDeps) { d.healthChecks = checks }
}

func withAPIRate(rate float64, burst int) serverOption {
	return func(d *serverDeps) { d.cfg.APIRate, d.cfg.APIBurst = rate, burst }
}

func withClock(clock clockwork.Clock) serverOption {
	return func(d *serverDeps) { d.clock = clock }
}

func newTestServer(t *testing.T, svc appService, opts ...serverOption) *Server {
	t.Helper()
	deps := &serverDeps{
		cfg:   Config{Port: "0", APIRate: 100, APIBurst: 100},
		clock: clockwork.NewFakeClock(),
		websocket: func(c echo.Context) error {
			return c.String(http.StatusTeapot, "websocket")
		},
	}
	for _, opt := range opts {
		opt(deps)
	}

	reg := prometheus.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(reg)
	return NewServer(deps.cfg, svc, stubAuthenticator{}, deps.websocket, httpMetrics,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), deps.clock, deps.healthChecks)
}

func do(t *testing.T, srv *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func doAuthed(t *testing.T, srv *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, srv, method, path, body, append([]string{echo.HeaderAuthorization, "Bearer " + aliceToken}, headers...)...)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func testSession(id uuid.UUID) *domain.Session {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Session{
		ID:        id,
		Kind:      "review",
		Status:    domain.StatusActive,
		Settings:  domain.Settings{MaxParticipants: 10, ExpiresIn: time.Hour},
		CreatedBy: alice.UserID,
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
		Roles:     map[string]domain.Role{alice.UserID: domain.RoleOwner},
	}
}
