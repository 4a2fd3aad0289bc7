package httpserver

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/platform/correlation"
)

func TestCorrelation_EchoesCallerID(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := do(t, srv, http.MethodGet, "/health/live", "", correlation.Header, "trace-7")

	assert.Equal(t, "trace-7", rec.Header().Get(correlation.Header))
}

func TestCorrelation_GeneratesID(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := do(t, srv, http.MethodGet, "/health/live", "")

	_, err := ulid.ParseStrict(rec.Header().Get(correlation.Header))
	assert.NoError(t, err)
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := do(t, srv, http.MethodGet, "/version", "")

	assert.Equal(t, "nosniff", rec.Header().Get(echo.HeaderXContentTypeOptions))
	assert.Equal(t, "DENY", rec.Header().Get(echo.HeaderXFrameOptions))
}

func TestWebSocketRouteDelegates(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := do(t, srv, http.MethodGet, "/ws", "")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "websocket", rec.Body.String())
}

func TestMetricsEndpoint_RecordsAPIRequests(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	doAuthed(t, srv, http.MethodGet, "/api/stats", "")
	do(t, srv, http.MethodGet, "/api/stats", "")

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pulsehub_http_requests_total{method="GET",route="/api/stats",status="2xx"} 1`)
	assert.Contains(t, rec.Body.String(), `pulsehub_http_errors_total{type="unauthorized"} 1`)
}
