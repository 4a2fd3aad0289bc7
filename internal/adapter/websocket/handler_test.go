package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/domain"
	"github.com/pscheid92/pulsehub/internal/hub"
	"github.com/pscheid92/pulsehub/internal/platform/correlation"
	apperrors "github.com/pscheid92/pulsehub/internal/platform/errors"
	"github.com/pscheid92/pulsehub/internal/platform/logging"
)

// stubAuth accepts tokens of the form "user:<id>".
type stubAuth struct{}

func (stubAuth) Authenticate(_ context.Context, token string) (domain.Identity, error) {
	userID, ok := strings.CutPrefix(token, "user:")
	if !ok || userID == "" {
		return domain.Identity{}, domain.ErrAuthFailure
	}
	return domain.Identity{UserID: userID, DisplayName: userID}, nil
}

type testServer struct {
	hub    *hub.Hub
	limits *ConnectionLimits
	url    string
}

func newTestServer(t *testing.T, configure ...func(*Config, **ConnectionLimits)) *testServer {
	t.Helper()

	h := hub.New(hub.Options{Metrics: metrics.NewHubMetrics(prometheus.NewRegistry())})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})

	clock := clockwork.NewRealClock()
	cfg := Config{SendBufferSize: 16, PingInterval: time.Minute, MessageRate: 100, MessageBurst: 100}
	limits := NewConnectionLimits(clock, 100, 100, 100, 100)
	for _, fn := range configure {
		fn(&cfg, &limits)
	}

	handler := NewHandler(h, stubAuth{}, limits, metrics.NewWebSocketMetrics(prometheus.NewRegistry()), clock, cfg)

	e := echo.New()
	e.Use(apperrors.Middleware(nil))
	e.GET("/ws", handler.Handle)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &testServer{hub: h, limits: limits, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (s *testServer) dial(t *testing.T, token string) *ws.Conn {
	t.Helper()
	conn, resp, err := ws.DefaultDialer.Dial(s.url+"?token="+token, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *ws.Conn) domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHandler_RejectsBadToken(t *testing.T) {
	srv := newTestServer(t)

	for _, token := range []string{"", "garbage"} {
		_, resp, err := ws.DefaultDialer.Dial(srv.url+"?token="+token, nil)
		require.ErrorIs(t, err, ws.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}

	total, _ := srv.limits.Current()
	assert.Zero(t, total, "rejected handshakes release their slot")
}

func TestHandler_BearerHeader(t *testing.T) {
	srv := newTestServer(t)

	header := http.Header{"Authorization": []string{"Bearer user:bob"}}
	conn, resp, err := ws.DefaultDialer.Dial(srv.url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, domain.EventWelcome, readEvent(t, conn).Type)
}

func TestHandler_WelcomeAndPing(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, "user:alice")

	welcome := readEvent(t, conn)
	assert.Equal(t, domain.EventWelcome, welcome.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": domain.MsgPing}))
	assert.Equal(t, domain.EventPong, readEvent(t, conn).Type)
}

func TestHandler_MalformedFrames(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, "user:alice")
	readEvent(t, conn)

	for _, frame := range []string{"not json", `{}`, `{"type":`} {
		require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(frame)))
		ev := readEvent(t, conn)
		assert.Equal(t, domain.EventError, ev.Type, frame)
		assert.Equal(t, domain.CodeInvalidMessage, ev.Code, frame)
	}

	// The connection survives bad frames.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": domain.MsgPing}))
	assert.Equal(t, domain.EventPong, readEvent(t, conn).Type)
}

func TestHandler_UndispatchedFramesRefreshActivity(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, "user:alice")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var welcome struct {
		Type string `json:"type"`
		Data struct {
			ConnectionID domain.ConnID `json:"connection_id"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, domain.EventWelcome, welcome.Type)
	id := welcome.Data.ConnectionID

	before, err := srv.hub.Connection(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before.ConnectedAt, before.LastActivity)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(ws.BinaryMessage, []byte{0x01}))

	require.Eventually(t, func() bool {
		info, err := srv.hub.Connection(context.Background(), id)
		return err == nil && info.LastActivity.After(before.LastActivity)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_LogsCarryCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(logging.New(&buf, "debug", "json"))
	t.Cleanup(func() { slog.SetDefault(previous) })

	clock := clockwork.NewRealClock()
	handler := NewHandler(nil, stubAuth{}, NewConnectionLimits(clock, 10, 10, 10, 10),
		metrics.NewWebSocketMetrics(prometheus.NewRegistry()), clock, Config{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	req = req.WithContext(correlation.WithID(req.Context(), "ws-trace-1"))
	c := e.NewContext(req, httptest.NewRecorder())

	var appErr *apperrors.Error
	require.ErrorAs(t, handler.Handle(c), &appErr)
	assert.Equal(t, apperrors.TypeUnauthorized, appErr.Type)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "WebSocket authentication failed", record["msg"])
	assert.Equal(t, "ws-trace-1", record["correlation_id"])
}

func TestHandler_MessageRateLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config, _ **ConnectionLimits) {
		cfg.MessageRate = 0.001
		cfg.MessageBurst = 1
	})
	conn := srv.dial(t, "user:alice")
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": domain.MsgPing}))
	assert.Equal(t, domain.EventPong, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": domain.MsgPing}))
	ev := readEvent(t, conn)
	assert.Equal(t, domain.EventError, ev.Type)
	assert.Equal(t, domain.CodeRateLimited, ev.Code)
}

func TestHandler_PerIPLimit(t *testing.T) {
	srv := newTestServer(t, func(_ *Config, limits **ConnectionLimits) {
		*limits = NewConnectionLimits(clockwork.NewRealClock(), 100, 1, 100, 100)
	})
	conn := srv.dial(t, "user:alice")
	readEvent(t, conn)

	_, resp, err := ws.DefaultDialer.Dial(srv.url+"?token=user:bob", nil)
	require.ErrorIs(t, err, ws.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, "user:alice")
	readEvent(t, conn)

	stats, err := srv.hub.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Connections)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		stats, err := srv.hub.Stats(context.Background())
		total, _ := srv.limits.Current()
		return err == nil && stats.Connections == 0 && total == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ShutdownClosesGracefully(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, "user:alice")
	readEvent(t, conn)

	require.NoError(t, srv.hub.Shutdown(context.Background()))

	assert.Equal(t, domain.EventServerShutdown, readEvent(t, conn).Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *ws.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "server shutting down", closeErr.Text)
}

func TestDecode(t *testing.T) {
	msg, err := decode([]byte(`{"type":"subscribe_score","topic":"cpu"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.MsgSubscribeScore, msg.Type)
	assert.Equal(t, "cpu", msg.Topic)

	_, err = decode([]byte(`{"topic":"cpu"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)

	var raw json.RawMessage
	_, err = decode(raw)
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
}
