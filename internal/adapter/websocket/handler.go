package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
	"github.com/pscheid92/pulsehub/internal/domain"
	"github.com/pscheid92/pulsehub/internal/hub"
	apperrors "github.com/pscheid92/pulsehub/internal/platform/errors"
)

// Hub is the part of the hub the transport drives.
type Hub interface {
	Register(ctx context.Context, peer hub.Peer, identity domain.Identity) (domain.ConnID, error)
	Unregister(id domain.ConnID)
	Touch(id domain.ConnID)
	MarkAlive(id domain.ConnID)
	HandleInbound(id domain.ConnID, msg domain.InboundMessage)
	SendTo(id domain.ConnID, ev domain.Event)
}

type Config struct {
	SendBufferSize int
	PingInterval   time.Duration
	MessageRate    float64
	MessageBurst   int
	CheckOrigin    func(r *http.Request) bool
}

// Handler upgrades authenticated requests and pumps client frames into the hub.
type Handler struct {
	hub      Hub
	auth     domain.Authenticator
	limits   *ConnectionLimits
	metrics  *metrics.WebSocketMetrics
	clock    clockwork.Clock
	cfg      Config
	upgrader websocket.Upgrader
}

func NewHandler(h Hub, auth domain.Authenticator, limits *ConnectionLimits, wsMetrics *metrics.WebSocketMetrics, clock clockwork.Clock, cfg Config) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Handler{
		hub:     h,
		auth:    auth,
		limits:  limits,
		metrics: wsMetrics,
		clock:   clock,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Handle serves GET /ws. The token is read from the "token" query parameter
// or a bearer Authorization header and verified before the upgrade.
func (h *Handler) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	ip := c.RealIP()
	if reason, ok := h.limits.Acquire(ip); !ok {
		h.metrics.RejectedConnections.WithLabelValues(string(reason)).Inc()
		slog.WarnContext(ctx, "WebSocket connection rejected", "ip", ip, "reason", reason)
		if reason == LimitReasonGlobal {
			return apperrors.UnavailableError("connection limit reached", nil)
		}
		return apperrors.RateLimitedError("too many connections").WithContext("reason", string(reason))
	}
	defer h.limits.Release(ip)

	identity, err := h.auth.Authenticate(ctx, tokenFrom(c.Request()))
	if err != nil {
		h.metrics.AuthFailures.Inc()
		h.metrics.RejectedConnections.WithLabelValues("auth").Inc()
		slog.InfoContext(ctx, "WebSocket authentication failed", "ip", ip, "error", err)
		return apperrors.UnauthorizedError("invalid or expired token")
	}

	connection, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		slog.DebugContext(ctx, "WebSocket upgrade failed", "ip", ip, "error", err)
		return nil
	}

	p := newPeer(connection, h.clock, h.metrics, h.cfg.SendBufferSize)
	id, err := h.hub.Register(ctx, p, identity)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to register connection", "user_id", identity.UserID, "error", err)
		p.Close("server unavailable")
		p.wait()
		return nil
	}

	h.metrics.ActiveConnections.Inc()
	defer h.metrics.ActiveConnections.Dec()

	slog.DebugContext(ctx, "WebSocket connected", "conn_id", id, "user_id", identity.UserID, "ip", ip)
	h.readPump(ctx, connection, id)
	h.hub.Unregister(id)
	p.Close("")
	p.wait()
	slog.DebugContext(ctx, "WebSocket disconnected", "conn_id", id, "user_id", identity.UserID)
	return nil
}

// readPump blocks until the connection fails or the peer is closed.
func (h *Handler) readPump(ctx context.Context, connection *websocket.Conn, id domain.ConnID) {
	readTimeout := 2*h.cfg.PingInterval + writeDeadline
	extend := func() {
		_ = connection.SetReadDeadline(h.clock.Now().Add(readTimeout))
	}

	connection.SetReadLimit(maxMessageSize)
	extend()
	connection.SetPongHandler(func(string) error {
		extend()
		h.hub.MarkAlive(id)
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	for {
		messageType, data, err := connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "WebSocket read failed", "conn_id", id, "error", err)
			}
			return
		}
		extend()

		if messageType != websocket.TextMessage {
			h.hub.Touch(id)
			continue
		}
		if !limiter.AllowN(h.clock.Now(), 1) {
			h.hub.Touch(id)
			h.metrics.RateLimitedMessages.Inc()
			h.hub.SendTo(id, domain.NewErrorEvent(domain.CodeRateLimited, "message rate exceeded", h.clock.Now()))
			continue
		}

		msg, err := decode(data)
		if err != nil {
			h.metrics.MalformedMessages.Inc()
			h.hub.Touch(id)
			h.hub.SendTo(id, domain.NewErrorEventFrom(err, h.clock.Now()))
			continue
		}
		h.hub.HandleInbound(id, msg)
	}
}

var errMissingType = errors.New("message has no type")

func decode(data []byte) (domain.InboundMessage, error) {
	var msg domain.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, errors.Join(domain.ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return msg, errors.Join(domain.ErrInvalidMessage, errMissingType)
	}
	return msg, nil
}

func tokenFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
