package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/app"
	"github.com/pscheid92/pulsehub/internal/domain"
)

func TestAPI_RequiresBearerToken(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := do(t, srv, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["type"])

	rec = do(t, srv, http.MethodGet, "/api/stats", "", "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid or expired token", decodeBody(t, rec)["error"])
}

func TestCreateSession(t *testing.T) {
	id := uuid.New()
	var gotCreator domain.Identity
	var gotReq app.CreateSessionRequest
	srv := newTestServer(t, &mockAppService{
		createSessionFn: func(_ context.Context, creator domain.Identity, req app.CreateSessionRequest) (*domain.Session, error) {
			gotCreator, gotReq = creator, req
			return testSession(id), nil
		},
	})

	rec := doAuthed(t, srv, http.MethodPost, "/api/sessions", `{"kind":"review","max_participants":10,"expires_in":"1h"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, alice, gotCreator)
	assert.Equal(t, app.CreateSessionRequest{Kind: "review", MaxParticipants: 10, ExpiresIn: "1h"}, gotReq)

	var session domain.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, id, session.ID)
	assert.Equal(t, domain.StatusActive, session.Status)
	assert.Equal(t, domain.RoleOwner, session.Roles[alice.UserID])
}

func TestCreateSession_MalformedBody(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := doAuthed(t, srv, http.MethodPost, "/api/sessions", `{"kind":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody(t, rec)["type"])
}

func TestCreateSession_InvalidSettings(t *testing.T) {
	srv := newTestServer(t, &mockAppService{
		createSessionFn: func(context.Context, domain.Identity, app.CreateSessionRequest) (*domain.Session, error) {
			return nil, fmt.Errorf("%w: kind is required", domain.ErrInvalidSettings)
		},
	})

	rec := doAuthed(t, srv, http.MethodPost, "/api/sessions", `{}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, domain.CodeInvalidSettings, body["code"])
	assert.Contains(t, body["error"], "kind is required")
}

func TestGetSession(t *testing.T) {
	id := uuid.New()
	srv := newTestServer(t, &mockAppService{
		getSessionFn: func(_ context.Context, got uuid.UUID) (*domain.Session, error) {
			if got != id {
				return nil, domain.ErrSessionNotFound
			}
			return testSession(id), nil
		},
	})

	rec := doAuthed(t, srv, http.MethodGet, "/api/sessions/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id.String(), decodeBody(t, rec)["id"])

	rec = doAuthed(t, srv, http.MethodGet, "/api/sessions/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.CodeSessionNotFound, decodeBody(t, rec)["code"])
}

func TestGetSession_InvalidID(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := doAuthed(t, srv, http.MethodGet, "/api/sessions/not-a-uuid", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid session id", decodeBody(t, rec)["error"])
}

func TestChangeSessionStatus(t *testing.T) {
	tests := []struct {
		path   string
		op     string
		status string
	}{
		{"pause", "pause", "paused"},
		{"resume", "resume", "active"},
		{"close", "close", "completed"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id := uuid.New()
			var gotOp string
			var gotCaller domain.Identity
			srv := newTestServer(t, &mockAppService{
				changeStatusFn: func(op string, caller domain.Identity, got uuid.UUID) error {
					gotOp, gotCaller = op, caller
					assert.Equal(t, id, got)
					return nil
				},
			})

			rec := doAuthed(t, srv, http.MethodPost, "/api/sessions/"+id.String()+"/"+tt.path, "")

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.op, gotOp)
			assert.Equal(t, alice, gotCaller)
			assert.Equal(t, tt.status, decodeBody(t, rec)["status"])
		})
	}
}

func TestChangeSessionStatus_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not owner", domain.ErrPermissionDenied, http.StatusForbidden},
		{"terminal", domain.ErrSessionNotActive, http.StatusConflict},
		{"unknown", domain.ErrSessionNotFound, http.StatusNotFound},
		{"hub stopped", domain.ErrHubStopped, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &mockAppService{
				changeStatusFn: func(string, domain.Identity, uuid.UUID) error { return tt.err },
			})

			rec := doAuthed(t, srv, http.MethodPost, "/api/sessions/"+uuid.NewString()+"/pause", "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestPublishMetric(t *testing.T) {
	var gotTopic string
	var gotValue float64
	srv := newTestServer(t, &mockAppService{
		publishMetricFn: func(_ context.Context, topic string, value float64) (int, error) {
			gotTopic, gotValue = topic, value
			return 2, nil
		},
	})

	rec := doAuthed(t, srv, http.MethodPost, "/api/metrics", `{"topic":"cpu","value":0}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "cpu", gotTopic)
	assert.Zero(t, gotValue)
	assert.InDelta(t, 2.0, decodeBody(t, rec)["alerts_fired"], 1e-9)
}

func TestPublishMetric_MissingValue(t *testing.T) {
	called := false
	srv := newTestServer(t, &mockAppService{
		publishMetricFn: func(context.Context, string, float64) (int, error) {
			called = true
			return 0, nil
		},
	})

	rec := doAuthed(t, srv, http.MethodPost, "/api/metrics", `{"topic":"cpu"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "value is required", decodeBody(t, rec)["error"])
	assert.False(t, called)
}

func TestPublishBenchmark(t *testing.T) {
	var gotData json.RawMessage
	srv := newTestServer(t, &mockAppService{
		publishBenchmarkFn: func(_ context.Context, topic string, data json.RawMessage) (int, error) {
			assert.Equal(t, "latency", topic)
			gotData = data
			return 3, nil
		},
	})

	rec := doAuthed(t, srv, http.MethodPost, "/api/benchmarks", `{"topic":"latency","data":{"p99":12}}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"p99":12}`, string(gotData))
	assert.InDelta(t, 3.0, decodeBody(t, rec)["recipients"], 1e-9)
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, &mockAppService{
		statsFn: func(context.Context) (domain.Stats, error) {
			return domain.Stats{Connections: 4, Sessions: 2, ActiveSessions: 1, Topics: 3, Subscriptions: 5, AlertRules: 1}, nil
		},
	})

	rec := doAuthed(t, srv, http.MethodGet, "/api/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":4,"sessions":2,"active_sessions":1,"topics":3,"subscriptions":5,"alert_rules":1}`, rec.Body.String())
}

func TestAPI_RateLimited(t *testing.T) {
	srv := newTestServer(t, &mockAppService{}, withAPIRate(0.01, 1))

	rec := doAuthed(t, srv, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doAuthed(t, srv, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeBody(t, rec)["type"])
}
