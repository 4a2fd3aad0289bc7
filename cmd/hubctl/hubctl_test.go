package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/auth"
	"github.com/pscheid92/pulsehub/internal/platform/crypto"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type recordedRequest struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func fakeHub(t *testing.T, status int, response string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	got := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method, got.path, got.auth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PULSEHUB_URL", "")
	t.Setenv("PULSEHUB_TOKEN", "")
	t.Setenv("TOKEN_KEY", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenIssue_RoundTrips(t *testing.T) {
	out, err := run(t, "token", "issue", "--key", testKey, "--user", "alice", "--name", "Alice")
	require.NoError(t, err)

	sealer, err := crypto.NewSealer(testKey)
	require.NoError(t, err)
	identity, err := auth.NewTokenService(sealer, clockwork.NewRealClock()).Authenticate(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, "Alice", identity.DisplayName)
}

func TestTokenIssue_RequiresKey(t *testing.T) {
	_, err := run(t, "token", "issue", "--user", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_KEY")
}

func TestTokenIssue_RequiresUser(t *testing.T) {
	_, err := run(t, "token", "issue", "--key", testKey)
	require.Error(t, err)
}

func TestStats(t *testing.T) {
	srv, got := fakeHub(t, http.StatusOK, `{"connections":3,"sessions":1,"active_sessions":1,"topics":2,"subscriptions":4,"alert_rules":0}`)

	out, err := run(t, "--server", srv.URL, "--token", "tok", "stats")
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/api/stats", got.path)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Contains(t, out, `"connections": 3`)
}

func TestPublish(t *testing.T) {
	srv, got := fakeHub(t, http.StatusAccepted, `{"alerts_fired":1}`)

	out, err := run(t, "--server", srv.URL, "--token", "tok", "publish", "cpu", "0.9")
	require.NoError(t, err)

	assert.Equal(t, "/api/metrics", got.path)
	assert.Equal(t, "cpu", got.body["topic"])
	assert.InDelta(t, 0.9, got.body["value"], 1e-9)
	assert.Equal(t, "published cpu=0.9, 1 alert(s) fired\n", out)
}

func TestPublish_RejectsNonNumeric(t *testing.T) {
	_, err := run(t, "publish", "cpu", "high")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a number")
}

func TestBenchmark(t *testing.T) {
	srv, got := fakeHub(t, http.StatusAccepted, `{"recipients":5}`)

	out, err := run(t, "--server", srv.URL, "benchmark", "latency", `{"p50":4}`)
	require.NoError(t, err)

	assert.Equal(t, "/api/benchmarks", got.path)
	assert.Equal(t, map[string]any{"p50": 4.0}, got.body["data"])
	assert.Equal(t, "delivered to 5 connection(s)\n", out)
}

func TestSessionCreate(t *testing.T) {
	srv, got := fakeHub(t, http.StatusCreated, `{"id":"7f9c24e8-3b12-4fdd-a5a0-2c0d5e7b1a10","kind":"review","status":"active"}`)

	out, err := run(t, "--server", srv.URL, "session", "create", "review", "--max-participants", "5", "--expires-in", "2h")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/sessions", got.path)
	assert.Equal(t, map[string]any{"kind": "review", "max_participants": 5.0, "expires_in": "2h"}, got.body)
	assert.Contains(t, out, `"status": "active"`)
}

func TestSessionStatusChange(t *testing.T) {
	srv, got := fakeHub(t, http.StatusOK, `{"id":"s1","status":"paused"}`)

	out, err := run(t, "--server", srv.URL, "session", "pause", "s1")
	require.NoError(t, err)

	assert.Equal(t, "/api/sessions/s1/pause", got.path)
	assert.Equal(t, "session s1 is now paused\n", out)
}

func TestAPIError(t *testing.T) {
	srv, _ := fakeHub(t, http.StatusForbidden, `{"error":"permission denied","type":"forbidden","code":"permission_denied"}`)

	_, err := run(t, "--server", srv.URL, "session", "close", "s1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "hub returned 403 (forbidden): permission denied", apiErr.Error())
}
