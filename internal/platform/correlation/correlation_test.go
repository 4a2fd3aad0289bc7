package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_IsULID(t *testing.T) {
	id := NewID()
	_, err := ulid.ParseStrict(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewID())
}

func TestID(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		wantID string
		wantOK bool
	}{
		{"missing", context.Background(), "", false},
		{"empty", WithID(context.Background(), ""), "", false},
		{"present", WithID(context.Background(), "abc12345"), "abc12345", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ID(tt.ctx)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestEnsure(t *testing.T) {
	tests := []struct {
		candidate string
		keep      bool
	}{
		{"req-42", true},
		{strings.Repeat("x", 64), true},
		{"", false},
		{"has space", false},
		{"line\nbreak", false},
		{"ünïcode", false},
		{strings.Repeat("x", 65), false},
	}

	for _, tt := range tests {
		ctx, id := Ensure(context.Background(), tt.candidate)
		got, ok := ID(ctx)
		require.True(t, ok)
		assert.Equal(t, id, got)

		if tt.keep {
			assert.Equal(t, tt.candidate, id)
		} else {
			_, err := ulid.ParseStrict(id)
			assert.NoError(t, err, "candidate %q should be replaced", tt.candidate)
		}
	}
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewHandler(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestHandler_StampsRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf).With("component", "hub").WithGroup("req")

	logger.InfoContext(WithID(context.Background(), "test1234"), "handled", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "correlation_id=test1234")
	assert.Contains(t, out, "component=hub")
	assert.Contains(t, out, "req.key=value")
}

func TestHandler_LeavesUncorrelatedRecordsAlone(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf).InfoContext(context.Background(), "background work")

	assert.NotContains(t, buf.String(), "correlation_id")
}
