package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pulsehub/internal/domain"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{ValidationError("bad"), http.StatusBadRequest},
		{UnauthorizedError("who"), http.StatusUnauthorized},
		{ForbiddenError("no"), http.StatusForbidden},
		{NotFoundError("gone"), http.StatusNotFound},
		{ConflictError("busy"), http.StatusConflict},
		{RateLimitedError("slow down"), http.StatusTooManyRequests},
		{UnavailableError("down", nil), http.StatusServiceUnavailable},
		{ExternalError("upstream", nil), http.StatusBadGateway},
		{InternalError("boom", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := InternalError("query failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal: query failed: connection refused", err.Error())
}

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
		code string
	}{
		{"session not found", fmt.Errorf("%w: abc", domain.ErrSessionNotFound), TypeNotFound, domain.CodeSessionNotFound},
		{"invalid settings", domain.ErrInvalidSettings, TypeValidation, domain.CodeInvalidSettings},
		{"permission denied", domain.ErrPermissionDenied, TypeForbidden, domain.CodePermissionDenied},
		{"session full", domain.ErrSessionFull, TypeConflict, domain.CodeSessionFull},
		{"not active", domain.ErrSessionNotActive, TypeConflict, domain.CodeSessionNotActive},
		{"auth", domain.ErrAuthFailure, TypeUnauthorized, domain.CodeInternal},
		{"hub stopped", domain.ErrHubStopped, TypeUnavailable, domain.CodeInternal},
		{"unexpected", errors.New("disk on fire"), TypeInternal, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsStructuredError(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, tt.code, got.Code)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestAsStructuredErrorKeepsStructured(t *testing.T) {
	original := ValidationError("missing topic").WithContext("field", "topic")
	wrapped := fmt.Errorf("publish: %w", original)

	got := AsStructuredError(wrapped)
	assert.Same(t, original, got)
	assert.Equal(t, map[string]any{"field": "topic"}, got.ToResponse().Context)
	assert.Nil(t, AsStructuredError(nil))
}

func TestInternalErrorHidesCause(t *testing.T) {
	got := FromDomain(errors.New("pq: password authentication failed"))
	assert.Equal(t, "internal server error", got.ToResponse().Error)
}
