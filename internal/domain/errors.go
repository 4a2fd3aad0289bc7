package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrSessionNotFound    = fmt.Errorf("session %w", ErrNotFound)
	ErrConnectionNotFound = fmt.Errorf("connection %w", ErrNotFound)
	ErrRuleNotFound       = fmt.Errorf("alert rule %w", ErrNotFound)

	ErrInvalidSettings  = errors.New("invalid session settings")
	ErrInvalidOperator  = errors.New("invalid alert operator")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSessionNotActive = errors.New("session is not active")
	ErrSessionFull      = errors.New("session is full")
	ErrNotInSession     = errors.New("connection has not joined the session")
	ErrTransport        = errors.New("transport write failed")
	ErrAuthFailure      = errors.New("authentication failed")
	ErrScoreUnavailable = errors.New("score unavailable")

	ErrHubStopped     = errors.New("hub stopped")
	ErrCommandTimeout = errors.New("hub command timed out")
)

// Wire codes carried by outbound error events.
const (
	CodeSessionNotFound  = "session_not_found"
	CodeSessionNotActive = "session_not_active"
	CodeSessionFull      = "session_full"
	CodeNotInSession     = "not_in_session"
	CodePermissionDenied = "permission_denied"
	CodeRuleNotFound     = "rule_not_found"
	CodeInvalidOperator  = "invalid_operator"
	CodeInvalidMessage   = "invalid_message"
	CodeInvalidSettings  = "invalid_settings"
	CodeUnknownType      = "unknown_type"
	CodeRateLimited      = "rate_limited"
	CodeScoreUnavailable = "score_unavailable"
	CodeInternal         = "internal_error"
)

// ErrorCode maps an error to the code sent to clients in an error event.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrRuleNotFound):
		return CodeRuleNotFound
	case errors.Is(err, ErrSessionNotActive):
		return CodeSessionNotActive
	case errors.Is(err, ErrSessionFull):
		return CodeSessionFull
	case errors.Is(err, ErrNotInSession):
		return CodeNotInSession
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrInvalidOperator):
		return CodeInvalidOperator
	case errors.Is(err, ErrInvalidSettings):
		return CodeInvalidSettings
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, ErrScoreUnavailable):
		return CodeScoreUnavailable
	default:
		return CodeInternal
	}
}
