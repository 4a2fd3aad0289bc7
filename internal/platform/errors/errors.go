// Package errors provides structured errors that carry an HTTP status and a
// client-facing message, plus the mapping from domain sentinels.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pscheid92/pulsehub/internal/domain"
)

// ErrorType is the category of an error, used for the status code and metrics.
type ErrorType string

const (
	TypeValidation   ErrorType = "validation"
	TypeUnauthorized ErrorType = "unauthorized"
	TypeForbidden    ErrorType = "forbidden"
	TypeNotFound     ErrorType = "not_found"
	TypeConflict     ErrorType = "conflict"
	TypeRateLimited  ErrorType = "rate_limited"
	TypeUnavailable  ErrorType = "unavailable"
	TypeInternal     ErrorType = "internal"
	TypeExternal     ErrorType = "external"
)

type Error struct {
	Type    ErrorType
	Message string
	// Code is the domain error code, when one applies.
	Code    string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeUnauthorized:
		return http.StatusUnauthorized
	case TypeForbidden:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

func ValidationError(message string) *Error   { return newError(TypeValidation, message, nil) }
func UnauthorizedError(message string) *Error { return newError(TypeUnauthorized, message, nil) }
func ForbiddenError(message string) *Error    { return newError(TypeForbidden, message, nil) }
func NotFoundError(message string) *Error     { return newError(TypeNotFound, message, nil) }
func ConflictError(message string) *Error     { return newError(TypeConflict, message, nil) }
func RateLimitedError(message string) *Error  { return newError(TypeRateLimited, message, nil) }

func UnavailableError(message string, cause error) *Error {
	return newError(TypeUnavailable, message, cause)
}

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

func ExternalError(message string, cause error) *Error {
	return newError(TypeExternal, message, cause)
}

// WithContext adds a field that is logged and returned to the client.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Code:    e.Code,
		Context: e.Context,
	}
}

// AsStructuredError returns err as an *Error. Domain sentinels are mapped to
// their category; anything else becomes an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}
	return FromDomain(err)
}

// FromDomain maps domain errors to structured errors. The client message is
// the error text for expected failures and a generic one otherwise.
func FromDomain(err error) *Error {
	var t ErrorType
	switch {
	case errors.Is(err, domain.ErrNotFound):
		t = TypeNotFound
	case errors.Is(err, domain.ErrInvalidSettings),
		errors.Is(err, domain.ErrInvalidOperator),
		errors.Is(err, domain.ErrInvalidMessage):
		t = TypeValidation
	case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrNotInSession):
		t = TypeForbidden
	case errors.Is(err, domain.ErrAuthFailure):
		t = TypeUnauthorized
	case errors.Is(err, domain.ErrSessionNotActive), errors.Is(err, domain.ErrSessionFull):
		t = TypeConflict
	case errors.Is(err, domain.ErrHubStopped),
		errors.Is(err, domain.ErrCommandTimeout),
		errors.Is(err, domain.ErrScoreUnavailable):
		structured := UnavailableError("service unavailable", err)
		structured.Code = domain.ErrorCode(err)
		return structured
	default:
		return InternalError("internal server error", err)
	}

	structured := newError(t, err.Error(), err)
	structured.Code = domain.ErrorCode(err)
	return structured
}
