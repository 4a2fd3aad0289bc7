package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Middleware converts errors returned by handlers into JSON responses.
// Echo's own HTTP errors pass through to the default handler. errorsTotal
// may be nil.
func Middleware(errorsTotal *prometheus.CounterVec) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				if errorsTotal != nil {
					errorsTotal.WithLabelValues(string(FromHTTPError(httpErr).Type)).Inc()
				}
				return err
			}

			structuredErr := AsStructuredError(err)
			if errorsTotal != nil {
				errorsTotal.WithLabelValues(string(structuredErr.Type)).Inc()
			}
			logError(c, structuredErr)

			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

func logError(c echo.Context, err *Error) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}
	if userID := c.Get("userID"); userID != nil {
		attrs = append(attrs, "user_id", userID)
	}

	switch err.Type {
	case TypeValidation, TypeNotFound, TypeUnauthorized, TypeForbidden:
		slog.Info("Request rejected", attrs...)
	case TypeConflict, TypeRateLimited:
		slog.Warn("Request refused", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.Error("Request failed", attrs...)
	}
}

// FromHTTPError maps an Echo HTTP error onto the error categories.
func FromHTTPError(httpErr *echo.HTTPError) *Error {
	message := "internal server error"
	if msg, ok := httpErr.Message.(string); ok {
		message = msg
	}

	var t ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest:
		t = TypeValidation
	case http.StatusUnauthorized:
		t = TypeUnauthorized
	case http.StatusForbidden:
		t = TypeForbidden
	case http.StatusNotFound:
		t = TypeNotFound
	case http.StatusConflict:
		t = TypeConflict
	case http.StatusTooManyRequests:
		t = TypeRateLimited
	case http.StatusServiceUnavailable:
		t = TypeUnavailable
	case http.StatusBadGateway:
		t = TypeExternal
	default:
		t = TypeInternal
	}
	return newError(t, message, httpErr.Internal)
}
