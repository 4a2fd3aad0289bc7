package httpserver

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/pulsehub/internal/domain"
	"github.com/pscheid92/pulsehub/internal/platform/correlation"
	apperrors "github.com/pscheid92/pulsehub/internal/platform/errors"
)

const identityKey = "identity"

// correlationMiddleware adopts the caller's correlation ID when it sends a
// usable one and echoes the effective ID back.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, id := correlation.Ensure(c.Request().Context(), c.Request().Header.Get(correlation.Header))
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

// requireIdentity verifies the bearer token and stores the identity on the
// context. The error middleware logs the "userID" key.
func (s *Server) requireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return apperrors.UnauthorizedError("missing bearer token")
		}

		identity, err := s.auth.Authenticate(c.Request().Context(), strings.TrimSpace(token))
		if err != nil {
			return apperrors.UnauthorizedError("invalid or expired token")
		}

		c.Set(identityKey, identity)
		c.Set("userID", identity.UserID)
		return next(c)
	}
}

func identityFrom(c echo.Context) (domain.Identity, bool) {
	identity, ok := c.Get(identityKey).(domain.Identity)
	return identity, ok
}
