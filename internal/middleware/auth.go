package middleware

import (
	"commerce-reconciler/internal/auth"
	"commerce-reconciler/internal/dto"
	"net/http"

	"github.com/labstack/echo/v4"
)

const identityKey = "identity"

// RequireIdentity rejects requests without a valid bearer token.
func RequireIdentity(verifier auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, ok := verifier.Verify(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return c.JSON(http.StatusUnauthorized, dto.Fail("authentication required", "UNAUTHORIZED"))
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

// OptionalIdentity sets the identity when the token is valid and lets
// anonymous requests through otherwise.
func OptionalIdentity(verifier auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if identity, ok := verifier.Verify(c.Request().Header.Get(echo.HeaderAuthorization)); ok {
				c.Set(identityKey, identity)
			}
			return next(c)
		}
	}
}

// RequireRole must run after RequireIdentity.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, ok := c.Get(identityKey).(auth.Identity)
			if !ok {
				return c.JSON(http.StatusUnauthorized, dto.Fail("authentication required", "UNAUTHORIZED"))
			}
			if !identity.HasRole(role) {
				return c.JSON(http.StatusForbidden, dto.Fail(role+" role required", "FORBIDDEN"))
			}
			return next(c)
		}
	}
}

// UserID returns the verified caller, or "" for anonymous requests.
func UserID(c echo.Context) string {
	identity, _ := c.Get(identityKey).(auth.Identity)
	return identity.UserID
}
