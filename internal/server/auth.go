package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"modelbroker/internal/core"
)

// AuthMiddleware validates the Bearer master key on every request except
// the listed skip paths. An empty master key disables authentication.
func AuthMiddleware(masterKey string, skipPaths []string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if masterKey == "" || skip[c.Path()] {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return authError(c, "missing authorization header")
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				return authError(c, "invalid authorization header format, expected 'Bearer <token>'")
			}

			if strings.TrimPrefix(authHeader, prefix) != masterKey {
				return authError(c, "invalid master key")
			}
			return next(c)
		}
	}
}

// RequestContextMiddleware copies the request id and tenant key headers
// into the request context so downstream components can tag their work.
func RequestContextMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if id := c.Request().Header.Get("X-Request-Id"); id != "" {
				ctx = core.WithRequestID(ctx, id)
			}
			if tenant := c.Request().Header.Get("X-Tenant-Key"); tenant != "" {
				ctx = core.WithTenantKey(ctx, tenant)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func authError(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, map[string]any{
		"error": map[string]any{
			"type":    "authentication_error",
			"message": message,
		},
	})
}
