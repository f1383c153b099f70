package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ContextKey is the type for context keys
type ContextKey string

// ClaimsContextKey is the key for storing claims in context
const ClaimsContextKey ContextKey = "claims"

// RequireAuth is middleware that requires a valid bearer token
func RequireAuth(auth *Auth) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header format")
			}

			claims, err := auth.ValidateToken(parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			c.Set(string(ClaimsContextKey), claims)

			return next(c)
		}
	}
}

// GetClaims retrieves claims from echo context
func GetClaims(c echo.Context) (*Claims, error) {
	claims, ok := c.Get(string(ClaimsContextKey)).(*Claims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return claims, nil
}

// GetTenantID retrieves the current tenant identifier from context
func GetTenantID(c echo.Context) (string, error) {
	claims, err := GetClaims(c)
	if err != nil {
		return "", err
	}
	return claims.TenantID(), nil
}
