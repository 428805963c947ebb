package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Skipper bypasses authentication for public paths. Nil skips nothing.
	Skipper middleware.Skipper
}

// JWTMiddleware validates an HS256 bearer token and stores the resulting
// Session on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			role, err := ParseRole(claims.Role)
			if err != nil || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
			}

			setSession(c, Session{UserID: claims.Subject, Role: role})
			return next(c)
		}
	}
}

// DevAuthMiddleware takes the identity from the X-User-ID and X-User-Role
// headers. Requests without them run as the admin "dev-user".
func DevAuthMiddleware(skipper middleware.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			uid := strings.TrimSpace(c.Request().Header.Get("X-User-ID"))
			roleHeader := c.Request().Header.Get("X-User-Role")
			if uid == "" && roleHeader == "" {
				setSession(c, Session{UserID: "dev-user", Role: RoleAdmin})
				return next(c)
			}

			role, err := ParseRole(roleHeader)
			if err != nil || uid == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "X-User-ID and a valid X-User-Role are required")
			}
			setSession(c, Session{UserID: uid, Role: role})
			return next(c)
		}
	}
}

func setSession(c echo.Context, s Session) {
	c.SetRequest(c.Request().WithContext(WithSession(c.Request().Context(), s)))
	c.Set("user_id", s.UserID)
}
