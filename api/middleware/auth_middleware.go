package middleware

import (
	"context"
	"net/http"
	"strings"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/utils"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	RoleUser    = string(entity.UserRoleUser)
	RoleAdmin   = string(entity.UserRoleAdmin)
	RoleService = "service"
)

// SessionLookup resolves the trust session a token is bound to.
type SessionLookup interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*entity.Session, error)
}

type AuthMiddleware struct {
	JWT *utils.JWTManager
	// Sessions is optional. When set, tokens bound to a closed session are rejected.
	Sessions SessionLookup
}

func (m AuthMiddleware) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if m.JWT == nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		token := extractBearerToken(c.Request())
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		claims, err := m.JWT.ParseAccessToken(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		sessionID := uuid.Nil
		if claims.SessionID != "" {
			sessionID, err = uuid.Parse(claims.SessionID)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			if m.Sessions != nil {
				session, err := m.Sessions.Get(c.Request().Context(), sessionID)
				if err != nil || session.ClosedAt != nil || session.UserID != userID {
					return echo.NewHTTPError(http.StatusUnauthorized, "session revoked")
				}
			}
		}
		SetAuthContext(c, userID, claims.Role, sessionID)
		return next(c)
	}
}

func extractBearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	if authorization == "" {
		return ""
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
