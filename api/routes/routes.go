package routes

import (
	"net/http"
	"time"

	"sessiontrust/api/handler"
	"sessiontrust/api/middleware"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Router struct {
	Echo           *echo.Echo
	Trust          *handler.TrustHandler
	Admin          *handler.AdminHandler
	AuthMiddleware middleware.AuthMiddleware
	LoginRate      *middleware.RateLimiter
	ChallengeRate  *middleware.RateLimiter
}

func NewRouter(e *echo.Echo, trust *handler.TrustHandler, admin *handler.AdminHandler, auth middleware.AuthMiddleware) *Router {
	return &Router{
		Echo:           e,
		Trust:          trust,
		Admin:          admin,
		AuthMiddleware: auth,
		LoginRate:      middleware.NewRateLimiter(rate.Limit(50), 100, 10*time.Minute),
		ChallengeRate:  middleware.NewRateLimiter(rate.Limit(2), 5, 10*time.Minute),
	}
}

func (r *Router) RegisterRoutes() {
	e := r.Echo
	auth := r.AuthMiddleware.RequireAuth

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	service := middleware.RequireRole(middleware.RoleService)
	person := middleware.RequireRole(middleware.RoleUser, middleware.RoleAdmin)

	trust := e.Group("/v1/trust", auth)
	trust.POST("/logins", r.Trust.EvaluateLogin, service, r.LoginRate.Middleware())
	trust.POST("/challenges/verify", r.Trust.VerifyChallenge, service, r.ChallengeRate.Middleware())
	trust.POST("/failed-logins", r.Trust.RecordFailedLogin, service, r.LoginRate.Middleware())

	trust.GET("/analytics", r.Trust.Analytics, person)
	trust.GET("/sessions", r.Trust.ListSessions, person)
	trust.POST("/sessions/:id/touch", r.Trust.TouchSession, person)
	trust.POST("/sessions/:id/step-up", r.Trust.VerifyStepUp, person, r.ChallengeRate.Middleware())
	trust.POST("/sessions/:id/close", r.Trust.CloseSession, person)
	trust.POST("/mfa/enroll", r.Trust.EnrollMFA, person)
	trust.POST("/mfa/confirm", r.Trust.ConfirmMFA, person, r.ChallengeRate.Middleware())
	trust.POST("/mfa/disable", r.Trust.DisableMFA, person)

	admin := e.Group("/v1/admin", auth, middleware.RequireRole(middleware.RoleAdmin))
	admin.POST("/devices/:id/block", r.Admin.BlockDevice)
	admin.POST("/devices/:id/unblock", r.Admin.UnblockDevice)
	admin.GET("/security-events", r.Admin.ListSecurityEvents)
	admin.POST("/security-events/:id/resolve", r.Admin.ResolveSecurityEvent)
	admin.POST("/monitor/sweep", r.Admin.RunSweep)
}
