package handler

import (
	"net/http"

	"sessiontrust/api/middleware"
	"sessiontrust/internal/dto"
	"sessiontrust/internal/risk"
	"sessiontrust/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type TrustHandler struct {
	Service  *service.TrustService
	MFA      *service.MFAEnrollment
	Validate *validator.Validate
}

func NewTrustHandler(svc *service.TrustService, mfa *service.MFAEnrollment, validate *validator.Validate) *TrustHandler {
	return &TrustHandler{Service: svc, MFA: mfa, Validate: validate}
}

// EvaluateLogin is called by the authentication layer once credentials are verified.
func (h *TrustHandler) EvaluateLogin(c echo.Context) error {
	var req dto.EvaluateLoginRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := validate(h.Validate, req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	ip := req.IPAddress
	if ip == "" {
		ip = c.RealIP()
	}
	userAgent := req.Device.UserAgent
	if userAgent == "" {
		userAgent = c.Request().UserAgent()
	}

	result, err := h.Service.EvaluateLogin(c.Request().Context(), service.LoginInput{
		UserID: userID,
		Device: service.DeviceSignal{
			Fingerprint: req.Device.Fingerprint,
			UserAgent:   userAgent,
			Name:        req.Device.Name,
		},
		IPAddress: ip,
		Location: risk.Location{
			Country:   req.Location.Country,
			City:      req.Location.City,
			Latitude:  req.Location.Latitude,
			Longitude: req.Location.Longitude,
		},
	})
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, mapLoginResult(result))
}

func (h *TrustHandler) VerifyChallenge(c echo.Context) error {
	var req dto.VerifyChallengeRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := validate(h.Validate, req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	result, err := h.Service.VerifyChallenge(c.Request().Context(), req.Token, req.Code)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, mapLoginResult(result))
}

func (h *TrustHandler) RecordFailedLogin(c echo.Context) error {
	var req dto.FailedLoginRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := validate(h.Validate, req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	ip := req.IPAddress
	if ip == "" {
		ip = c.RealIP()
	}
	if err := h.Service.RecordFailedLogin(c.Request().Context(), userID, ip); err != nil {
		return writeServiceError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// Analytics returns the caller's dashboard. Admins may ask for another user
// through ?user_id=.
func (h *TrustHandler) Analytics(c echo.Context) error {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if raw := c.QueryParam("user_id"); raw != "" {
		role, _ := middleware.RoleFromContext(c)
		if role != middleware.RoleAdmin {
			return echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
		target, err := uuid.Parse(raw)
		if err != nil {
			return writeError(c, http.StatusBadRequest, err)
		}
		userID = target
	}
	analytics, err := h.Service.GetSessionAnalytics(c.Request().Context(), userID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, mapAnalytics(analytics))
}

func (h *TrustHandler) ListSessions(c echo.Context) error {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	sessions, err := h.Service.ListActiveSessions(c.Request().Context(), userID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": mapSessions(sessions)})
}

func (h *TrustHandler) TouchSession(c echo.Context) error {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	sessionID, err := parseIDParam(c, "id")
	if err != nil {
		return writeServiceError(c, err)
	}
	var req dto.TouchSessionRequest
	if err := decodeOptionalJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := validate(h.Validate, req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	session, err := h.Service.TouchSession(c.Request().Context(), userID, sessionID, req.Endpoint)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, mapSession(session))
}

// VerifyStepUp answers the challenge sent to a session whose risk rose while
// it was open.
func (h *TrustHandler) VerifyStepUp(c echo.Context) error {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	sessionID, err := parseIDParam(c, "id")
	if err != nil {
		return writeServiceError(c, err)
	}
	var req dto.StepUpRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := validate(h.Validate, req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	session, err := h.Service.VerifySessionStepUp(c.Request().Context(), userID, sessionID, req.Code)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, mapSession(session))
}

func (h *TrustHandler) CloseSession(c echo.Context) error {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	sessionID, err := parseIDParam(c, "id")
	if err != nil {
		return writeServiceError(c, err)
	}
	closed, err := h.Service.EndSession(c.Request().Context(), userID, sessionID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, mapSession(&closed.Session))
}

func (h *TrustHandler) EnrollMFA(c echo.Context) error {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	url, err := h.MFA.Begin(c.Request().Context(), userID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.MFAEnrollResponse{OTPAuthURL: url})
}

func (h *TrustHandler) ConfirmMFA(c echo.Context) error {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var req dto.ConfirmMFARequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := validate(h.Validate, req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.MFA.Confirm(c.Request().Context(), userID, req.Code); err != nil {
		return writeServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *TrustHandler) DisableMFA(c echo.Context) error {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if err := h.MFA.Disable(c.Request().Context(), userID); err != nil {
		return writeServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
