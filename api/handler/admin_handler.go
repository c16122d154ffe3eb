package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"sessiontrust/api/middleware"
	"sessiontrust/internal/dto"
	"sessiontrust/internal/entity"
	"sessiontrust/internal/repository"
	"sessiontrust/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type AdminHandler struct {
	Service  *service.TrustService
	Monitor  *service.SessionMonitor
	Validate *validator.Validate
}

func NewAdminHandler(svc *service.TrustService, monitor *service.SessionMonitor, validate *validator.Validate) *AdminHandler {
	return &AdminHandler{Service: svc, Monitor: monitor, Validate: validate}
}

func (h *AdminHandler) BlockDevice(c echo.Context) error {
	return h.deviceAction(c, h.Service.BlockDevice)
}

func (h *AdminHandler) UnblockDevice(c echo.Context) error {
	return h.deviceAction(c, h.Service.UnblockDevice)
}

func (h *AdminHandler) deviceAction(c echo.Context, action func(ctx context.Context, adminID, deviceID uuid.UUID, note string) (*entity.Device, error)) error {
	adminID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	deviceID, err := parseIDParam(c, "id")
	if err != nil {
		return writeServiceError(c, err)
	}
	var req dto.DeviceActionRequest
	if err := decodeOptionalJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := validate(h.Validate, req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	device, err := action(c.Request().Context(), adminID, deviceID, req.Note)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, mapDevice(device))
}

// ListSecurityEvents supports user_id, type (comma separated), severity,
// unresolved, since (RFC 3339), limit and offset query parameters.
func (h *AdminHandler) ListSecurityEvents(c echo.Context) error {
	filter := repository.SecurityEventFilter{}
	filter.Limit, filter.Offset = parseLimitOffset(c)
	if raw := c.QueryParam("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return writeError(c, http.StatusBadRequest, err)
		}
		filter.UserID = &id
	}
	if raw := c.QueryParam("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, entity.SecurityEventType(t))
			}
		}
	}
	if raw := c.QueryParam("severity"); raw != "" {
		severity := entity.Severity(raw)
		filter.Severity = &severity
	}
	if raw := c.QueryParam("unresolved"); raw == "true" || raw == "1" {
		filter.UnresolvedOnly = true
	}
	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return writeError(c, http.StatusBadRequest, err)
		}
		filter.Since = &since
	}

	events, err := h.Service.ListSecurityEvents(c.Request().Context(), filter)
	if err != nil {
		return writeServiceError(c, err)
	}
	items := make([]dto.SecurityEventResponse, 0, len(events))
	for i := range events {
		items = append(items, mapSecurityEvent(&events[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *AdminHandler) ResolveSecurityEvent(c echo.Context) error {
	adminID, ok := middleware.UserIDFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	eventID, err := parseIDParam(c, "id")
	if err != nil {
		return writeServiceError(c, err)
	}
	event, err := h.Service.ResolveSecurityEvent(c.Request().Context(), adminID, eventID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, mapSecurityEvent(event))
}

// RunSweep triggers a monitor sweep outside the schedule.
func (h *AdminHandler) RunSweep(c echo.Context) error {
	report, err := h.Monitor.Sweep(c.Request().Context())
	if err != nil {
		c.Logger().Warn(err)
	}
	return c.JSON(http.StatusOK, report)
}
