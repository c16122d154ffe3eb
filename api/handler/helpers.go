package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"sessiontrust/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func decodeJSON(c echo.Context, target any) error {
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(c echo.Context, target any) error {
	if err := decodeJSON(c, target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func validate(v *validator.Validate, req any) error {
	if v == nil {
		return nil
	}
	return v.Struct(req)
}

func writeError(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"message": err.Error()})
}

// writeServiceError maps service sentinels to status codes. Store and
// unexpected failures are reported without detail.
func writeServiceError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrConcurrencyConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidToken), errors.Is(err, service.ErrInvalidMFACode):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrChallengeExhausted):
		status = http.StatusLocked
	case errors.Is(err, service.ErrChallengeExpired):
		status = http.StatusGone
	case errors.Is(err, service.ErrMFANotConfigured):
		status = http.StatusFailedDependency
	case errors.Is(err, service.ErrImpossibleTravel):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrStepUpRequired):
		status = http.StatusPreconditionRequired
	case errors.Is(err, service.ErrTransientStore):
		c.Logger().Error(err)
		return writeError(c, http.StatusServiceUnavailable, errors.New("temporarily unavailable"))
	default:
		c.Logger().Error(err)
		return writeError(c, status, errors.New("internal error"))
	}
	return writeError(c, status, err)
}

func parseLimitOffset(c echo.Context) (int, int) {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	return limit, offset
}

func parseIDParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, &service.ValidationError{Field: name, Reason: "must be a uuid"}
	}
	return id, nil
}

func stringPtr(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
