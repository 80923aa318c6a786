package handler

import (
	"commerce-reconciler/internal/dto"
	"commerce-reconciler/internal/service"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var kindStatus = map[service.Kind]int{
	service.KindValidation:   http.StatusBadRequest,
	service.KindUnauthorized: http.StatusUnauthorized,
	service.KindForbidden:    http.StatusForbidden,
	service.KindState:        http.StatusBadRequest,
	service.KindConflict:     http.StatusConflict,
	service.KindNotFound:     http.StatusNotFound,
	service.KindUpstream:     http.StatusBadGateway,
}

// respondError writes err in the response envelope. Errors that are not
// business failures are logged and reported as 500 without details.
func respondError(c echo.Context, log *zap.Logger, err error) error {
	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		if status, ok := kindStatus[svcErr.Kind]; ok {
			return c.JSON(status, dto.Fail(svcErr.Msg, svcErr.Code))
		}
	}

	log.Error("request failed",
		zap.String("method", c.Request().Method),
		zap.String("path", c.Path()),
		zap.Error(err))
	return c.JSON(http.StatusInternalServerError, dto.Fail("internal server error", "INTERNAL_ERROR"))
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, dto.Fail(message, "VALIDATION_ERROR"))
}
