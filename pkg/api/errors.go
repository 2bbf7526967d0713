package api

import (
	"errors"
	"net/http"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/events"
	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

// errorMessage shapes a failure for the wire: error_class carries the
// taxonomy kind, error the machine-readable class, and the human sentence
// travels in details.
func errorMessage(err error) events.ErrorMessage {
	var gw *models.GatewayError
	if !errors.As(err, &gw) {
		gw = models.NewGatewayError(models.KindExecution, models.ClassOther, err.Error())
	}

	details := map[string]any{}
	for k, v := range gw.Details {
		details[k] = v
	}
	if gw.Message != "" {
		details["message"] = gw.Message
	}
	if len(details) == 0 {
		details = nil
	}
	return events.NewErrorMessage(string(gw.Kind), gw.Class, details)
}

// httpStatus maps a taxonomy kind to the HTTP status of the REST surface.
func httpStatus(err error) int {
	var gw *models.GatewayError
	if !errors.As(err, &gw) {
		return http.StatusInternalServerError
	}
	switch gw.Kind {
	case models.KindAuth:
		return http.StatusUnauthorized
	case models.KindAuthz:
		return http.StatusForbidden
	case models.KindQuota:
		return http.StatusTooManyRequests
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindDeploy:
		if gw.Class == models.ClassVersionConflict {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case models.KindConfig:
		return http.StatusInternalServerError
	case models.KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
