package apiv1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/arenactf/instanced/pkg/types"
)

const (
	HttpServerBaseRoute string = "/api/v1"
	HttpServerRootRoute string = ""
)

// Error reasons returned to callers
const (
	ReasonNotFound           = "not_found"
	ReasonForbidden          = "forbidden"
	ReasonCapacity           = "capacity"
	ReasonProvisionFailed    = "provision_failed"
	ReasonProvisionTimeout   = "provision_timeout"
	ReasonRuntimeUnavailable = "runtime_unavailable"
	ReasonInternal           = "internal"
)

func NewHTTPError(code int, message string) error {
	return echo.NewHTTPError(code, map[string]interface{}{
		"message": message,
	})
}

func HTTPBadRequest(message string) error {
	return NewHTTPError(http.StatusBadRequest, message)
}

func HTTPUnauthorized(message string) error {
	return NewHTTPError(http.StatusUnauthorized, message)
}

// Response is a standard API response structure
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Retryable *bool       `json:"retryable,omitempty"`
}

// SuccessResponse returns a successful response
func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// ErrorResponse returns an error response
func ErrorResponse(c echo.Context, code int, message string) error {
	return c.JSON(code, Response{
		Success: false,
		Error:   message,
	})
}

// DomainErrorResponse maps an orchestrator error onto a status code and body
func DomainErrorResponse(c echo.Context, err error) error {
	code, resp := describeError(err)
	if code >= http.StatusInternalServerError {
		event := log.Warn()
		if code == http.StatusInternalServerError {
			event = log.Error()
		}
		event.Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Int("status", code).
			Msg("request failed")
	}
	return c.JSON(code, resp)
}

func describeError(err error) (int, Response) {
	resp := Response{Success: false, Error: err.Error()}

	var (
		instanceNotFound *types.ErrInstanceNotFound
		templateNotFound *types.ErrTemplateNotFound
		forbidden        *types.ErrForbidden
		capacity         *types.ErrCapacityExceeded
		timeout          *types.ErrProvisionTimeout
		provision        *types.ErrProvision
		unavailable      *types.ErrRuntimeUnavailable
	)

	switch {
	case errors.As(err, &instanceNotFound), errors.As(err, &templateNotFound):
		resp.Reason = ReasonNotFound
		return http.StatusNotFound, resp
	case errors.As(err, &forbidden):
		resp.Reason = ReasonForbidden
		return http.StatusForbidden, resp
	case errors.As(err, &capacity):
		resp.Reason = ReasonCapacity
		resp.Retryable = retryable(capacity.Retryable())
		return http.StatusServiceUnavailable, resp
	case errors.As(err, &timeout):
		resp.Reason = ReasonProvisionTimeout
		resp.Retryable = retryable(timeout.Retryable())
		return http.StatusGatewayTimeout, resp
	case errors.As(err, &provision):
		resp.Reason = ReasonProvisionFailed
		resp.Retryable = retryable(provision.Retryable())
		return http.StatusBadGateway, resp
	case errors.As(err, &unavailable):
		resp.Reason = ReasonRuntimeUnavailable
		resp.Retryable = retryable(unavailable.Retryable())
		return http.StatusServiceUnavailable, resp
	default:
		// Includes invalid transitions, which indicate a lifecycle bug
		resp.Reason = ReasonInternal
		resp.Error = "internal error"
		return http.StatusInternalServerError, resp
	}
}

func retryable(v bool) *bool {
	return &v
}
