package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicops/portal/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string            `json:"error"`
	Kind      string            `json:"kind,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// StatusClientClosedRequest is reported when the caller went away before the
// handler finished.
const StatusClientClosedRequest = 499

// ErrorHandler renders apperr kinds and echo.HTTPError values as ErrorBody.
// Context cancellation wins over any kind wrapped around it. Unclassified
// errors are logged and reported as 500 without their text.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		rid, _ := c.Get("request_id").(string)

		status := http.StatusInternalServerError
		body := ErrorBody{Error: "internal server error", RequestID: rid}

		var he *echo.HTTPError
		var ae *apperr.Error
		switch {
		case errors.Is(err, context.Canceled):
			status = StatusClientClosedRequest
			body.Error = "request cancelled"
			logger.Debug().Err(err).Str("request_id", rid).Msg("request cancelled by client")
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
			body.Error = "request timed out"
			logger.Warn().Err(err).Str("request_id", rid).Msg("request timed out")
		case errors.As(err, &ae):
			status = apperr.HTTPStatus(ae)
			body.Error = apperr.PublicMessage(ae)
			body.Kind = string(ae.Kind)
			if ae.Kind != apperr.KindPersistence {
				body.Details = ae.Details
			}
		case errors.As(err, &he):
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				body.Error = msg
			} else {
				body.Error = http.StatusText(he.Code)
			}
		default:
			logger.Error().Err(err).Str("request_id", rid).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Str("request_id", rid).Msg("failed to write error response")
		}
	}
}
