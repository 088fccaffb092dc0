package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/internal/apperr"
)

// errorBody is the shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

var errRateLimited = echo.NewHTTPError(http.StatusTooManyRequests, "Rate limit exceeded")

// statusOf maps an error to its status code and detail message.
func statusOf(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusNotFound:
			if he == echo.ErrNotFound {
				return he.Code, "Not found"
			}
		case http.StatusMethodNotAllowed:
			return he.Code, "Method not allowed"
		}
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}

	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound, apperr.Message(err)
	case apperr.KindConflict:
		return http.StatusConflict, apperr.Message(err)
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity, apperr.Message(err)
	}
	return http.StatusInternalServerError, "Internal server error"
}

// handleError writes {"detail": ...} for every failed request. Errors after
// a stream started are only logged; the stream carries its own error event.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		s.logger.Debug("error after response started", zap.String("path", c.Path()), zap.Error(err))
		return
	}
	code, detail := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, errorBody{Detail: detail})
	}
	if werr != nil {
		s.logger.Warn("write error response", zap.Error(werr))
	}
}
