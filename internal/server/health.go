package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aixgo-dev/agentserver/pkg/observability"
)

func (s *Server) ok(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, s.health.Check(c.Request().Context()))
}

// ready fails while a critical dependency is unhealthy.
func (s *Server) ready(c echo.Context) error {
	resp := s.health.Check(c.Request().Context())
	code := http.StatusOK
	if resp.Status == observability.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
