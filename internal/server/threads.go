package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aixgo-dev/agentserver/internal/registry"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

type threadCreateBody struct {
	ThreadID string         `json:"thread_id"`
	Metadata map[string]any `json:"metadata"`
	IfExists string         `json:"if_exists"`
}

type threadPatchBody struct {
	Metadata map[string]any `json:"metadata"`
}

type threadSearchBody struct {
	Metadata  map[string]any `json:"metadata"`
	Status    string         `json:"status"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
	SortBy    string         `json:"sort_by"`
	SortOrder string         `json:"sort_order"`
}

func (b threadSearchBody) request() registry.SearchRequest {
	return registry.SearchRequest{
		Metadata:  b.Metadata,
		Status:    storage.ThreadStatus(b.Status),
		Limit:     b.Limit,
		Offset:    b.Offset,
		SortBy:    b.SortBy,
		SortOrder: b.SortOrder,
	}
}

type historyBody struct {
	Limit  int           `json:"limit"`
	Before checkpointRef `json:"before"`
}

func (s *Server) createThread(c echo.Context) error {
	var body threadCreateBody
	if err := bind(c, &body); err != nil {
		return err
	}
	thread, err := s.reg.CreateThread(c.Request().Context(), owner(c), registry.CreateThreadRequest{
		ThreadID: body.ThreadID,
		Metadata: body.Metadata,
		IfExists: body.IfExists,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, thread)
}

func (s *Server) getThread(c echo.Context) error {
	thread, err := s.reg.GetThread(c.Request().Context(), owner(c), c.Param("thread_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, thread)
}

func (s *Server) patchThread(c echo.Context) error {
	var body threadPatchBody
	if err := bind(c, &body); err != nil {
		return err
	}
	thread, err := s.reg.UpdateThread(c.Request().Context(), owner(c), c.Param("thread_id"), body.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, thread)
}

func (s *Server) deleteThread(c echo.Context) error {
	if err := s.reg.DeleteThread(c.Request().Context(), owner(c), c.Param("thread_id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, struct{}{})
}

func (s *Server) searchThreads(c echo.Context) error {
	var body threadSearchBody
	if err := bind(c, &body); err != nil {
		return err
	}
	threads, err := s.reg.SearchThreads(c.Request().Context(), owner(c), body.request())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, threads)
}

func (s *Server) countThreads(c echo.Context) error {
	var body threadSearchBody
	if err := bind(c, &body); err != nil {
		return err
	}
	n, err := s.reg.CountThreads(c.Request().Context(), owner(c), body.request())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (s *Server) getState(c echo.Context) error {
	snap, err := s.reg.GetState(c.Request().Context(), owner(c), c.Param("thread_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) getHistory(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	return s.history(c, limit, c.QueryParam("before"))
}

func (s *Server) postHistory(c echo.Context) error {
	var body historyBody
	if err := bind(c, &body); err != nil {
		return err
	}
	return s.history(c, body.Limit, string(body.Before))
}

func (s *Server) history(c echo.Context, limit int, before string) error {
	snaps, err := s.reg.History(c.Request().Context(), owner(c), c.Param("thread_id"), limit, before)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snaps)
}
