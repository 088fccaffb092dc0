package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aixgo-dev/agentserver/internal/cron"
)

type cronBody struct {
	Schedule        string          `json:"schedule"`
	AssistantID     string          `json:"assistant_id"`
	EndTime         *time.Time      `json:"end_time"`
	Input           json.RawMessage `json:"input"`
	Metadata        map[string]any  `json:"metadata"`
	Config          map[string]any  `json:"config"`
	Context         map[string]any  `json:"context"`
	Webhook         string          `json:"webhook"`
	InterruptBefore []string        `json:"interrupt_before"`
	InterruptAfter  []string        `json:"interrupt_after"`
	OnRunCompleted  string          `json:"on_run_completed"`
}

func (b cronBody) request(threadID string) cron.CreateRequest {
	return cron.CreateRequest{
		Schedule:        b.Schedule,
		AssistantID:     b.AssistantID,
		ThreadID:        threadID,
		EndTime:         b.EndTime,
		Input:           b.Input,
		Metadata:        b.Metadata,
		Config:          b.Config,
		Context:         b.Context,
		Webhook:         b.Webhook,
		InterruptBefore: b.InterruptBefore,
		InterruptAfter:  b.InterruptAfter,
		OnRunCompleted:  b.OnRunCompleted,
	}
}

type cronSearchBody struct {
	AssistantID string `json:"assistant_id"`
	ThreadID    string `json:"thread_id"`
	Limit       int    `json:"limit"`
	Offset      int    `json:"offset"`
	SortBy      string `json:"sort_by"`
	SortOrder   string `json:"sort_order"`
}

func (b cronSearchBody) request() cron.SearchRequest {
	return cron.SearchRequest{
		AssistantID: b.AssistantID,
		ThreadID:    b.ThreadID,
		Limit:       b.Limit,
		Offset:      b.Offset,
		SortBy:      b.SortBy,
		SortOrder:   b.SortOrder,
	}
}

func (s *Server) createCron(c echo.Context) error {
	return s.cron(c, "")
}

func (s *Server) createThreadCron(c echo.Context) error {
	return s.cron(c, c.Param("thread_id"))
}

func (s *Server) cron(c echo.Context, threadID string) error {
	var body cronBody
	if err := bind(c, &body); err != nil {
		return err
	}
	job, err := s.crons.Create(c.Request().Context(), owner(c), body.request(threadID))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) searchCrons(c echo.Context) error {
	var body cronSearchBody
	if err := bind(c, &body); err != nil {
		return err
	}
	jobs, err := s.crons.Search(c.Request().Context(), owner(c), body.request())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) countCrons(c echo.Context) error {
	var body cronSearchBody
	if err := bind(c, &body); err != nil {
		return err
	}
	n, err := s.crons.Count(c.Request().Context(), owner(c), body.request())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (s *Server) deleteCron(c echo.Context) error {
	if err := s.crons.Delete(c.Request().Context(), owner(c), c.Param("cron_id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, struct{}{})
}
