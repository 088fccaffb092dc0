package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/internal/registry"
	"github.com/aixgo-dev/agentserver/internal/stream"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

type runBody struct {
	AssistantID       string          `json:"assistant_id"`
	Input             json.RawMessage `json:"input"`
	Metadata          map[string]any  `json:"metadata"`
	Config            map[string]any  `json:"config"`
	Context           map[string]any  `json:"context"`
	InterruptBefore   []string        `json:"interrupt_before"`
	InterruptAfter    []string        `json:"interrupt_after"`
	StreamMode        streamModes     `json:"stream_mode"`
	MultitaskStrategy string          `json:"multitask_strategy"`
	Webhook           string          `json:"webhook"`
	OnCompletion      string          `json:"on_completion"`
}

func (b runBody) request() registry.RunRequest {
	return registry.RunRequest{
		AssistantID:       b.AssistantID,
		MultitaskStrategy: storage.MultitaskStrategy(b.MultitaskStrategy),
		Input:             b.Input,
		Metadata:          b.Metadata,
		Config:            b.Config,
		Context:           b.Context,
		InterruptBefore:   b.InterruptBefore,
		InterruptAfter:    b.InterruptAfter,
		StreamMode:        b.StreamMode,
		Webhook:           b.Webhook,
		OnCompletion:      b.OnCompletion,
	}
}

// runOnThread creates a run on the thread named in the path.
func (s *Server) runOnThread(c echo.Context) (*registry.RunHandle, error) {
	var body runBody
	if err := bind(c, &body); err != nil {
		return nil, err
	}
	return s.reg.CreateRun(c.Request().Context(), owner(c), c.Param("thread_id"), body.request())
}

// runStateless creates a run on a fresh thread. The thread is deleted once
// the run finishes unless on_completion is keep.
func (s *Server) runStateless(c echo.Context) (*registry.RunHandle, error) {
	var body runBody
	if err := bind(c, &body); err != nil {
		return nil, err
	}
	if body.OnCompletion == "" {
		body.OnCompletion = registry.OnCompletionDelete
	}
	ctx := c.Request().Context()
	thread, err := s.reg.CreateThread(ctx, owner(c), registry.CreateThreadRequest{})
	if err != nil {
		return nil, err
	}
	handle, err := s.reg.CreateRun(ctx, owner(c), thread.ThreadID, body.request())
	if err != nil {
		if derr := s.reg.DeleteThread(ctx, owner(c), thread.ThreadID); derr != nil {
			s.logger.Warn("delete unused thread", zap.String("thread_id", thread.ThreadID), zap.Error(derr))
		}
		return nil, err
	}
	return handle, nil
}

func (s *Server) createRun(c echo.Context) error {
	handle, err := s.runOnThread(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, handle.Run)
}

func (s *Server) streamRun(c echo.Context) error {
	handle, err := s.runOnThread(c)
	if err != nil {
		return err
	}
	return s.live(c, handle, handle.Run.ThreadID)
}

func (s *Server) streamStatelessRun(c echo.Context) error {
	handle, err := s.runStateless(c)
	if err != nil {
		return err
	}
	return s.live(c, handle, "")
}

func (s *Server) waitRun(c echo.Context) error {
	handle, err := s.runOnThread(c)
	if err != nil {
		return err
	}
	return s.wait(c, handle)
}

func (s *Server) waitStatelessRun(c echo.Context) error {
	handle, err := s.runStateless(c)
	if err != nil {
		return err
	}
	return s.wait(c, handle)
}

func (s *Server) wait(c echo.Context, handle *registry.RunHandle) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.WaitTimeout)
	defer cancel()
	_, values, err := handle.Wait(ctx)
	if err != nil {
		return waitErr(err)
	}
	return c.JSON(http.StatusOK, values)
}

func waitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return echo.NewHTTPError(http.StatusRequestTimeout, "Run did not finish in time")
	}
	return err
}

// live streams a run from its creation. threadID is empty for stateless
// runs so the Location headers use the stateless form.
func (s *Server) live(c echo.Context, handle *registry.RunHandle, threadID string) error {
	res := c.Response()
	stream.SetHeaders(res.Header(), threadID, handle.Run.RunID)
	res.WriteHeader(http.StatusOK)

	err := s.emitter.Live(c.Request().Context(), stream.NewWriter(res), handle.Run, handle.Broker)
	return s.streamDone(c, handle.Run.RunID, err)
}

func (s *Server) joinRunStream(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("thread_id")
	run, broker, err := s.reg.JoinRun(ctx, owner(c), threadID, c.Param("run_id"))
	if err != nil {
		return err
	}
	values := map[string]any{}
	if snap, err := s.reg.GetState(ctx, owner(c), run.ThreadID); err == nil {
		values = snap.Values
	}

	res := c.Response()
	stream.SetHeaders(res.Header(), threadID, run.RunID)
	res.WriteHeader(http.StatusOK)

	err = s.emitter.Join(ctx, stream.NewWriter(res), stream.JoinSource{Run: run, Broker: broker, Values: values})
	return s.streamDone(c, run.RunID, err)
}

// streamDone swallows a client disconnect; the run carries on.
func (s *Server) streamDone(c echo.Context, runID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || c.Request().Context().Err() != nil {
		s.logger.Debug("stream client went away", zap.String("run_id", runID))
		return nil
	}
	return err
}

// joinRunWait blocks until a run is terminal and returns the run record.
func (s *Server) joinRunWait(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.WaitTimeout)
	defer cancel()
	run, _, err := s.reg.WaitRun(ctx, owner(c), c.Param("thread_id"), c.Param("run_id"))
	if err != nil {
		return waitErr(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) listRuns(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return err
	}
	runs, err := s.reg.ListRuns(c.Request().Context(), owner(c), c.Param("thread_id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.reg.GetRun(c.Request().Context(), owner(c), c.Param("thread_id"), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) cancelRun(c echo.Context) error {
	err := s.reg.CancelRun(c.Request().Context(), owner(c), c.Param("thread_id"), c.Param("run_id"), c.QueryParam("action"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, struct{}{})
}
