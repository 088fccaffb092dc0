package stream

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/internal/executor"
	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

// FinalNode names the update a join stream sends for a finished run.
const FinalNode = "__end__"

// Emitter turns broker events into an event stream. Every stream starts
// with a metadata event and ends with an end event, even when the run
// failed; only a client disconnect cuts a stream short.
type Emitter struct {
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewEmitter creates an emitter.
func NewEmitter(metrics *observability.Metrics, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Emitter{metrics: metrics, logger: logger.Named("stream")}
}

// session writes one stream and enforces its framing.
type session struct {
	e        *Emitter
	w        *Writer
	runID    string
	modes    []string
	metadata bool
}

func (e *Emitter) session(w *Writer, run *storage.Run) *session {
	modes := run.Kwargs.StreamMode
	if len(modes) == 0 {
		modes = []string{executor.EventValues}
	}
	return &session{e: e, w: w, runID: run.RunID, modes: modes}
}

func (s *session) write(event string, data any) error {
	if err := s.w.WriteEvent(event, data); err != nil {
		return err
	}
	s.e.metrics.RecordStreamEvent(event)
	return nil
}

func (s *session) writeMetadata(attempt int) error {
	s.metadata = true
	return s.write(executor.EventMetadata, map[string]any{"run_id": s.runID, "attempt": attempt})
}

// forward writes a broker event if the stream selected its mode. Only the
// first metadata event is kept.
func (s *session) forward(ev executor.Event) error {
	switch ev.Type {
	case executor.EventMetadata:
		if s.metadata {
			return nil
		}
		s.metadata = true
		return s.write(ev.Type, ev.Data)
	case executor.EventError:
	default:
		if !slices.Contains(s.modes, ev.Type) {
			return nil
		}
	}
	if !s.metadata {
		if err := s.writeMetadata(1); err != nil {
			return err
		}
	}
	return s.write(ev.Type, ev.Data)
}

// pump forwards the replay and then live events until the run finishes or
// ctx ends. Leaving early detaches the subscription but not the run.
func (s *session) pump(ctx context.Context, broker *executor.Broker) error {
	replay, sub := broker.Subscribe()
	defer sub.Cancel()

	for _, ev := range replay {
		if err := s.forward(ev); err != nil {
			return err
		}
	}
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := s.forward(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) end() error {
	if !s.metadata {
		if err := s.writeMetadata(1); err != nil {
			return err
		}
	}
	return s.write(executor.EventEnd, nil)
}

// Live streams a run that was just created, from its first event to its
// last.
func (e *Emitter) Live(ctx context.Context, w *Writer, run *storage.Run, broker *executor.Broker) error {
	s := e.session(w, run)
	if err := s.pump(ctx, broker); err != nil {
		e.logger.Debug("live stream closed early", zap.String("run_id", run.RunID), zap.Error(err))
		return err
	}
	return s.end()
}

// JoinSource is what a join stream needs to know about a run.
type JoinSource struct {
	Run *storage.Run
	// Broker is nil once the run has finished.
	Broker *executor.Broker
	// Values is the thread's latest checkpointed state.
	Values map[string]any
}

// Join reconnects to a run. It sends metadata with the reconnect attempt,
// the thread's latest values, and then either the run's remaining events or,
// for a finished run, an update carrying its final status.
func (e *Emitter) Join(ctx context.Context, w *Writer, src JoinSource) error {
	s := e.session(w, src.Run)

	attempt := 1
	if src.Broker != nil {
		attempt = src.Broker.Attempt()
	}
	if err := s.writeMetadata(attempt); err != nil {
		return err
	}
	values := src.Values
	if values == nil {
		values = map[string]any{}
	}
	if err := s.write(executor.EventValues, values); err != nil {
		return err
	}

	if src.Broker != nil {
		if err := s.pump(ctx, src.Broker); err != nil {
			e.logger.Debug("join stream closed early", zap.String("run_id", src.Run.RunID), zap.Error(err))
			return err
		}
		return s.end()
	}

	final := map[string]any{
		"run_id": src.Run.RunID,
		"status": src.Run.Status,
	}
	if src.Run.Error != "" {
		final["error"] = src.Run.Error
	}
	if err := s.write(executor.EventUpdates, map[string]any{FinalNode: final}); err != nil {
		return err
	}
	return s.end()
}
