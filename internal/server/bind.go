package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/aixgo-dev/agentserver/internal/apperr"
)

var binder = &echo.DefaultBinder{}

// bind decodes a JSON body. An empty body leaves v untouched; a malformed
// one is a validation error.
func bind(c echo.Context, v any) error {
	if err := binder.BindBody(c, v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if msg, ok := he.Message.(string); ok {
				return apperr.Validation("invalid request body: %s", msg)
			}
		}
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// queryInt reads an optional integer query parameter.
func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("invalid %s %q", name, raw)
	}
	return n, nil
}

// streamModes accepts a single mode or a list of modes.
type streamModes []string

func (m *streamModes) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*m = streamModes{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stream_mode must be a string or a list of strings")
	}
	*m = many
	return nil
}

// checkpointRef accepts a checkpoint id either bare or as a config object
// {"configurable": {"checkpoint_id": ...}}.
type checkpointRef string

func (r *checkpointRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = checkpointRef(id)
		return nil
	}
	var cfg struct {
		CheckpointID string `json:"checkpoint_id"`
		Configurable struct {
			CheckpointID string `json:"checkpoint_id"`
		} `json:"configurable"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("before must be a checkpoint id or a checkpoint config")
	}
	if cfg.Configurable.CheckpointID != "" {
		*r = checkpointRef(cfg.Configurable.CheckpointID)
	} else {
		*r = checkpointRef(cfg.CheckpointID)
	}
	return nil
}
