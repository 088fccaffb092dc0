package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSentinels(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
		kind     Kind
	}{
		{NotFound("Thread %s not found", "t1"), ErrNotFound, KindNotFound},
		{Conflict("Thread %s is busy", "t1"), ErrConflict, KindConflict},
		{Validation("bad %s", "input"), ErrValidation, KindValidation},
		{Execution(errors.New("boom")), ErrExecution, KindExecution},
		{&Error{Kind: KindDegraded, Message: "webhook"}, ErrDegraded, KindDegraded},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			wrapped := fmt.Errorf("handler: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(wrapped))
		})
	}
}

func TestExecutionKeepsCause(t *testing.T) {
	cause := errors.New("model unavailable")
	err := Execution(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "run failed: model unavailable", err.Error())
	assert.Equal(t, "run failed", Message(err))
}

func TestUnclassified(t *testing.T) {
	err := errors.New("disk full")
	assert.Equal(t, Kind(""), KindOf(err))
	assert.Equal(t, "disk full", Message(err))

	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("load: %w", ErrNotFound)))
}
