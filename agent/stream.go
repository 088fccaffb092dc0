package agent

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStreamClosed is returned by Send after the stream was closed.
var ErrStreamClosed = errors.New("stream closed")

// ChannelStream is a Stream fed by a producer goroutine. The producer calls
// Send for each delta and Finish when done.
type ChannelStream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	deltas    chan *Delta
	done      chan struct{}
	err       error
	errMu     sync.Mutex
	closeOnce sync.Once
	finOnce   sync.Once
}

// NewChannelStream creates a stream with the given buffer capacity.
func NewChannelStream(ctx context.Context, capacity int) *ChannelStream {
	ctx, cancel := context.WithCancel(ctx)
	return &ChannelStream{
		ctx:    ctx,
		cancel: cancel,
		deltas: make(chan *Delta, capacity),
		done:   make(chan struct{}),
	}
}

// Context is cancelled when the consumer closes the stream.
func (s *ChannelStream) Context() context.Context {
	return s.ctx
}

// Recv blocks for the next delta. It returns io.EOF after a clean Finish, the
// producer's error after a failed Finish, or the context error.
func (s *ChannelStream) Recv() (*Delta, error) {
	select {
	case d, ok := <-s.deltas:
		if ok {
			return d, nil
		}
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// Send delivers a delta, blocking while the buffer is full.
func (s *ChannelStream) Send(d *Delta) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.deltas <- d:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-s.done:
		return ErrStreamClosed
	}
}

// Finish ends production; err is reported to the consumer after any
// buffered deltas.
func (s *ChannelStream) Finish(err error) {
	s.finOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.deltas)
	})
}

// Close cancels the producer.
func (s *ChannelStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

// SliceStream replays a fixed list of deltas. It is mostly useful in tests.
type SliceStream struct {
	Deltas []*Delta
	Err    error
	pos    int
}

// Recv returns the next delta, then Err (or io.EOF).
func (s *SliceStream) Recv() (*Delta, error) {
	if s.pos < len(s.Deltas) {
		d := s.Deltas[s.pos]
		s.pos++
		return d, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

// Close is a no-op.
func (s *SliceStream) Close() error { return nil }
