package executor

import (
	"context"
	"sync"
)

// Event types produced by a run.
const (
	EventMetadata = "metadata"
	EventValues   = "values"
	EventUpdates  = "updates"
	EventMessages = "messages"
	EventError    = "error"
	EventEnd      = "end"
)

// Event is one item on a run's event bus.
type Event struct {
	Type string
	Data any
}

// Default broker sizing.
const (
	DefaultReplayLimit      = 1024
	DefaultSubscriberBuffer = 64
)

// Broker fans a run's events out to live subscribers and keeps a replay
// buffer for streams that join later. Publish and Close are called from the
// run's goroutine only; Subscribe may be called from anywhere.
type Broker struct {
	replayLimit int
	subBuffer   int

	mu       sync.Mutex
	events   []Event
	subs     map[int]*Subscription
	nextID   int
	attempts int
	closed   bool
	done     chan struct{}
}

// NewBroker creates a broker for one run. Non-positive sizes select defaults.
func NewBroker(replayLimit, subBuffer int) *Broker {
	if replayLimit <= 0 {
		replayLimit = DefaultReplayLimit
	}
	if subBuffer <= 0 {
		subBuffer = DefaultSubscriberBuffer
	}
	return &Broker{
		replayLimit: replayLimit,
		subBuffer:   subBuffer,
		subs:        make(map[int]*Subscription),
		done:        make(chan struct{}),
	}
}

// Attempt returns the next connection attempt number, starting at 1.
func (b *Broker) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	return b.attempts
}

// Done is closed once the run has published its last event.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Publish appends ev to the replay buffer and delivers it to every
// subscriber. It blocks while a subscriber's channel is full, until that
// subscriber cancels or ctx ends.
func (b *Broker) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.events = append(b.events, ev)
	if over := len(b.events) - b.replayLimit; over > 0 {
		// keep the leading metadata event
		b.events = append(b.events[:1], b.events[1+over:]...)
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// Close marks the run finished and closes every subscriber channel.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
	close(b.done)
}

// Subscribe returns the events published so far and a subscription that
// receives every later event in order. The channel is closed when the run
// finishes; when the run has already finished it is closed immediately.
func (b *Broker) Subscribe() ([]Event, *Subscription) {
	s := &Subscription{done: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()

	replay := make([]Event, len(b.events))
	copy(replay, b.events)

	if b.closed {
		s.ch = make(chan Event)
		close(s.ch)
		s.C = s.ch
		return replay, s
	}

	s.ch = make(chan Event, b.subBuffer)
	s.C = s.ch
	s.id = b.nextID
	s.broker = b
	b.nextID++
	b.subs[s.id] = s
	return replay, s
}

// Subscription is a live view of a run's events.
type Subscription struct {
	C <-chan Event

	id     int
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	broker *Broker
}

// Cancel detaches the subscription. The run keeps going.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if s.broker == nil {
			return
		}
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
	})
}
