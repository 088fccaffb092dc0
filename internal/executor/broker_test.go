package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainSub(s *Subscription) []Event {
	var out []Event
	for ev := range s.C {
		out = append(out, ev)
	}
	return out
}

func types(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestBrokerReplayThenLive(t *testing.T) {
	b := NewBroker(0, 0)
	ctx := context.Background()

	b.Publish(ctx, Event{Type: EventMetadata})
	b.Publish(ctx, Event{Type: EventValues, Data: 1})

	replay, sub := b.Subscribe()
	require.Equal(t, []string{EventMetadata, EventValues}, types(replay))

	b.Publish(ctx, Event{Type: EventValues, Data: 2})
	b.Close()

	live := drainSub(sub)
	require.Len(t, live, 1)
	assert.Equal(t, 2, live[0].Data)
	select {
	case <-b.Done():
	default:
		t.Fatal("broker still open after Close")
	}
}

func TestBrokerConcurrentSubscribersSeeSameOrder(t *testing.T) {
	b := NewBroker(0, 4)
	ctx := context.Background()
	const n = 200

	var wg sync.WaitGroup
	results := make([][]Event, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replay, sub := b.Subscribe()
			results[i] = append(replay, drainSub(sub)...)
		}(i)
	}

	for i := 0; i < n; i++ {
		b.Publish(ctx, Event{Type: EventValues, Data: i})
	}
	b.Close()
	wg.Wait()

	for _, got := range results {
		require.Len(t, got, n)
		for i, ev := range got {
			assert.Equal(t, i, ev.Data)
		}
	}
}

func TestBrokerCancelledSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker(0, 1)
	_, sub := b.Subscribe()
	sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(context.Background(), Event{Type: EventValues, Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a cancelled subscriber")
	}
}

func TestBrokerSubscribeAfterClose(t *testing.T) {
	b := NewBroker(0, 0)
	b.Publish(context.Background(), Event{Type: EventMetadata})
	b.Close()

	replay, sub := b.Subscribe()
	assert.Len(t, replay, 1)
	_, open := <-sub.C
	assert.False(t, open)

	select {
	case <-b.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestBrokerReplayLimitKeepsMetadata(t *testing.T) {
	b := NewBroker(3, 0)
	ctx := context.Background()
	b.Publish(ctx, Event{Type: EventMetadata})
	for i := 0; i < 5; i++ {
		b.Publish(ctx, Event{Type: EventValues, Data: i})
	}

	replay, sub := b.Subscribe()
	defer sub.Cancel()
	require.Len(t, replay, 3)
	assert.Equal(t, EventMetadata, replay[0].Type)
	assert.Equal(t, 3, replay[1].Data)
	assert.Equal(t, 4, replay[2].Data)
}

func TestBrokerAttempt(t *testing.T) {
	b := NewBroker(0, 0)
	assert.Equal(t, 1, b.Attempt())
	assert.Equal(t, 2, b.Attempt())
}
