package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := ThoughtEvent{
		Type:      EventPublished,
		ID:        "t-1",
		Agent:     "agentA",
		Published: time.Now(),
		Payload:   json.RawMessage(`{"metric":0.5}`),
	}
	require.NoError(t, hub.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, event.Agent, got.Agent)
		assert.JSONEq(t, `{"metric":0.5}`, string(got.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByAgent(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{Agent: "agentA"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, ThoughtEvent{Type: EventPublished, Agent: "agentA", ID: "1"}))
	require.NoError(t, hub.Publish(ctx, ThoughtEvent{Type: EventPublished, Agent: "agentB", ID: "2"}))

	select {
	case got := <-ch:
		assert.Equal(t, "1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{Types: []string{EventExpired}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, ThoughtEvent{Type: EventPublished, ID: "1"}))
	require.NoError(t, hub.Publish(ctx, ThoughtEvent{Type: EventExpired, ID: "2"}))

	select {
	case got := <-ch:
		assert.Equal(t, EventExpired, got.Type)
		assert.Equal(t, "2", got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, ThoughtEvent{Type: EventPublished, ID: "x"}))

	for _, ch := range []<-chan ThoughtEvent{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "x", got.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Len())

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, ThoughtEvent{Type: EventPublished}))

	_, open := <-ch
	assert.False(t, open, "channel is closed after cancel")
	assert.Equal(t, 0, hub.Len())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, ThoughtEvent{Type: EventPublished}))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			assert.Equal(t, defaultChannelBuffer, drained)
			return
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, ThoughtEvent{Type: EventPublished})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Len())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, ThoughtEvent{}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
