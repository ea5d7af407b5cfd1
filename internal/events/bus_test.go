package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindRequestStart})
	b.Emit(SourceAgent, KindRequestStart, nil)
	assert.Zero(t, b.SubscriberCount())
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Emit(SourceAgent, KindToolCall, map[string]any{"request_id": "r_abc", "tool": "web_search"})

	got := receive(t, ch)
	assert.Equal(t, SourceAgent, got.Source)
	assert.Equal(t, KindToolCall, got.Kind)
	assert.Equal(t, "r_abc", got.Data["request_id"])
	assert.False(t, got.Timestamp.IsZero(), "timestamp filled in")
}

func TestPublishKeepsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(Event{Timestamp: ts, Kind: KindRequestComplete})
	assert.Equal(t, ts, receive(t, ch).Timestamp)
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	assert.Equal(t, n, b.SubscriberCount())

	b.Emit(SourceAgent, KindLLMCall, nil)
	for _, ch := range channels {
		assert.Equal(t, KindLLMCall, receive(t, ch).Kind)
		b.Unsubscribe(ch)
	}
	assert.Zero(t, b.SubscriberCount())
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch := b.Subscribe(2)
	defer b.Unsubscribe(ch)

	for range 10 {
		b.Emit(SourceAgent, KindToolDone, nil)
	}
	assert.Len(t, ch, 2)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	b.Emit(SourceAgent, KindRequestFailed, nil)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Emit(SourceAgent, KindLLMCall, nil)
			}
		}()
		go func() {
			defer wg.Done()
			for range 20 {
				ch := b.Subscribe(4)
				b.Unsubscribe(ch)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, b.SubscriberCount())
}
