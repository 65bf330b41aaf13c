package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus(8)

	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub1()
	defer unsub2()

	event := Event{Type: EventJobStarted, JobID: "quote-refresh", At: time.Now()}
	bus.Publish(event)

	require.Equal(t, event, <-ch1)
	require.Equal(t, event, <-ch2)
	require.Equal(t, int64(0), bus.Dropped())
}

func TestEventBusDropsWhenBufferFull(t *testing.T) {
	bus := NewEventBus(2)

	ch, unsub := bus.Subscribe()
	defer unsub()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventJobStarted, JobID: "quote-refresh"})
	}

	require.Equal(t, int64(3), bus.Dropped())
	require.Len(t, ch, 2)
}

func TestEventBusPublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(1)

	_, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Type: EventJobFailed, JobID: "quote-refresh"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(4)

	ch, unsub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	unsub()
	require.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-ch
	require.False(t, ok)

	// A second unsubscribe is a no-op.
	unsub()
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus(4)

	ch, _ := bus.Subscribe()
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)
	require.Equal(t, 0, bus.SubscriberCount())

	// Publishing and subscribing after close must not panic.
	bus.Publish(Event{Type: EventJobStarted})
	late, _ := bus.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}
