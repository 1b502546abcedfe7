package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/content_delivery/internal/content"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")

		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")

		return nil
	}
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	bus.Publish(DownloadStarted{Key: "a", Priority: "normal"})
	bus.Publish(DownloadCompleted{Key: "a"})
	bus.Publish(DownloadCancelled{})

	assert.Equal(t, DownloadStarted{Key: "a", Priority: "normal"}, receive(t, ch))
	assert.Equal(t, DownloadCompleted{Key: "a"}, receive(t, ch))
	assert.Equal(t, DownloadCancelled{}, receive(t, ch))
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	first, unsubFirst := bus.Subscribe(4)
	defer unsubFirst()

	second, unsubSecond := bus.Subscribe(4)
	defer unsubSecond()

	bus.Publish(LoadStarted{Key: "k", Kind: content.KindJSON})

	assert.Equal(t, "load_started", receive(t, first).Name())
	assert.Equal(t, "load_started", receive(t, second).Name())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	gone, unsubscribe := bus.Subscribe(1)
	unsubscribe()
	unsubscribe()

	live, unsubLive := bus.Subscribe(4)
	defer unsubLive()

	bus.Publish(DownloadCompleted{Key: "a"})
	bus.Publish(DownloadCompleted{Key: "b"})

	assert.Equal(t, DownloadCompleted{Key: "a"}, receive(t, live))
	assert.Equal(t, DownloadCompleted{Key: "b"}, receive(t, live))
	assert.Empty(t, gone)
}

func TestBus_CloseFlushesAndClosesSubscribers(t *testing.T) {
	bus := NewBus(8)

	ch, _ := bus.Subscribe(8)

	bus.Publish(DownloadFailed{Key: "a", Message: "boom"})
	bus.Close()
	bus.Close()

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "download_failed", ev.Name())

	_, ok = <-ch
	assert.False(t, ok)

	bus.Publish(DownloadCompleted{Key: "late"})

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestBus_StalledSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	stalled, unsubStalled := bus.Subscribe(1)
	defer unsubStalled()

	live, unsubLive := bus.Subscribe(32)
	defer unsubLive()

	published := make(chan struct{})

	go func() {
		defer close(published)

		for i := range 20 {
			bus.Publish(DownloadCompleted{Key: content.Key(fmt.Sprintf("k%d", i))})
		}
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	for i := range 20 {
		assert.Equal(t, DownloadCompleted{Key: content.Key(fmt.Sprintf("k%d", i))}, receive(t, live))
	}

	assert.Eventually(t, func() bool { return bus.Dropped() == 19 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, DownloadCompleted{Key: "k0"}, receive(t, stalled))
}

func TestBus_NilIsSafe(t *testing.T) {
	var bus *Bus

	assert.NotPanics(t, func() {
		bus.Publish(DownloadCancelled{})
		bus.Close()
		assert.Zero(t, bus.Dropped())
	})
}

func TestDownloadFailed_MarshalJSON(t *testing.T) {
	raw, err := DownloadFailed{Key: "level_5", Message: "forbidden"}.MarshalJSON()
	require.NoError(t, err)

	assert.JSONEq(t, `{"key":"level_5","message":"forbidden"}`, string(raw))
}
