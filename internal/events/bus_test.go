package events_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-project/courier/internal/events"
)

func TestEmitReachesSubscribers(t *testing.T) {
	t.Parallel()

	bus := events.NewEventBus()
	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventMessageReceived, "test", func(_ context.Context, e events.Event) error {
		got <- e
		return nil
	})

	bus.Emit(context.Background(), events.Event{
		Type:    events.EventMessageReceived,
		Source:  "tcp:1",
		Payload: events.MessagePayload{Name: "chat"},
	})

	select {
	case e := <-got:
		require.Equal(t, "tcp:1", e.Source)
		require.Equal(t, "chat", e.Payload.(events.MessagePayload).Name)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	require.Equal(t, uint64(1), bus.EmittedCount(events.EventMessageReceived))
}

func TestEmitSyncReturnsFirstError(t *testing.T) {
	t.Parallel()

	bus := events.NewEventBus()
	var calls atomic.Int32
	bus.Subscribe(events.EventShutdown, "ok", func(context.Context, events.Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(events.EventShutdown, "fail", func(context.Context, events.Event) error {
		calls.Add(1)
		return errors.New("boom")
	})
	bus.Subscribe(events.EventShutdown, "panic", func(context.Context, events.Event) error {
		calls.Add(1)
		panic("handler bug")
	})

	err := bus.EmitSync(context.Background(), events.Event{Type: events.EventShutdown})
	require.EqualError(t, err, "boom")
	require.Equal(t, int32(3), calls.Load())
}

func TestUnsubscribeAndStop(t *testing.T) {
	t.Parallel()

	bus := events.NewEventBus()
	bus.Subscribe(events.EventChannelOpened, "a", func(context.Context, events.Event) error { return nil })
	bus.Subscribe(events.EventChannelOpened, "b", func(context.Context, events.Event) error { return nil })
	bus.Unsubscribe(events.EventChannelOpened, "a")
	require.Equal(t, 1, bus.HandlerCount(events.EventChannelOpened))

	bus.Stop()
	bus.Stop()
	<-bus.StopCh()
	require.NoError(t, bus.EmitSync(context.Background(), events.Event{Type: events.EventChannelOpened}))
	require.Zero(t, bus.EmittedCount(events.EventChannelOpened))
}
