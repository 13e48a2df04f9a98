package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/events"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	body     map[string]interface{}
}

// fakeClient records publishes instead of talking to a broker.
type fakeClient struct {
	mu        sync.Mutex
	connected bool
	messages  []published
}

func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }
func (c *fakeClient) Connect() mqtt.Token {
	c.connected = true
	return doneToken{}
}
func (c *fakeClient) Disconnect(uint) { c.connected = false }
func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	json.Unmarshal(payload.([]byte), &body)
	c.mu.Lock()
	c.messages = append(c.messages, published{topic: topic, retained: retained, body: body})
	c.mu.Unlock()
	return doneToken{}
}
func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return doneToken{} }
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token          { return doneToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)      {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func TestDisabledHandlerIsRejected(t *testing.T) {
	t.Parallel()

	_, err := NewMQTTHandler(config.DefaultConfig(), events.NewEventBus())
	require.Error(t, err)
}

func TestHandlerPublishesEvents(t *testing.T) {
	t.Parallel()

	bus := events.NewEventBus()
	client := &fakeClient{}
	h := newHandler(config.MQTTConfig{TopicPrefix: "lab"}, "edge-1", bus, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()
	require.Eventually(t, func() bool { return bus.HandlerCount(events.EventStatsSnapshot) == 1 },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventStatsSnapshot,
		Payload: events.StatsSnapshotPayload{SnapshotID: 4, PacketsSent: 10},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventPacketsDiscarded,
		Payload: events.TransmitPayload{Channel: "tcp:1.2.3.4:5", Packets: 2, Discarded: []uint{1}},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventChannelOpened,
		Payload: events.ChannelPayload{ID: "tcp:1.2.3.4:5"},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventHealthReport,
		Payload: map[string]interface{}{"status": "ok"},
	}))

	cancel()
	require.NoError(t, <-done)
	require.Zero(t, bus.HandlerCount(events.EventStatsSnapshot))

	msgs := client.published()
	require.Len(t, msgs, 6)

	require.Equal(t, "lab/edge-1/status", msgs[0].topic)
	require.True(t, msgs[0].retained)

	require.Equal(t, "lab/edge-1/stats", msgs[1].topic)
	require.Equal(t, "edge-1", msgs[1].body["node"])
	stats := msgs[1].body["payload"].(map[string]interface{})
	require.EqualValues(t, 4, stats["snapshot_id"])

	require.Equal(t, "lab/edge-1/discards", msgs[2].topic)
	require.False(t, msgs[2].retained)

	require.Equal(t, "lab/edge-1/channels", msgs[3].topic)
	ch := msgs[3].body["payload"].(map[string]interface{})
	require.Equal(t, "channel_opened", ch["event"])

	require.Equal(t, "lab/edge-1/health", msgs[4].topic)
	require.True(t, msgs[4].retained)

	require.Equal(t, "lab/edge-1/status", msgs[5].topic)
	offline := msgs[5].body["payload"].(map[string]interface{})
	require.Equal(t, false, offline["online"])
}

func TestPublishSkipsWhenDisconnected(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	h := newHandler(config.MQTTConfig{}, "n", events.NewEventBus(), client)
	h.PublishShutdown()
	require.Empty(t, client.published())

	client.connected = true
	h.PublishShutdown()
	require.Equal(t, "courier/n/status", client.published()[0].topic)
}
