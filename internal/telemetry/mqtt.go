// Package telemetry publishes traffic statistics and channel events to MQTT.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/util"
)

// Topic suffixes below <prefix>/<node>.
const (
	TopicStatus   = "status"
	TopicStats    = "stats"
	TopicChannels = "channels"
	TopicDiscards = "discards"
	TopicHealth   = "health"
)

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	node     string
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}
	node := cfg.GetNode().Name

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	clientID := mqttCfg.ClientID
	if clientID == "" {
		clientID = "courier-" + node
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if mqttCfg.CAFile != "" {
			pem, err := os.ReadFile(mqttCfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", mqttCfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)
	}

	h := newHandler(mqttCfg, node, eventBus, nil)

	// Last will marks the node offline if the connection drops.
	opts.SetWill(h.topic(TopicStatus), `{"online":false}`, 1, true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

func newHandler(cfg config.MQTTConfig, node string, eventBus *events.EventBus, client mqtt.Client) *MQTTHandler {
	sysInfo := util.GetSystemInfo()
	return &MQTTHandler{
		cfg:      cfg,
		node:     node,
		eventBus: eventBus,
		client:   client,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"node":      node,
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
		},
	}
}

// Start connects to the MQTT broker and publishes until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.publish(TopicStatus, map[string]interface{}{"online": true}, true)
	h.subscribeEvents()

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventStatsSnapshot, "mqtt.stats", h.onStatsSnapshot)
	h.eventBus.Subscribe(events.EventPacketsDiscarded, "mqtt.discards", h.onPacketsDiscarded)
	h.eventBus.Subscribe(events.EventChannelOpened, "mqtt.channelOpened", h.onChannel)
	h.eventBus.Subscribe(events.EventChannelClosed, "mqtt.channelClosed", h.onChannel)
	h.eventBus.Subscribe(events.EventHealthReport, "mqtt.health", h.onHealthReport)
}

func (h *MQTTHandler) unsubscribeEvents() {
	h.eventBus.Unsubscribe(events.EventStatsSnapshot, "mqtt.stats")
	h.eventBus.Unsubscribe(events.EventPacketsDiscarded, "mqtt.discards")
	h.eventBus.Unsubscribe(events.EventChannelOpened, "mqtt.channelOpened")
	h.eventBus.Unsubscribe(events.EventChannelClosed, "mqtt.channelClosed")
	h.eventBus.Unsubscribe(events.EventHealthReport, "mqtt.health")
}

func (h *MQTTHandler) topic(suffix string) string {
	prefix := h.cfg.TopicPrefix
	if prefix == "" {
		prefix = "courier"
	}
	return fmt.Sprintf("%s/%s/%s", prefix, h.node, suffix)
}

// publish sends a JSON message to a topic below the node prefix.
func (h *MQTTHandler) publish(suffix string, payload interface{}, retained bool) {
	if !h.client.IsConnected() {
		return
	}
	topic := h.topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	h.mu.Lock()
	token := h.client.Publish(topic, 1, retained, data)
	h.mu.Unlock()
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onStatsSnapshot(ctx context.Context, event events.Event) error {
	h.publish(TopicStats, event.Payload, true)
	return nil
}

func (h *MQTTHandler) onPacketsDiscarded(ctx context.Context, event events.Event) error {
	h.publish(TopicDiscards, event.Payload, false)
	return nil
}

func (h *MQTTHandler) onHealthReport(ctx context.Context, event events.Event) error {
	h.publish(TopicHealth, event.Payload, true)
	return nil
}

func (h *MQTTHandler) onChannel(ctx context.Context, event events.Event) error {
	h.publish(TopicChannels, map[string]interface{}{
		"event":   string(event.Type),
		"channel": event.Payload,
	}, false)
	return nil
}

// PublishShutdown marks the node offline.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicStatus, map[string]interface{}{"online": false}, true)
}
