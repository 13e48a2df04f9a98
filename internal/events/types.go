// Package events defines the event types exchanged through the Courier event bus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Channel lifecycle
	EventChannelOpened EventType = "channel_opened"
	EventChannelClosed EventType = "channel_closed"

	// Traffic
	EventMessageReceived  EventType = "message_received"
	EventBundleSent       EventType = "bundle_sent"
	EventPacketsDiscarded EventType = "packets_discarded"

	// Periodic
	EventStatsSnapshot EventType = "stats_snapshot"
	EventHealthReport  EventType = "health_report"

	// System
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ChannelPayload identifies a channel that opened or closed.
type ChannelPayload struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Remote string `json:"remote"`
	Reason string `json:"reason,omitempty"`
}

// MessagePayload carries one decoded inbound message.
type MessagePayload struct {
	Channel   string `json:"channel"`
	MessageID uint16 `json:"message_id"`
	Name      string `json:"name"`
	Size      int    `json:"size"`
	Payload   []byte `json:"payload"`
}

// TransmitPayload summarizes one bundle transmission.
type TransmitPayload struct {
	Channel   string `json:"channel"`
	Packets   int    `json:"packets"`
	Bytes     int    `json:"bytes"`
	Discarded []uint `json:"discarded,omitempty"`
}

// StatsSnapshotPayload describes a persisted traffic snapshot.
type StatsSnapshotPayload struct {
	SnapshotID       int64     `json:"snapshot_id"`
	TakenAt          time.Time `json:"taken_at"`
	PacketsSent      uint64    `json:"packets_sent"`
	BytesSent        uint64    `json:"bytes_sent"`
	PacketsDiscarded uint64    `json:"packets_discarded"`
	Messages         int       `json:"messages"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
