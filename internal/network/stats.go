package network

import (
	"sort"
	"sync"
	"time"

	"github.com/courier-project/courier/internal/protocol"
)

// Direction tells whether traffic was sent or received.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "recv"
	}
	return "send"
}

// MessageStats holds the counters of one message id.
type MessageStats struct {
	ID        protocol.MessageID `json:"id"`
	Name      string             `json:"name"`
	SendCount uint64             `json:"send_count"`
	SendBytes uint64             `json:"send_bytes"`
	RecvCount uint64             `json:"recv_count"`
	RecvBytes uint64             `json:"recv_bytes"`
}

// StatsSnapshot is a copy of every counter at one instant.
type StatsSnapshot struct {
	TakenAt          time.Time      `json:"taken_at"`
	PacketsSent      uint64         `json:"packets_sent"`
	BytesSent        uint64         `json:"bytes_sent"`
	PacketsDiscarded uint64         `json:"packets_discarded"`
	Messages         []MessageStats `json:"messages"`
}

// Stats accumulates traffic counters. A nil *Stats ignores every update.
type Stats struct {
	mu               sync.Mutex
	messages         map[protocol.MessageID]*MessageStats
	packetsSent      uint64
	bytesSent        uint64
	packetsDiscarded uint64
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{messages: make(map[protocol.MessageID]*MessageStats)}
}

// TrackMessage records one message of size bytes, header included.
func (s *Stats) TrackMessage(dir Direction, desc *protocol.MessageDescriptor, size int) {
	if s == nil || desc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.messages[desc.ID]
	if !ok {
		ms = &MessageStats{ID: desc.ID, Name: desc.Name}
		s.messages[desc.ID] = ms
	}
	if dir == Inbound {
		ms.RecvCount++
		ms.RecvBytes += uint64(size)
		return
	}
	ms.SendCount++
	ms.SendBytes += uint64(size)
}

// PacketSent records one fully transmitted packet.
func (s *Stats) PacketSent(size int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.packetsSent++
	s.bytesSent += uint64(size)
	s.mu.Unlock()
}

// PacketDiscarded records one abandoned packet.
func (s *Stats) PacketDiscarded() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.packetsDiscarded++
	s.mu.Unlock()
}

// Message returns the counters of one message id.
func (s *Stats) Message(id protocol.MessageID) (MessageStats, bool) {
	if s == nil {
		return MessageStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.messages[id]
	if !ok {
		return MessageStats{}, false
	}
	return *ms, true
}

// Snapshot copies every counter, messages ordered by id.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{TakenAt: time.Now().UTC()}
	if s == nil {
		return snap
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.PacketsSent = s.packetsSent
	snap.BytesSent = s.bytesSent
	snap.PacketsDiscarded = s.packetsDiscarded
	snap.Messages = make([]MessageStats, 0, len(s.messages))
	for _, ms := range s.messages {
		snap.Messages = append(snap.Messages, *ms)
	}
	sort.Slice(snap.Messages, func(i, j int) bool { return snap.Messages[i].ID < snap.Messages[j].ID })
	return snap
}

// Reset clears every counter.
func (s *Stats) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[protocol.MessageID]*MessageStats)
	s.packetsSent, s.bytesSent, s.packetsDiscarded = 0, 0, 0
}
