// Package scheduler runs the periodic tasks of a Courier node: traffic
// snapshots, stale channel cleanup and history pruning.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/util"
)

// SnapshotStore persists traffic history.
type SnapshotStore interface {
	SaveSnapshot(snap network.StatsSnapshot) (int64, error)
	RecordDiscard(channel string, packets, discarded int) error
	Prune(before time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	stats    *network.Stats
	channels *network.ChannelRegistry
	store    SnapshotStore
	eventBus *events.EventBus
	logger   zerolog.Logger
}

// NewScheduler creates a new task scheduler. store may be nil, in which
// case snapshots are only published.
func NewScheduler(cfg *config.Config, stats *network.Stats, channels *network.ChannelRegistry,
	store SnapshotStore, eventBus *events.EventBus) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		stats:    stats,
		channels: channels,
		store:    store,
		eventBus: eventBus,
		logger:   util.ComponentLogger("scheduler"),
	}
}

// Start runs every task until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	timers := s.cfg.GetTimers()
	s.logger.Info().
		Int("snapshot_interval_sec", timers.StatsSnapshotInterval).
		Int("cleanup_interval_sec", timers.ChannelCleanupInterval).
		Msg("scheduler started")

	if s.store != nil {
		s.eventBus.Subscribe(events.EventPacketsDiscarded, "scheduler.discards", s.onPacketsDiscarded)
		defer s.eventBus.Unsubscribe(events.EventPacketsDiscarded, "scheduler.discards")
		go s.every(ctx, seconds(timers.StatsPruneInterval), func() { s.Prune() })
	}
	go s.every(ctx, seconds(timers.StatsSnapshotInterval), func() { s.Snapshot(ctx) })
	go s.every(ctx, seconds(timers.ChannelCleanupInterval), func() { s.CleanupChannels() })

	<-ctx.Done()

	// Keep the tail of the traffic history.
	s.Snapshot(context.Background())
	s.logger.Info().Msg("scheduler stopped")
}

func seconds(n int) time.Duration {
	return time.Duration(max(n, 1)) * time.Second
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, task func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// Snapshot copies the traffic counters, stores them and publishes a
// stats_snapshot event.
func (s *Scheduler) Snapshot(ctx context.Context) events.StatsSnapshotPayload {
	snap := s.stats.Snapshot()

	var id int64
	if s.store != nil {
		var err error
		if id, err = s.store.SaveSnapshot(snap); err != nil {
			s.logger.Error().Err(err).Msg("failed to store stats snapshot")
		}
	}

	payload := events.StatsSnapshotPayload{
		SnapshotID:       id,
		TakenAt:          snap.TakenAt,
		PacketsSent:      snap.PacketsSent,
		BytesSent:        snap.BytesSent,
		PacketsDiscarded: snap.PacketsDiscarded,
		Messages:         len(snap.Messages),
	}
	s.eventBus.Emit(ctx, events.Event{
		Type:    events.EventStatsSnapshot,
		Source:  "scheduler",
		Payload: payload,
	})

	s.logger.Debug().
		Int64("snapshot_id", id).
		Uint64("packets_sent", snap.PacketsSent).
		Str("bytes_sent", formatBytes(int64(snap.BytesSent))).
		Uint64("packets_discarded", snap.PacketsDiscarded).
		Msg("stats snapshot taken")
	return payload
}

// CleanupChannels closes channels idle past the stale timeout.
func (s *Scheduler) CleanupChannels() int {
	timeout := seconds(s.cfg.GetTimers().ChannelStaleTimeout)
	cleaned := s.channels.CleanStale(timeout)
	if cleaned > 0 {
		s.logger.Info().Int("cleaned", cleaned).Dur("timeout", timeout).Msg("stale channels closed")
	}
	return cleaned
}

// Prune removes history older than the retention period.
func (s *Scheduler) Prune() int64 {
	if s.store == nil {
		return 0
	}
	days := max(s.cfg.GetDatabase().RetentionDays, 1)
	removed, err := s.store.Prune(time.Now().AddDate(0, 0, -days))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prune stats history")
	}
	return removed
}

func (s *Scheduler) onPacketsDiscarded(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.TransmitPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	return s.store.RecordDiscard(p.Channel, p.Packets, len(p.Discarded))
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
