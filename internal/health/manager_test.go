package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/util"
)

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *network.Stats) {
	t.Helper()
	stats := network.NewStats()
	iface := network.NewNetworkInterface(network.Config{Stats: stats, Pools: network.NewPools(64, 64)})
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	m := NewManager(cfg, iface, network.NewChannelRegistry(), bus)
	m.hostUsage = func() (util.HostUsage, error) {
		return util.HostUsage{CPUPercent: 12, MemoryPercent: 40}, nil
	}
	return m, stats
}

func checkByName(t *testing.T, r Report, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing", name)
	return Check{}
}

func TestRunHealthyNode(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, config.DefaultConfig())
	_, ok := m.Last()
	require.False(t, ok)

	report := m.Run(context.Background())
	require.Equal(t, StatusOK, report.Status)
	require.Len(t, report.Checks, 4)
	require.Equal(t, "no outbound traffic", checkByName(t, report, "discard_ratio").Message)

	last, ok := m.Last()
	require.True(t, ok)
	require.Equal(t, report.CheckedAt, last.CheckedAt)
}

func TestDiscardRatioUsesDeltaSinceLastRun(t *testing.T) {
	t.Parallel()

	m, stats := newTestManager(t, config.DefaultConfig())
	for i := 0; i < 80; i++ {
		stats.PacketSent(100)
	}
	for i := 0; i < 20; i++ {
		stats.PacketDiscarded()
	}
	report := m.Run(context.Background())
	require.Equal(t, StatusCritical, checkByName(t, report, "discard_ratio").Status)
	require.Equal(t, StatusCritical, report.Status)

	for i := 0; i < 99; i++ {
		stats.PacketSent(100)
	}
	stats.PacketDiscarded()
	require.Equal(t, StatusWarning, checkByName(t, m.Run(context.Background()), "discard_ratio").Status)

	stats.Reset()
	stats.PacketSent(100)
	require.Equal(t, StatusOK, checkByName(t, m.Run(context.Background()), "discard_ratio").Status)
}

func TestPeersAndHostWarnings(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Node.Peers = []string{"127.0.0.1:20013"}
	m, _ := newTestManager(t, cfg)
	m.hostUsage = func() (util.HostUsage, error) { return util.HostUsage{}, errors.New("no procfs") }

	report := m.Run(context.Background())
	require.Equal(t, StatusWarning, report.Status)
	require.Equal(t, StatusWarning, checkByName(t, report, "channels").Status)
	require.Equal(t, "no procfs", checkByName(t, report, "host").Message)

	m.hostUsage = func() (util.HostUsage, error) { return util.HostUsage{MemoryPercent: 95}, nil }
	require.Equal(t, StatusWarning, checkByName(t, m.Run(context.Background()), "host").Status)
}

func TestRunPublishesReport(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, config.DefaultConfig())
	got := make(chan Report, 1)
	m.eventBus.Subscribe(events.EventHealthReport, "test", func(_ context.Context, e events.Event) error {
		got <- e.Payload.(Report)
		return nil
	})

	report := m.Run(context.Background())
	select {
	case r := <-got:
		require.Equal(t, report.Status, r.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("health_report was not published")
	}
}

func TestStartDisabled(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Timers.HealthCheckInterval = 0
	m, _ := newTestManager(t, cfg)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return with checks disabled")
	}
	_, ok := m.Last()
	require.False(t, ok)
}
