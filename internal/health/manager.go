// Package health runs periodic delivery health checks for a Courier node:
// packet discard ratio, pool leaks, peer connectivity and host load.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/util"
)

// Status grades a check or a whole report.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	}
	return 0
}

// Alert thresholds.
const (
	discardWarnRatio     = 0.01
	discardCriticalRatio = 0.10
	poolInUseWarn        = 4096
	hostPercentWarn      = 90.0
)

// Check is the outcome of one health check.
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Report groups the checks of one run. Status is the worst check status.
type Report struct {
	CheckedAt time.Time `json:"checked_at"`
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
}

// Manager runs the health checks on a fixed interval and keeps the last report.
type Manager struct {
	cfg      *config.Config
	iface    *network.NetworkInterface
	channels *network.ChannelRegistry
	eventBus *events.EventBus
	logger   zerolog.Logger

	hostUsage func() (util.HostUsage, error)

	mu            sync.RWMutex
	last          Report
	hasLast       bool
	prevSent      uint64
	prevDiscarded uint64
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, iface *network.NetworkInterface, channels *network.ChannelRegistry,
	eventBus *events.EventBus) *Manager {
	return &Manager{
		cfg:       cfg,
		iface:     iface,
		channels:  channels,
		eventBus:  eventBus,
		logger:    util.ComponentLogger("health"),
		hostUsage: util.GetHostUsage,
	}
}

// Start runs the checks immediately and then on every interval until ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := time.Duration(m.cfg.GetTimers().HealthCheckInterval) * time.Second
	if interval <= 0 {
		m.logger.Info().Msg("health checks disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("health check manager started")
	m.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.Run(ctx)
		}
	}
}

// Run executes every check once, stores the report and publishes it.
func (m *Manager) Run(ctx context.Context) Report {
	report := Report{
		CheckedAt: time.Now().UTC(),
		Status:    StatusOK,
		Checks: []Check{
			m.checkDiscards(),
			m.checkPools(),
			m.checkPeers(),
			m.checkHost(),
		},
	}
	for _, c := range report.Checks {
		if c.Status.rank() > report.Status.rank() {
			report.Status = c.Status
		}
		if c.Status != StatusOK {
			m.logger.Warn().Str("check", c.Name).Str("status", string(c.Status)).Msg(c.Message)
		}
	}

	m.mu.Lock()
	m.last = report
	m.hasLast = true
	m.mu.Unlock()

	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHealthReport,
		Source:  "health_check",
		Payload: report,
	})
	return report
}

// Last returns the most recent report.
func (m *Manager) Last() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.hasLast
}

// checkDiscards grades the share of packets abandoned since the last run.
func (m *Manager) checkDiscards() Check {
	snap := m.iface.Stats().Snapshot()

	m.mu.Lock()
	// Counters go backwards after a stats reset.
	if snap.PacketsSent < m.prevSent || snap.PacketsDiscarded < m.prevDiscarded {
		m.prevSent, m.prevDiscarded = 0, 0
	}
	sent := snap.PacketsSent - m.prevSent
	discarded := snap.PacketsDiscarded - m.prevDiscarded
	m.prevSent, m.prevDiscarded = snap.PacketsSent, snap.PacketsDiscarded
	m.mu.Unlock()

	check := Check{Name: "discard_ratio", Status: StatusOK}
	attempted := sent + discarded
	if attempted == 0 {
		check.Message = "no outbound traffic"
		return check
	}

	ratio := float64(discarded) / float64(attempted)
	check.Message = fmt.Sprintf("%d of %d packets discarded (%.2f%%)", discarded, attempted, ratio*100)
	switch {
	case ratio >= discardCriticalRatio:
		check.Status = StatusCritical
	case ratio >= discardWarnRatio:
		check.Status = StatusWarning
	}
	return check
}

// checkPools flags pools whose outstanding objects keep growing.
func (m *Manager) checkPools() Check {
	check := Check{Name: "pools", Status: StatusOK, Message: "pools within limits"}
	for _, ps := range m.iface.PoolStats() {
		switch {
		case ps.InUse < 0:
			return Check{Name: "pools", Status: StatusCritical,
				Message: fmt.Sprintf("pool %s released %d more objects than it handed out", ps.Name, -ps.InUse)}
		case ps.InUse > poolInUseWarn:
			check.Status = StatusWarning
			check.Message = fmt.Sprintf("pool %s holds %d objects", ps.Name, ps.InUse)
		}
	}
	return check
}

// checkPeers warns when peers are configured but no channel is open.
func (m *Manager) checkPeers() Check {
	open := m.channels.Count()
	check := Check{Name: "channels", Status: StatusOK, Message: fmt.Sprintf("%d channels open", open)}
	if peers := len(m.cfg.GetNode().Peers); peers > 0 && open == 0 {
		check.Status = StatusWarning
		check.Message = fmt.Sprintf("no channel open, %d peers configured", peers)
	}
	return check
}

// checkHost reports CPU and memory pressure.
func (m *Manager) checkHost() Check {
	check := Check{Name: "host", Status: StatusOK}
	usage, err := m.hostUsage()
	if err != nil {
		check.Status = StatusWarning
		check.Message = err.Error()
		return check
	}

	check.Message = fmt.Sprintf("cpu %.1f%%, memory %.1f%%", usage.CPUPercent, usage.MemoryPercent)
	if usage.CPUPercent >= hostPercentWarn || usage.MemoryPercent >= hostPercentWarn {
		check.Status = StatusWarning
	}
	return check
}
