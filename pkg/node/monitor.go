package node

import (
	"context"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/channel"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/message"
	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"
	"go.uber.org/zap"
)

// DefaultStatusChannel carries NodeStatus reports.
const DefaultStatusChannel = "/roverlink/status"

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithPeerCounter reports the connected peer count in each status.
func WithPeerCounter(fn func() int) MonitorOption {
	return func(m *Monitor) { m.peers = fn }
}

// WithInterval sets the reporting period.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithStatusChannel sets the channel statuses are published on.
func WithStatusChannel(name string) MonitorOption {
	return func(m *Monitor) {
		if name != "" {
			m.channel = name
		}
	}
}

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(l *logging.ColoredLogger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// Monitor periodically publishes a NodeStatus with peer, CPU, memory and
// registry figures.
type Monitor struct {
	reg      *channel.Registry
	nodeID   string
	peers    func() int
	interval time.Duration
	channel  string
	logger   *logging.ColoredLogger
	started  time.Time

	prevCPU       *cpu.Stats
	lastPeerCount int
	firstCheck    bool
}

// NewMonitor creates a monitor publishing through reg under nodeID.
func NewMonitor(reg *channel.Registry, nodeID string, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		reg:        reg,
		nodeID:     nodeID,
		interval:   10 * time.Second,
		channel:    DefaultStatusChannel,
		logger:     logging.NewNop(),
		started:    time.Now(),
		firstCheck: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run publishes a status every interval until ctx is done. Statuses produced
// while the channel is not ready are skipped.
func (m *Monitor) Run(ctx context.Context) error {
	pub, err := channel.AcquirePublisher[message.NodeStatus](m.reg, m.channel)
	if err != nil {
		return err
	}
	defer pub.Close()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.ComponentInfo(logging.ComponentNode, "Node monitor started",
		zap.String("channel", m.channel), zap.Duration("interval", m.interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			status := m.Snapshot()
			m.logPeerStatus(status.Peers)
			if err := pub.Publish(status); err != nil {
				m.logger.ComponentDebug(logging.ComponentNode, "Skipping node status", zap.Error(err))
				continue
			}
			m.logger.ComponentDebug(logging.ComponentNode, "Announced node status",
				zap.Int("peers", status.Peers),
				zap.Float64("cpu_percent", status.CPUPercent),
				zap.Int("open_handles", status.OpenHandles))
		}
	}
}

// Snapshot collects the current status.
func (m *Monitor) Snapshot() message.NodeStatus {
	stats := m.reg.Stats()
	status := message.NodeStatus{
		NodeID:        m.nodeID,
		Timestamp:     time.Now().UTC(),
		Publishers:    stats.Publishers,
		Subscribers:   stats.Subscribers,
		OpenHandles:   stats.PublisherHandles + stats.SubscriberHandles,
		UptimeSeconds: time.Since(m.started).Seconds(),
	}
	if m.peers != nil {
		status.Peers = m.peers()
	}

	if mem, err := memory.Get(); err == nil {
		status.MemoryUsed = mem.Used
		status.MemoryTotal = mem.Total
	} else {
		m.logger.ComponentDebug(logging.ComponentNode, "Failed to read memory stats", zap.Error(err))
	}

	if cur, err := cpu.Get(); err == nil {
		if m.prevCPU != nil {
			if pct, ok := cpuUsagePercent(m.prevCPU, cur); ok {
				status.CPUPercent = pct
			}
		}
		m.prevCPU = cur
	} else {
		m.logger.ComponentDebug(logging.ComponentNode, "Failed to read CPU stats", zap.Error(err))
	}
	return status
}

// cpuUsagePercent computes busy time between two samples.
func cpuUsagePercent(before, after *cpu.Stats) (float64, bool) {
	idle := float64(after.Idle - before.Idle)
	total := float64(after.Total - before.Total)
	if total <= 0 {
		return 0, false
	}
	return (1.0 - idle/total) * 100.0, true
}

func (m *Monitor) logPeerStatus(currentPeerCount int) {
	if m.peers == nil {
		return
	}
	if !m.firstCheck && currentPeerCount == m.lastPeerCount {
		return
	}
	switch {
	case currentPeerCount == 0:
		m.logger.ComponentWarn(logging.ComponentNode, "Node has no connected peers",
			zap.String("node_id", m.nodeID))
	case currentPeerCount < m.lastPeerCount:
		m.logger.ComponentInfo(logging.ComponentNode, "Node lost peers",
			zap.Int("current_peers", currentPeerCount),
			zap.Int("previous_peers", m.lastPeerCount))
	case !m.firstCheck:
		m.logger.ComponentDebug(logging.ComponentNode, "Node gained peers",
			zap.Int("current_peers", currentPeerCount),
			zap.Int("previous_peers", m.lastPeerCount))
	}
	m.lastPeerCount = currentPeerCount
	m.firstCheck = false
}
