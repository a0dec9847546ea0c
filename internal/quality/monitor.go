package quality

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/identity"
)

const DefaultInterval = 5 * time.Second

// SampleFunc returns the current sample of every open connection.
type SampleFunc func() map[identity.Participant]Sample

// Monitor samples connections periodically and keeps the latest report per
// participant. Participants that disappear from a sample are forgotten.
type Monitor struct {
	sample   SampleFunc
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	last    map[identity.Participant]Sample
	reports map[identity.Participant]Report
}

func NewMonitor(sample SampleFunc, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Monitor{
		sample:   sample,
		interval: interval,
		logger:   logger.Named("quality"),
		last:     make(map[identity.Participant]Sample),
		reports:  make(map[identity.Participant]Report),
	}
}

// Tick takes one sample and updates the reports.
func (m *Monitor) Tick() {
	samples := m.sample()

	m.mu.Lock()
	defer m.mu.Unlock()
	for p, cur := range samples {
		var prev *Sample
		if s, ok := m.last[p]; ok {
			prev = &s
		}
		r := Compare(prev, cur)
		if old, ok := m.reports[p]; ok && old.Grade != GradePoor && r.Grade == GradePoor {
			m.logger.Warn("Connection quality degraded",
				zap.String("remote", p.String()),
				zap.Float64("loss", r.LossRate),
				zap.Duration("rtt", r.RTT))
		}
		m.last[p] = cur
		m.reports[p] = r
	}
	for p := range m.last {
		if _, ok := samples[p]; !ok {
			delete(m.last, p)
			delete(m.reports, p)
		}
	}
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Reports returns a copy of the latest report per participant.
func (m *Monitor) Reports() map[identity.Participant]Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[identity.Participant]Report, len(m.reports))
	for p, r := range m.reports {
		out[p] = r
	}
	return out
}
