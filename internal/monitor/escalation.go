// Package monitor runs the periodic escalation sweep.
package monitor

import (
	"context"
	"time"

	"github.com/akshaya12406-byte/expensemanagement/internal/logger"
	"github.com/akshaya12406-byte/expensemanagement/internal/service"
)

// EscalationMonitor invokes the engine's escalation sweep on a fixed
// interval, independent of user actions.
type EscalationMonitor struct {
	engine   *service.ApprovalEngine
	interval time.Duration
	log      *logger.Logger
}

// New creates a monitor.
func New(engine *service.ApprovalEngine, interval time.Duration, log *logger.Logger) *EscalationMonitor {
	return &EscalationMonitor{engine: engine, interval: interval, log: log}
}

// Run sweeps until ctx is cancelled. Sweep failures are logged and the next
// tick proceeds; decisions landing concurrently simply win their steps.
func (m *EscalationMonitor) Run(ctx context.Context) {
	m.log.Info().Dur("interval", m.interval).Msg("Escalation monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Escalation monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *EscalationMonitor) sweep(ctx context.Context) {
	n, err := m.engine.SweepEscalations(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Escalation sweep failed")
		return
	}
	if n > 0 {
		m.log.Info().Int("escalated", n).Msg("Escalation sweep completed")
	}
}
