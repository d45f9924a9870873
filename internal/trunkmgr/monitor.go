package trunkmgr

import (
	"log"
	"time"

	"github.com/mattiIce/PBX-sub007/internal/models"
	"github.com/mattiIce/PBX-sub007/internal/trunk"
)

const (
	// monitorStopTimeout bounds how long StopMonitor waits for the loop to
	// observe the stop signal.
	monitorStopTimeout = 5 * time.Second

	// tickPanicBackoff is the pause after a panic escapes a whole tick.
	tickPanicBackoff = time.Second
)

// StartMonitor launches the background health-monitor goroutine. Starting
// while already running is a no-op, as is starting with monitoring disabled
// in the configuration.
func (m *Manager) StartMonitor() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()

	if !m.cfg.Enabled {
		log.Printf("[MONITOR] Health monitoring disabled by configuration")
		return
	}
	if m.monitorStop != nil {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	m.monitorStop = stop
	m.monitorDone = done

	log.Printf("[MONITOR] Starting health monitor (interval %v, failover %v)",
		m.cfg.PollInterval, m.cfg.FailoverEnabled)
	go m.monitorLoop(stop, done)
}

// StopMonitor signals the monitor goroutine to exit and waits for it with a
// bounded timeout. Stopping an idle manager is a no-op.
func (m *Manager) StopMonitor() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()

	if m.monitorStop == nil {
		return
	}

	close(m.monitorStop)
	select {
	case <-m.monitorDone:
	case <-time.After(monitorStopTimeout):
		log.Printf("[MONITOR] WARNING: monitor did not stop within %v", monitorStopTimeout)
	}
	m.monitorStop = nil
	m.monitorDone = nil
}

// MonitorRunning reports whether the monitor goroutine is active.
func (m *Manager) MonitorRunning() bool {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	return m.monitorStop != nil
}

func (m *Manager) monitorLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			log.Printf("[MONITOR] Health monitor stopped")
			return
		case <-ticker.C:
			m.runHealthChecks()
		}
	}
}

// runHealthChecks performs one monitor tick over every trunk. A failure in
// one trunk's check never aborts the rest of the tick, and nothing escaping
// the tick body may kill the loop.
func (m *Manager) runHealthChecks() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[MONITOR] ERROR: health check tick panicked: %v", r)
			time.Sleep(tickPanicBackoff)
		}
	}()

	for _, t := range m.Trunks() {
		m.checkTrunk(t)
	}
}

func (m *Manager) checkTrunk(t *trunk.Trunk) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[MONITOR] ERROR: health check for trunk %s panicked: %v", t.ID(), r)
		}
	}()

	prev := t.Health()
	current := m.checkFn(t)
	if current == prev {
		return
	}

	log.Printf("[MONITOR] Trunk %s health changed: %s -> %s", t.ID(), prev, current)
	if current == models.HealthDown && m.cfg.FailoverEnabled {
		m.handleTrunkFailure(t)
	}
}
