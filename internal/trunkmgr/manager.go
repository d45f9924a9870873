package trunkmgr

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattiIce/PBX-sub007/internal/db"
	"github.com/mattiIce/PBX-sub007/internal/dialplan"
	"github.com/mattiIce/PBX-sub007/internal/emergency"
	"github.com/mattiIce/PBX-sub007/internal/models"
	"github.com/mattiIce/PBX-sub007/internal/trunk"
)

// Routing failures are ordinary results so the call-handling layer can play
// a busy tone or apply its own fallback.
var (
	ErrNoRoute          = errors.New("no route to destination")
	ErrEmergencyBlocked = errors.New("emergency call blocked outside production")
)

// Manager owns the trunk registry and the ordered outbound rule list, routes
// outbound calls with and without failover, and runs the background health
// monitor.
type Manager struct {
	mu     sync.RWMutex
	trunks map[string]*trunk.Trunk
	rules  []*dialplan.OutboundRule

	guard emergency.Guard
	cfg   models.MonitorConfig

	monitorMu   sync.Mutex
	monitorStop chan struct{}
	monitorDone chan struct{}

	// checkFn runs one trunk's periodic health check; swapped in tests.
	checkFn func(*trunk.Trunk) models.HealthState
}

// NewManager builds an orchestrator. The emergency guard is required: every
// routing entry point consults it before any rule matching.
func NewManager(guard emergency.Guard, cfg models.MonitorConfig) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = models.DefaultMonitorConfig().PollInterval
	}
	return &Manager{
		trunks:  make(map[string]*trunk.Trunk),
		guard:   guard,
		cfg:     cfg,
		checkFn: (*trunk.Trunk).CheckHealth,
	}
}

// AddTrunk creates and registers a trunk entity under its id.
func (m *Manager) AddTrunk(cfg models.TrunkConfig) (*trunk.Trunk, error) {
	if cfg.ID == "" || cfg.Host == "" {
		return nil, fmt.Errorf("trunk id and host are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.trunks[cfg.ID]; exists {
		return nil, fmt.Errorf("trunk %s already exists", cfg.ID)
	}

	t := trunk.New(cfg)
	m.trunks[cfg.ID] = t
	log.Printf("[TRUNKS] Added trunk %s (%s:%d, priority %d, max %d channels)",
		cfg.ID, cfg.Host, cfg.Port, cfg.Priority, cfg.MaxChannels)
	return t, nil
}

// RemoveTrunk unregisters and deletes a trunk. Removing an unknown id is a
// no-op.
func (m *Manager) RemoveTrunk(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.trunks[id]
	if !exists {
		return
	}
	t.Unregister()
	delete(m.trunks, id)
	log.Printf("[TRUNKS] Removed trunk %s", id)
}

// GetTrunk looks up a trunk by id.
func (m *Manager) GetTrunk(id string) (*trunk.Trunk, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.trunks[id]
	return t, exists
}

// Trunks returns the current registry contents in stable (id) order.
func (m *Manager) Trunks() []*trunk.Trunk {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*trunk.Trunk, 0, len(m.trunks))
	for _, t := range m.trunks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AddOutboundRule appends to the ordered rule list. Rules are evaluated in
// insertion order, first match wins; no validation that the target trunk
// exists.
func (m *Manager) AddOutboundRule(r *dialplan.OutboundRule) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = append(m.rules, r)
	log.Printf("[TRUNKS] Added outbound rule %s: /%s/ -> trunk %s (strip %d, prepend %q)",
		r.ID, r.Pattern, r.TrunkID, r.Strip, r.Prepend)
}

// RemoveOutboundRule deletes a rule by id, preserving the order of the rest.
func (m *Manager) RemoveOutboundRule(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.rules {
		if r.ID == ruleID {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return
		}
	}
}

// Rules returns a copy of the ordered rule list.
func (m *Manager) Rules() []*dialplan.OutboundRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*dialplan.OutboundRule, len(m.rules))
	copy(out, m.rules)
	return out
}

// RouteOutbound resolves a dialed number to (trunk, rewritten number)
// without failover: the first matching rule decides, and if its trunk
// cannot take the call the result is no-route.
func (m *Manager) RouteOutbound(number string) (*trunk.Trunk, string, error) {
	if m.guard.Veto(number, "route-outbound") {
		log.Printf("[ROUTE] ERROR: emergency guard vetoed %s", number)
		return nil, "", ErrEmergencyBlocked
	}

	rule, target := m.matchRule(number)
	if rule == nil {
		log.Printf("[ROUTE] WARNING: no outbound rule matches %s", number)
		return nil, "", ErrNoRoute
	}
	if target == nil || !target.CanMakeCall() {
		log.Printf("[ROUTE] WARNING: trunk %s cannot take call to %s", rule.TrunkID, number)
		return nil, "", ErrNoRoute
	}

	return target, rule.Transform(number), nil
}

// RouteOutboundWithFailover resolves a dialed number like RouteOutbound, but
// when the matched trunk exists and cannot take the call it substitutes the
// best alternate trunk. The original rule's number rewrite is applied even
// when an alternate carries the call.
func (m *Manager) RouteOutboundWithFailover(number string) (*trunk.Trunk, string, error) {
	if m.guard.Veto(number, "route-outbound-failover") {
		log.Printf("[ROUTE] ERROR: emergency guard vetoed %s", number)
		return nil, "", ErrEmergencyBlocked
	}

	rule, target := m.matchRule(number)
	if rule == nil {
		log.Printf("[ROUTE] WARNING: no outbound rule matches %s", number)
		return nil, "", ErrNoRoute
	}

	if target != nil && target.CanMakeCall() {
		return target, rule.Transform(number), nil
	}

	if target != nil && m.cfg.FailoverEnabled {
		if alt := m.selectAlternateTrunk(target.ID()); alt != nil {
			log.Printf("[ROUTE] Failing over %s from trunk %s to trunk %s",
				number, target.ID(), alt.ID())
			return alt, rule.Transform(number), nil
		}
	}

	log.Printf("[ROUTE] WARNING: no route for %s (trunk %s unavailable, no alternate)",
		number, rule.TrunkID)
	return nil, "", ErrNoRoute
}

// matchRule scans the rules in insertion order and returns the first match
// plus its target trunk (nil when the referenced trunk does not exist).
func (m *Manager) matchRule(number string) (*dialplan.OutboundRule, *trunk.Trunk) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if r.Matches(number) {
			return r, m.trunks[r.TrunkID]
		}
	}
	return nil, nil
}

// selectAlternateTrunk picks the best failover candidate: registered, health
// HEALTHY or WARNING, not the failed trunk itself, lowest priority number
// first.
func (m *Manager) selectAlternateTrunk(excludeID string) *trunk.Trunk {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*trunk.Trunk
	for id, t := range m.trunks {
		if id == excludeID {
			continue
		}
		if t.Status() != models.RegistrationRegistered {
			continue
		}
		if h := t.Health(); h != models.HealthHealthy && h != models.HealthWarning {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority() != candidates[j].Priority() {
			return candidates[i].Priority() < candidates[j].Priority()
		}
		return candidates[i].ID() < candidates[j].ID()
	})
	return candidates[0]
}

// MakeOutboundCall routes the number (no failover on this path) and
// allocates a channel on the selected trunk. Success requires both a route
// and a free channel; a lost allocation race reports as no-route.
func (m *Manager) MakeOutboundCall(fromExtension, number string) (*trunk.Trunk, string, error) {
	if m.guard.Veto(number, "extension "+fromExtension) {
		log.Printf("[CALL] ERROR: emergency guard vetoed %s from extension %s", number, fromExtension)
		return nil, "", ErrEmergencyBlocked
	}

	t, dial, err := m.RouteOutbound(number)
	if err != nil {
		return nil, "", err
	}

	if !t.AllocateChannel() {
		log.Printf("[CALL] WARNING: trunk %s lost capacity before allocation for %s", t.ID(), number)
		return nil, "", ErrNoRoute
	}

	log.Printf("[CALL] Extension %s -> %s via trunk %s (dialing %s)", fromExtension, number, t.ID(), dial)
	return t, dial, nil
}

// RecordCallResult records a completed call against a trunk, releases its
// channel and persists the updated counters. Called by the AGI/AMI
// front-ends when a call ends.
func (m *Manager) RecordCallResult(trunkID string, success bool, setupTime time.Duration, reason string) {
	t, exists := m.GetTrunk(trunkID)
	if !exists {
		log.Printf("[CALL] WARNING: call result for unknown trunk %s", trunkID)
		return
	}

	if success {
		t.RecordSuccessfulCall(setupTime)
	} else {
		t.RecordFailedCall(reason)
	}
	t.ReleaseChannel()

	go db.UpsertTrunkStats(t.Metrics())
}

// handleTrunkFailure is invoked by the monitor when a trunk's health
// transitions to DOWN. It records failover bookkeeping and the intended
// reroute; the rule table itself is left untouched and auto-recovery is a
// configuration flag only.
func (m *Manager) handleTrunkFailure(t *trunk.Trunk) {
	t.RecordFailover()

	var affected []string
	for _, r := range m.Rules() {
		if r.TrunkID == t.ID() {
			affected = append(affected, r.ID)
		}
	}

	ev := models.FailoverEvent{
		ID:            uuid.NewString(),
		TrunkID:       t.ID(),
		AffectedRules: affected,
		CreatedAt:     time.Now(),
	}

	if alt := m.selectAlternateTrunk(t.ID()); alt != nil {
		ev.AlternateTrunkID = alt.ID()
		log.Printf("[FAILOVER] Trunk %s is DOWN; %d rules will fail over to trunk %s at request time",
			t.ID(), len(affected), alt.ID())
	} else {
		log.Printf("[FAILOVER] Trunk %s is DOWN and no alternate trunk is available (%d rules affected)",
			t.ID(), len(affected))
	}

	go db.InsertFailoverEvent(ev)
}

// FleetHealth aggregates health across every trunk in the registry.
func (m *Manager) FleetHealth() models.FleetHealthSummary {
	trunks := m.Trunks()

	summary := models.FleetHealthSummary{
		TotalTrunks: len(trunks),
		HealthCounts: map[models.HealthState]int{
			models.HealthHealthy:  0,
			models.HealthWarning:  0,
			models.HealthCritical: 0,
			models.HealthDown:     0,
		},
	}

	for _, t := range trunks {
		metrics := t.Metrics()
		summary.HealthCounts[metrics.Health]++
		summary.TotalCalls += metrics.TotalCalls
		summary.SuccessfulCalls += metrics.SuccessfulCalls
		summary.FailedCalls += metrics.FailedCalls
		summary.Trunks = append(summary.Trunks, models.TrunkHealthDetail{
			ID:          t.ID(),
			Name:        t.Name(),
			Status:      metrics.Status,
			Health:      metrics.Health,
			SuccessRate: metrics.SuccessRate,
			Metrics:     metrics,
		})
	}

	if summary.TotalCalls > 0 {
		summary.OverallSuccessRate = float64(summary.SuccessfulCalls) / float64(summary.TotalCalls)
	}
	return summary
}
