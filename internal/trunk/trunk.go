package trunk

import (
	"sync"
	"time"

	"github.com/mattiIce/PBX-sub007/internal/models"
)

const (
	// MaxConsecutiveFailures is the hard failure threshold. Hitting it forces
	// the trunk to FAILED/DOWN regardless of the overall success rate.
	MaxConsecutiveFailures = 5

	// setupTimeHistorySize bounds the recent setup-time window.
	setupTimeHistorySize = 100

	// staleSuccessAge is how long a trunk may go without a successful call
	// before the periodic health check degrades it to CRITICAL.
	staleSuccessAge = time.Hour
)

// Trunk is a single upstream carrier connection. All mutable state is
// guarded by the trunk's own mutex so that call-handling goroutines and the
// health monitor can touch it concurrently.
type Trunk struct {
	cfg models.TrunkConfig

	// now stamps timestamps and drives the staleness check; swapped in tests.
	now func() time.Time

	mu                   sync.Mutex
	status               models.RegistrationState
	health               models.HealthState
	channelsAvailable    int
	channelsInUse        int
	totalCalls           int64
	successfulCalls      int64
	failedCalls          int64
	consecutiveFailures  int
	registrationFailures int
	lastSuccessfulCall   time.Time
	lastFailedCall       time.Time
	lastFailureReason    string
	lastHealthCheck      time.Time
	lastRegistration     time.Time
	setupTimes           []time.Duration
	avgSetupTime         time.Duration
	failoverCount        int64
	lastFailoverTime     time.Time
}

// New creates a trunk in the UNREGISTERED/DOWN state with its full channel
// capacity available.
func New(cfg models.TrunkConfig) *Trunk {
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = []string{"ulaw", "alaw"}
	}
	return &Trunk{
		cfg:               cfg,
		now:               time.Now,
		status:            models.RegistrationUnregistered,
		health:            models.HealthDown,
		channelsAvailable: cfg.MaxChannels,
		setupTimes:        make([]time.Duration, 0, setupTimeHistorySize),
	}
}

func (t *Trunk) ID() string                 { return t.cfg.ID }
func (t *Trunk) Name() string               { return t.cfg.Name }
func (t *Trunk) Host() string               { return t.cfg.Host }
func (t *Trunk) Port() int                  { return t.cfg.Port }
func (t *Trunk) Priority() int              { return t.cfg.Priority }
func (t *Trunk) Config() models.TrunkConfig { return t.cfg }

// Register marks the trunk as registered with the carrier. Real SIP
// registration signaling lives outside this core, so there is no failure
// path here.
func (t *Trunk) Register() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = models.RegistrationRegistered
	t.health = models.HealthHealthy
	t.registrationFailures = 0
	t.consecutiveFailures = 0
	t.lastRegistration = t.now()
}

// Unregister drops the registration. Counters are left untouched.
func (t *Trunk) Unregister() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = models.RegistrationUnregistered
	t.health = models.HealthDown
}

// Disable takes the trunk out of service administratively. Only Enable
// brings it back.
func (t *Trunk) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = models.RegistrationDisabled
	t.health = models.HealthDown
}

// Enable returns a disabled trunk to UNREGISTERED so it can register again.
func (t *Trunk) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == models.RegistrationDisabled {
		t.status = models.RegistrationUnregistered
	}
}

// CanMakeCall is the single admission gate used by every routing path:
// registered, health at least WARNING, and a free channel.
func (t *Trunk) CanMakeCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canMakeCallLocked()
}

func (t *Trunk) canMakeCallLocked() bool {
	if t.status != models.RegistrationRegistered {
		return false
	}
	if t.health != models.HealthHealthy && t.health != models.HealthWarning {
		return false
	}
	return t.channelsInUse < t.channelsAvailable
}

// AllocateChannel reserves one call slot. The admission check and the
// increment happen under one lock so concurrent callers cannot oversubscribe
// the trunk.
func (t *Trunk) AllocateChannel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.canMakeCallLocked() {
		return false
	}
	t.channelsInUse++
	t.totalCalls++
	return true
}

// ReleaseChannel frees one call slot, never going below zero.
func (t *Trunk) ReleaseChannel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.channelsInUse > 0 {
		t.channelsInUse--
	}
}

// RecordSuccessfulCall records a completed call. A positive setupTime is
// added to the bounded recent-setup-time window (oldest entry evicted at
// capacity) and the running average recomputed.
func (t *Trunk) RecordSuccessfulCall(setupTime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.successfulCalls++
	t.lastSuccessfulCall = t.now()
	t.consecutiveFailures = 0

	if setupTime > 0 {
		if len(t.setupTimes) >= setupTimeHistorySize {
			t.setupTimes = t.setupTimes[1:]
		}
		t.setupTimes = append(t.setupTimes, setupTime)

		var total time.Duration
		for _, d := range t.setupTimes {
			total += d
		}
		t.avgSetupTime = total / time.Duration(len(t.setupTimes))
	}

	t.recomputeHealthLocked()
}

// RecordFailedCall records a failed call attempt. Crossing the consecutive
// failure threshold forces FAILED/DOWN independently of the success-rate
// bands.
func (t *Trunk) RecordFailedCall(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failedCalls++
	t.lastFailedCall = t.now()
	t.lastFailureReason = reason
	t.consecutiveFailures++

	t.recomputeHealthLocked()

	if t.consecutiveFailures >= MaxConsecutiveFailures {
		t.status = models.RegistrationFailed
		t.health = models.HealthDown
	}
}

// recomputeHealthLocked applies the success-rate bands. Below the minimum
// sample size the current health is kept.
func (t *Trunk) recomputeHealthLocked() {
	if t.totalCalls < models.MinCallsForHealth {
		return
	}
	rate := float64(t.successfulCalls) / float64(t.totalCalls)
	t.health = models.HealthForSuccessRate(rate)
}

// CheckHealth is the periodic probe run by the monitor loop. Failure-count
// degradation applies first; the stale-success check can then raise the
// severity to CRITICAL but never weakens an already DOWN result.
func (t *Trunk) CheckHealth() models.HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastHealthCheck = t.now()

	if t.status != models.RegistrationRegistered {
		t.health = models.HealthDown
		return t.health
	}

	switch {
	case t.consecutiveFailures >= MaxConsecutiveFailures:
		t.health = models.HealthDown
	case t.consecutiveFailures >= 3:
		t.health = models.HealthCritical
	case t.consecutiveFailures >= 1:
		t.health = models.HealthWarning
	}

	if t.health != models.HealthDown &&
		!t.lastSuccessfulCall.IsZero() &&
		t.now().Sub(t.lastSuccessfulCall) > staleSuccessAge {
		t.health = models.HealthCritical
	}

	return t.health
}

// RecordFailover stamps the failover bookkeeping fields. Called by the
// orchestrator's failure handler, not by the trunk itself.
func (t *Trunk) RecordFailover() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failoverCount++
	t.lastFailoverTime = t.now()
}

// Status returns the current registration state.
func (t *Trunk) Status() models.RegistrationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Health returns the current health band.
func (t *Trunk) Health() models.HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// ChannelsInUse returns the number of active call slots.
func (t *Trunk) ChannelsInUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channelsInUse
}

// SuccessRate returns successful/total, or 0 before any call.
func (t *Trunk) SuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successRateLocked()
}

func (t *Trunk) successRateLocked() float64 {
	if t.totalCalls == 0 {
		return 0
	}
	return float64(t.successfulCalls) / float64(t.totalCalls)
}

// Metrics returns a point-in-time copy of the health counters.
func (t *Trunk) Metrics() models.HealthMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	return models.HealthMetrics{
		TrunkID:              t.cfg.ID,
		Status:               t.status,
		Health:               t.health,
		SuccessRate:          t.successRateLocked(),
		TotalCalls:           t.totalCalls,
		SuccessfulCalls:      t.successfulCalls,
		FailedCalls:          t.failedCalls,
		ConsecutiveFailures:  t.consecutiveFailures,
		RegistrationFailures: t.registrationFailures,
		ChannelsInUse:        t.channelsInUse,
		ChannelsAvailable:    t.channelsAvailable,
		AverageSetupTime:     t.avgSetupTime,
		LastSuccessfulCall:   t.lastSuccessfulCall,
		LastFailedCall:       t.lastFailedCall,
		LastHealthCheck:      t.lastHealthCheck,
		FailoverCount:        t.failoverCount,
		LastFailoverTime:     t.lastFailoverTime,
	}
}

// Snapshot returns the full external serialization of the trunk.
func (t *Trunk) Snapshot() models.TrunkSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	codecs := make([]string, len(t.cfg.Codecs))
	copy(codecs, t.cfg.Codecs)

	return models.TrunkSnapshot{
		ID:                t.cfg.ID,
		Name:              t.cfg.Name,
		Host:              t.cfg.Host,
		Port:              t.cfg.Port,
		Codecs:            codecs,
		MaxChannels:       t.cfg.MaxChannels,
		ChannelsAvailable: t.channelsAvailable,
		ChannelsInUse:     t.channelsInUse,
		Priority:          t.cfg.Priority,
		Status:            t.status,
		Health:            t.health,
		SuccessRate:       t.successRateLocked(),
		TotalCalls:        t.totalCalls,
		SuccessfulCalls:   t.successfulCalls,
		FailedCalls:       t.failedCalls,
	}
}
