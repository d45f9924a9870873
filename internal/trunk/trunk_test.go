package trunk

import (
	"sync"
	"testing"
	"time"

	"github.com/mattiIce/PBX-sub007/internal/models"
)

func newTestTrunk(maxChannels int) *Trunk {
	return New(models.TrunkConfig{
		ID:          "t1",
		Name:        "Test Trunk",
		Host:        "sip.example.com",
		MaxChannels: maxChannels,
		Priority:    1,
	})
}

// completeCall runs one full call lifecycle against the trunk.
func completeCall(t *testing.T, tr *Trunk, success bool) {
	t.Helper()
	if !tr.AllocateChannel() {
		t.Fatal("AllocateChannel failed unexpectedly")
	}
	if success {
		tr.RecordSuccessfulCall(100 * time.Millisecond)
	} else {
		tr.RecordFailedCall("NO_ANSWER")
	}
	tr.ReleaseChannel()
}

func TestNewDefaults(t *testing.T) {
	tr := New(models.TrunkConfig{ID: "t1", Host: "sip.example.com", MaxChannels: 10})

	if tr.Port() != 5060 {
		t.Errorf("default port = %d, want 5060", tr.Port())
	}
	if tr.Status() != models.RegistrationUnregistered {
		t.Errorf("initial status = %s, want UNREGISTERED", tr.Status())
	}
	if tr.Health() != models.HealthDown {
		t.Errorf("initial health = %s, want DOWN", tr.Health())
	}
	if got := tr.Config().Codecs; len(got) != 2 || got[0] != "ulaw" || got[1] != "alaw" {
		t.Errorf("default codecs = %v, want [ulaw alaw]", got)
	}
}

func TestRegisterUnregister(t *testing.T) {
	tr := newTestTrunk(10)

	tr.Register()
	if tr.Status() != models.RegistrationRegistered {
		t.Errorf("status after Register = %s", tr.Status())
	}
	if tr.Health() != models.HealthHealthy {
		t.Errorf("health after Register = %s", tr.Health())
	}

	tr.Unregister()
	if tr.Status() != models.RegistrationUnregistered {
		t.Errorf("status after Unregister = %s", tr.Status())
	}
	if tr.Health() != models.HealthDown {
		t.Errorf("health after Unregister = %s", tr.Health())
	}
}

func TestDisableEnable(t *testing.T) {
	tr := newTestTrunk(10)
	tr.Register()

	tr.Disable()
	if tr.Status() != models.RegistrationDisabled {
		t.Errorf("status after Disable = %s", tr.Status())
	}
	if tr.CanMakeCall() {
		t.Error("disabled trunk must not take calls")
	}

	tr.Enable()
	if tr.Status() != models.RegistrationUnregistered {
		t.Errorf("status after Enable = %s, want UNREGISTERED", tr.Status())
	}

	// Enable on a non-disabled trunk is a no-op.
	tr.Register()
	tr.Enable()
	if tr.Status() != models.RegistrationRegistered {
		t.Errorf("Enable changed a registered trunk to %s", tr.Status())
	}
}

func TestCanMakeCall(t *testing.T) {
	tr := newTestTrunk(1)

	if tr.CanMakeCall() {
		t.Error("unregistered trunk must not take calls")
	}

	tr.Register()
	if !tr.CanMakeCall() {
		t.Error("registered healthy trunk with free channels should take calls")
	}

	if !tr.AllocateChannel() {
		t.Fatal("AllocateChannel failed")
	}
	if tr.CanMakeCall() {
		t.Error("trunk at channel capacity must not take calls")
	}
}

func TestChannelCapacity(t *testing.T) {
	tr := newTestTrunk(3)
	tr.Register()

	for i := 0; i < 3; i++ {
		if !tr.AllocateChannel() {
			t.Fatalf("allocation %d failed", i+1)
		}
	}
	if tr.AllocateChannel() {
		t.Error("allocation past capacity should fail")
	}
	if tr.ChannelsInUse() != 3 {
		t.Errorf("ChannelsInUse = %d, want 3", tr.ChannelsInUse())
	}

	tr.ReleaseChannel()
	if tr.ChannelsInUse() != 2 {
		t.Errorf("ChannelsInUse after release = %d, want 2", tr.ChannelsInUse())
	}
	if !tr.AllocateChannel() {
		t.Error("allocation after release should succeed")
	}
}

func TestReleaseChannelFloor(t *testing.T) {
	tr := newTestTrunk(5)
	tr.Register()

	tr.ReleaseChannel()
	tr.ReleaseChannel()
	if got := tr.ChannelsInUse(); got != 0 {
		t.Errorf("ChannelsInUse = %d, want 0 after spurious releases", got)
	}
}

func TestConcurrentAllocationNeverOversubscribes(t *testing.T) {
	const capacity = 10
	tr := newTestTrunk(capacity)
	tr.Register()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allocated := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.AllocateChannel() {
				mu.Lock()
				allocated++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allocated != capacity {
		t.Errorf("allocated %d channels, want exactly %d", allocated, capacity)
	}
	if tr.ChannelsInUse() != capacity {
		t.Errorf("ChannelsInUse = %d, want %d", tr.ChannelsInUse(), capacity)
	}
}

func TestConsecutiveFailuresForceFailed(t *testing.T) {
	tr := newTestTrunk(10)
	tr.Register()

	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		completeCall(t, tr, false)
	}
	if tr.Status() != models.RegistrationRegistered {
		t.Fatalf("status flipped early at %d failures", MaxConsecutiveFailures-1)
	}

	completeCall(t, tr, false)
	if tr.Status() != models.RegistrationFailed {
		t.Errorf("status = %s, want FAILED after %d consecutive failures", tr.Status(), MaxConsecutiveFailures)
	}
	if tr.Health() != models.HealthDown {
		t.Errorf("health = %s, want DOWN", tr.Health())
	}
	if tr.CanMakeCall() {
		t.Error("failed trunk must not take calls")
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	tr := newTestTrunk(10)
	tr.Register()

	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		completeCall(t, tr, false)
	}
	completeCall(t, tr, true)
	completeCall(t, tr, false)

	if tr.Status() != models.RegistrationRegistered {
		t.Errorf("status = %s; a success in between should have reset the failure streak", tr.Status())
	}
}

func TestHealthBandsRequireMinimumSample(t *testing.T) {
	tr := newTestTrunk(20)
	tr.Register()

	// 9 alternating calls: rate 0.56 would band as CRITICAL, but the sample
	// is below the minimum so the band machinery must not engage.
	for i := 0; i < 9; i++ {
		completeCall(t, tr, i%2 == 0)
	}

	if m := tr.Metrics(); m.TotalCalls >= models.MinCallsForHealth {
		t.Fatalf("test drove %d calls, expected fewer than %d", m.TotalCalls, models.MinCallsForHealth)
	}
	if tr.Health() != models.HealthHealthy {
		t.Errorf("health = %s before minimum sample, want HEALTHY", tr.Health())
	}
}

func TestHealthBands(t *testing.T) {
	tests := []struct {
		name string
		// call outcomes in order; true = success
		calls []bool
		want  models.HealthState
	}{
		{
			name:  "all success stays healthy",
			calls: []bool{true, true, true, true, true, true, true, true, true, true},
			want:  models.HealthHealthy,
		},
		{
			name:  "rate 0.90 is warning",
			calls: []bool{false, true, true, true, true, true, true, true, true, true},
			want:  models.HealthWarning,
		},
		{
			name:  "rate 0.60 is critical",
			calls: []bool{false, true, false, true, false, true, false, true, true, true},
			want:  models.HealthCritical,
		},
		{
			name:  "rate 0.40 is down",
			calls: []bool{false, true, false, true, false, true, false, false, true, false},
			want:  models.HealthDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTrunk(20)
			tr.Register()
			for _, ok := range tt.calls {
				completeCall(t, tr, ok)
			}
			if got := tr.Health(); got != tt.want {
				t.Errorf("health = %s, want %s (rate %.2f)", got, tt.want, tr.SuccessRate())
			}
		})
	}
}

func TestHealthBandOrderIndependence(t *testing.T) {
	// Same multiset of outcomes in two orders ends at the same band.
	a := newTestTrunk(20)
	a.Register()
	b := newTestTrunk(20)
	b.Register()

	outcomes := []bool{false, true, true, true, true, true, true, true, true, true}
	for _, ok := range outcomes {
		completeCall(t, a, ok)
	}
	for i := len(outcomes) - 1; i >= 0; i-- {
		completeCall(t, b, outcomes[i])
	}

	if a.Health() != b.Health() {
		t.Errorf("order changed the band: %s vs %s", a.Health(), b.Health())
	}
}

func TestAverageSetupTime(t *testing.T) {
	tr := newTestTrunk(10)
	tr.Register()

	durations := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}
	for _, d := range durations {
		if !tr.AllocateChannel() {
			t.Fatal("AllocateChannel failed")
		}
		tr.RecordSuccessfulCall(d)
		tr.ReleaseChannel()
	}

	if got := tr.Metrics().AverageSetupTime; got != 200*time.Millisecond {
		t.Errorf("AverageSetupTime = %v, want 200ms", got)
	}

	// Zero setup times are not added to the window.
	if !tr.AllocateChannel() {
		t.Fatal("AllocateChannel failed")
	}
	tr.RecordSuccessfulCall(0)
	tr.ReleaseChannel()
	if got := tr.Metrics().AverageSetupTime; got != 200*time.Millisecond {
		t.Errorf("AverageSetupTime after zero sample = %v, want 200ms", got)
	}
}

func TestSetupTimeWindowEviction(t *testing.T) {
	tr := newTestTrunk(200)
	tr.Register()

	// Fill the window with 1ms samples, then push it full of 3ms samples;
	// once the old samples are evicted the average settles at 3ms.
	for i := 0; i < setupTimeHistorySize; i++ {
		tr.RecordSuccessfulCall(1 * time.Millisecond)
	}
	for i := 0; i < setupTimeHistorySize; i++ {
		tr.RecordSuccessfulCall(3 * time.Millisecond)
	}

	if got := tr.Metrics().AverageSetupTime; got != 3*time.Millisecond {
		t.Errorf("AverageSetupTime = %v, want 3ms after full eviction", got)
	}
}

func TestCheckHealthUnregistered(t *testing.T) {
	tr := newTestTrunk(10)
	if got := tr.CheckHealth(); got != models.HealthDown {
		t.Errorf("CheckHealth on unregistered trunk = %s, want DOWN", got)
	}

	tr.Register()
	tr.Disable()
	if got := tr.CheckHealth(); got != models.HealthDown {
		t.Errorf("CheckHealth on disabled trunk = %s, want DOWN", got)
	}
}

func TestCheckHealthFailureLadder(t *testing.T) {
	tests := []struct {
		failures int
		want     models.HealthState
	}{
		{0, models.HealthHealthy},
		{1, models.HealthWarning},
		{2, models.HealthWarning},
		{3, models.HealthCritical},
		{4, models.HealthCritical},
	}

	for _, tt := range tests {
		tr := newTestTrunk(10)
		tr.Register()
		for i := 0; i < tt.failures; i++ {
			tr.RecordFailedCall("NO_ANSWER")
		}
		if got := tr.CheckHealth(); got != tt.want {
			t.Errorf("CheckHealth with %d consecutive failures = %s, want %s",
				tt.failures, got, tt.want)
		}
	}
}

func TestCheckHealthStaleSuccessForcesCritical(t *testing.T) {
	tr := newTestTrunk(10)
	tr.Register()
	tr.RecordSuccessfulCall(100 * time.Millisecond)

	if got := tr.CheckHealth(); got != models.HealthHealthy {
		t.Fatalf("CheckHealth = %s right after a success, want HEALTHY", got)
	}

	// Advance the clock past the staleness threshold.
	tr.now = func() time.Time { return time.Now().Add(staleSuccessAge + time.Minute) }

	if got := tr.CheckHealth(); got != models.HealthCritical {
		t.Errorf("CheckHealth = %s with a stale last success, want CRITICAL", got)
	}
}

func TestCheckHealthStalenessNeverWeakensDown(t *testing.T) {
	tr := newTestTrunk(10)
	tr.Register()
	tr.RecordSuccessfulCall(100 * time.Millisecond)

	// Drive the failure ladder to its DOWN rung while the last success goes
	// stale; the staleness escalation must not pull the result back up.
	tr.mu.Lock()
	tr.consecutiveFailures = MaxConsecutiveFailures
	tr.mu.Unlock()
	tr.now = func() time.Time { return time.Now().Add(staleSuccessAge + time.Minute) }

	if got := tr.CheckHealth(); got != models.HealthDown {
		t.Errorf("CheckHealth = %s, want DOWN to win over stale-success CRITICAL", got)
	}
}

func TestCheckHealthNoStalenessWithoutAnySuccess(t *testing.T) {
	tr := newTestTrunk(10)
	tr.Register()

	// A trunk that has never carried a successful call is not stale.
	if got := tr.CheckHealth(); got != models.HealthHealthy {
		t.Errorf("CheckHealth = %s, want HEALTHY for a fresh registered trunk", got)
	}
}

func TestSuccessRateZeroBeforeAnyCall(t *testing.T) {
	tr := newTestTrunk(10)
	if got := tr.SuccessRate(); got != 0 {
		t.Errorf("SuccessRate = %f, want 0 before any call", got)
	}
}

func TestRecordFailover(t *testing.T) {
	tr := newTestTrunk(10)

	tr.RecordFailover()
	tr.RecordFailover()

	m := tr.Metrics()
	if m.FailoverCount != 2 {
		t.Errorf("FailoverCount = %d, want 2", m.FailoverCount)
	}
	if m.LastFailoverTime.IsZero() {
		t.Error("LastFailoverTime not stamped")
	}
}

func TestSnapshot(t *testing.T) {
	tr := newTestTrunk(10)
	tr.Register()
	completeCall(t, tr, true)

	snap := tr.Snapshot()
	if snap.ID != "t1" || snap.Host != "sip.example.com" {
		t.Errorf("snapshot identity wrong: %+v", snap)
	}
	if snap.TotalCalls != 1 || snap.SuccessfulCalls != 1 {
		t.Errorf("snapshot counters wrong: total %d, success %d", snap.TotalCalls, snap.SuccessfulCalls)
	}
	if snap.Status != models.RegistrationRegistered || snap.Health != models.HealthHealthy {
		t.Errorf("snapshot state wrong: %s/%s", snap.Status, snap.Health)
	}
}
