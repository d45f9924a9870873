package ami

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/mattiIce/PBX-sub007/internal/models"
	"github.com/mattiIce/PBX-sub007/internal/trunkmgr"
)

type allowAllGuard struct{}

func (allowAllGuard) Veto(number, callContext string) bool { return false }

func newTestRegistry(t *testing.T) *trunkmgr.Manager {
	t.Helper()
	cfg := models.DefaultMonitorConfig()
	cfg.Enabled = false
	registry := trunkmgr.NewManager(allowAllGuard{}, cfg)
	if _, err := registry.AddTrunk(models.TrunkConfig{
		ID:          "carrier1",
		Host:        "sip.example.com",
		MaxChannels: 2,
	}); err != nil {
		t.Fatalf("AddTrunk: %v", err)
	}
	return registry
}

// drainEvents feeds the given events through the watcher and waits for it to
// finish.
func drainEvents(registry *trunkmgr.Manager, events ...Event) {
	m := NewManager("localhost", 5038, "admin", "admin")
	done := make(chan struct{})
	go func() {
		WatchTrunkEvents(m, registry)
		close(done)
	}()
	for _, ev := range events {
		m.eventCh <- ev
	}
	close(m.eventCh)
	<-done
}

func TestRegistryEventUpdatesTrunkState(t *testing.T) {
	registry := newTestRegistry(t)
	tr, _ := registry.GetTrunk("carrier1")

	drainEvents(registry, Event{"Event": "Registry", "Domain": "trunk-carrier1", "Status": "Registered"})
	if tr.Status() != models.RegistrationRegistered {
		t.Errorf("status = %s, want REGISTERED", tr.Status())
	}

	drainEvents(registry, Event{"Event": "Registry", "Domain": "trunk-carrier1", "Status": "Rejected"})
	if tr.Status() != models.RegistrationUnregistered {
		t.Errorf("status = %s, want UNREGISTERED after rejection", tr.Status())
	}
}

func TestPeerStatusEventUpdatesTrunkState(t *testing.T) {
	registry := newTestRegistry(t)
	tr, _ := registry.GetTrunk("carrier1")

	drainEvents(registry, Event{"Event": "PeerStatus", "Peer": "PJSIP/trunk-carrier1", "PeerStatus": "Reachable"})
	if tr.Status() != models.RegistrationRegistered {
		t.Errorf("status = %s, want REGISTERED", tr.Status())
	}

	drainEvents(registry, Event{"Event": "PeerStatus", "Peer": "PJSIP/trunk-carrier1", "PeerStatus": "Unreachable"})
	if tr.Status() != models.RegistrationUnregistered {
		t.Errorf("status = %s, want UNREGISTERED", tr.Status())
	}
}

func TestHangupEventDoesNotTouchCallAccounting(t *testing.T) {
	registry := newTestRegistry(t)
	tr, _ := registry.GetTrunk("carrier1")
	tr.Register()

	// Two live calls; one of them ends and its Hangup event arrives on the
	// management feed. Accounting belongs to the call-handling front-end, so
	// the event must leave both the channel count and the counters alone.
	if !tr.AllocateChannel() || !tr.AllocateChannel() {
		t.Fatal("AllocateChannel failed")
	}

	drainEvents(registry,
		Event{"Event": "Hangup", "Channel": "PJSIP/trunk-carrier1-00000001", "Cause": "16", "Cause-txt": "Normal Clearing"})

	if got := tr.ChannelsInUse(); got != 2 {
		t.Errorf("ChannelsInUse = %d, want 2: the event feed must not release channels", got)
	}
	m := tr.Metrics()
	if m.SuccessfulCalls != 0 || m.FailedCalls != 0 {
		t.Errorf("counters moved: %d successful, %d failed, want 0/0", m.SuccessfulCalls, m.FailedCalls)
	}
}

func TestUnknownTrunkEventsIgnored(t *testing.T) {
	registry := newTestRegistry(t)
	drainEvents(registry,
		Event{"Event": "Registry", "Domain": "trunk-ghost", "Status": "Registered"},
		Event{"Event": "PeerStatus", "Peer": "PJSIP/other-endpoint", "PeerStatus": "Reachable"})
	// Nothing to assert beyond not panicking; the registry has no such trunks.
}

func TestEventReaderExitsAndClosesChannelOnDisconnect(t *testing.T) {
	m := NewManager("localhost", 5038, "admin", "admin")
	m.reader = bufio.NewReader(strings.NewReader(
		"Event: Registry\r\nStatus: Registered\r\n\r\n"))

	go m.eventReader()

	select {
	case ev := <-m.Events():
		if ev["Event"] != "Registry" {
			t.Errorf("event = %v, want the Registry event", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	// The stream is exhausted; the reader must close the channel instead of
	// spinning on the dead connection.
	select {
	case _, open := <-m.Events():
		if open {
			t.Error("unexpected extra event after disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("event channel not closed after disconnect")
	}
}

func TestTrunkIDFromChannel(t *testing.T) {
	tests := []struct {
		channel string
		want    string
	}{
		{"PJSIP/trunk-carrier1-00000001", "carrier1"},
		{"PJSIP/trunk-carrier1", "carrier1"},
		{"PJSIP/trunk-my-carrier-0000000a", "my-carrier"},
		{"PJSIP/trunk-my-carrier", "my-carrier"},
		{"trunk-carrier1", "carrier1"},
		{"PJSIP/1001-00000002", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := trunkIDFromChannel(tt.channel); got != tt.want {
			t.Errorf("trunkIDFromChannel(%q) = %q, want %q", tt.channel, got, tt.want)
		}
	}
}
