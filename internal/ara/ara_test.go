package ara

import (
	"fmt"
	"strings"
	"testing"
)

func TestOutboundExtensionsUseConfiguredAGIPort(t *testing.T) {
	for _, port := range []int{8002, 14000} {
		want := fmt.Sprintf("agi://localhost:%d/routeOutbound", port)
		found := false
		for _, ext := range outboundExtensions(port) {
			if ext.app == "AGI" {
				if ext.appdata != want {
					t.Errorf("AGI target = %q, want %q", ext.appdata, want)
				}
				found = true
			}
		}
		if !found {
			t.Fatal("outbound dialplan has no AGI step")
		}

		for _, ext := range hangupExtensions(port) {
			if ext.app == "AGI" && !strings.Contains(ext.appdata, fmt.Sprintf(":%d/", port)) {
				t.Errorf("hangup AGI target = %q, want port %d", ext.appdata, port)
			}
		}
	}
}

func TestOutboundExtensionsDialViaTrunkEndpoint(t *testing.T) {
	// The Dial step must target the trunk-<id> endpoint naming the event
	// feed parses back out of channel names.
	for _, ext := range outboundExtensions(8002) {
		if ext.app == "Dial" {
			if !strings.Contains(ext.appdata, "@trunk-${TRUNK_ID}") {
				t.Errorf("Dial target = %q, want the trunk-<id> endpoint convention", ext.appdata)
			}
			return
		}
	}
	t.Fatal("outbound dialplan has no Dial step")
}

func TestNilDatabaseIsNoOp(t *testing.T) {
	m := &Manager{db: nil}

	if err := m.CreateARATablesIfNotExist(); err != nil {
		t.Errorf("CreateARATablesIfNotExist: %v", err)
	}
	if err := m.CreateDialplan(8002); err != nil {
		t.Errorf("CreateDialplan: %v", err)
	}
	if err := m.DeleteTrunkEndpoint("t1"); err != nil {
		t.Errorf("DeleteTrunkEndpoint: %v", err)
	}
}
