package ami

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/mattiIce/PBX-sub007/internal/trunkmgr"
)

// Manager is a minimal Asterisk Manager Interface client. The trunk core
// uses it as a management-plane event feed: registration state changes
// arrive here and are replayed onto the trunk registry.
type Manager struct {
	host     string
	port     int
	username string
	password string
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	mu       sync.Mutex
	eventCh  chan Event
}

type Event map[string]string

func NewManager(host string, port int, username, password string) *Manager {
	return &Manager{
		host:     host,
		port:     port,
		username: username,
		password: password,
		eventCh:  make(chan Event, 100),
	}
}

func (m *Manager) Connect() error {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", m.host, m.port))
	if err != nil {
		return err
	}

	m.conn = conn
	m.reader = bufio.NewReader(conn)
	m.writer = bufio.NewWriter(conn)

	// Read welcome message
	if _, err := m.reader.ReadString('\n'); err != nil {
		return err
	}

	if err := m.login(); err != nil {
		conn.Close()
		return err
	}

	go m.eventReader()

	log.Println("[AMI] Connected successfully")
	return nil
}

func (m *Manager) login() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loginCmd := fmt.Sprintf("Action: Login\r\nUsername: %s\r\nSecret: %s\r\n\r\n",
		m.username, m.password)

	if _, err := m.writer.WriteString(loginCmd); err != nil {
		return err
	}
	if err := m.writer.Flush(); err != nil {
		return err
	}

	response, err := m.readResponse()
	if err != nil {
		return err
	}
	if response["Response"] != "Success" {
		return fmt.Errorf("login failed: %s", response["Message"])
	}
	return nil
}

func (m *Manager) readResponse() (Event, error) {
	event := make(Event)

	for {
		line, err := m.reader.ReadString('\n')
		if err != nil {
			return event, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			return event, nil
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			event[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
}

// eventReader pumps events into the channel until the connection drops, then
// closes the channel so consumers can exit.
func (m *Manager) eventReader() {
	defer close(m.eventCh)

	for {
		event, err := m.readResponse()
		if len(event) > 0 {
			select {
			case m.eventCh <- event:
			default:
				// Channel full, drop event
			}
		}
		if err != nil {
			log.Printf("[AMI] Connection lost: %v", err)
			return
		}
	}
}

// QualifyEndpoint asks Asterisk to probe a trunk endpoint.
func (m *Manager) QualifyEndpoint(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := fmt.Sprintf("Action: PJSIPQualify\r\nEndpoint: %s\r\n\r\n", endpoint)

	if _, err := m.writer.WriteString(cmd); err != nil {
		return err
	}
	return m.writer.Flush()
}

// Command runs a raw CLI command through the manager interface.
func (m *Manager) Command(command string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := fmt.Sprintf("Action: Command\r\nCommand: %s\r\n\r\n", command)

	if _, err := m.writer.WriteString(cmd); err != nil {
		return "", err
	}
	if err := m.writer.Flush(); err != nil {
		return "", err
	}

	response, err := m.readResponse()
	if err != nil {
		return "", err
	}
	return response["Output"], nil
}

func (m *Manager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

func (m *Manager) Events() <-chan Event {
	return m.eventCh
}

// WatchTrunkEvents consumes AMI events and replays registration status onto
// the trunk registry. Call accounting is not done here: the AGI hangup
// request owns result recording and channel release, and feeding Hangup
// events through as well would count every call twice. Runs until the event
// channel closes.
func WatchTrunkEvents(m *Manager, registry *trunkmgr.Manager) {
	for event := range m.Events() {
		switch event["Event"] {
		case "Registry":
			handleRegistryEvent(registry, event)
		case "PeerStatus":
			handlePeerStatusEvent(registry, event)
		}
	}
}

func handleRegistryEvent(registry *trunkmgr.Manager, event Event) {
	trunkID := trunkIDFromChannel(event["Domain"])
	if trunkID == "" {
		trunkID = event["Domain"]
	}
	t, exists := registry.GetTrunk(trunkID)
	if !exists {
		return
	}

	switch event["Status"] {
	case "Registered":
		t.Register()
		log.Printf("[AMI] Trunk %s registered", trunkID)
	case "Unregistered", "Rejected":
		t.Unregister()
		log.Printf("[AMI] Trunk %s unregistered (%s)", trunkID, event["Status"])
	}
}

func handlePeerStatusEvent(registry *trunkmgr.Manager, event Event) {
	trunkID := trunkIDFromChannel(event["Peer"])
	t, exists := registry.GetTrunk(trunkID)
	if !exists {
		return
	}

	switch event["PeerStatus"] {
	case "Reachable", "Registered":
		t.Register()
	case "Unreachable", "Unregistered":
		t.Unregister()
	}
}

// trunkIDFromChannel extracts the trunk id from strings like
// "PJSIP/trunk-mycarrier-00000001" or "PJSIP/trunk-mycarrier".
func trunkIDFromChannel(channel string) string {
	if channel == "" {
		return ""
	}

	parts := strings.Split(channel, "/")
	endpoint := parts[len(parts)-1]

	if !strings.HasPrefix(endpoint, "trunk-") {
		return ""
	}
	endpoint = strings.TrimPrefix(endpoint, "trunk-")

	// Strip the trailing channel sequence number when present.
	if i := strings.LastIndex(endpoint, "-"); i > 0 {
		if suffix := endpoint[i+1:]; len(suffix) == 8 && isHexDigits(suffix) {
			endpoint = endpoint[:i]
		}
	}
	return endpoint
}

func isHexDigits(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
