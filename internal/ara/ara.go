package ara

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/mattiIce/PBX-sub007/internal/db"
	"github.com/mattiIce/PBX-sub007/internal/models"
)

// Manager provisions Asterisk Realtime Architecture tables so Asterisk reads
// trunk endpoints and the outbound dialplan straight from the database.
type Manager struct {
	db *sql.DB
}

func NewManager() *Manager {
	return &Manager{
		db: db.DB,
	}
}

// CreateARATablesIfNotExist creates the realtime tables the trunk endpoints
// and dialplan live in.
func (m *Manager) CreateARATablesIfNotExist() error {
	if m.db == nil {
		return nil
	}

	queries := []string{
		// ps_endpoints table for PJSIP endpoints
		`CREATE TABLE IF NOT EXISTS ps_endpoints (
			id VARCHAR(100) PRIMARY KEY,
			transport VARCHAR(40),
			aors VARCHAR(200),
			auth VARCHAR(100),
			context VARCHAR(40) DEFAULT 'from-trunk',
			disallow VARCHAR(200) DEFAULT 'all',
			allow VARCHAR(200),
			direct_media ENUM('yes','no') DEFAULT 'no',
			dtmf_mode ENUM('rfc4733','inband','info','auto') DEFAULT 'rfc4733',
			language VARCHAR(10) DEFAULT 'en',
			rtp_timeout int DEFAULT 120,
			force_rport ENUM('yes','no') DEFAULT 'yes',
			rewrite_contact ENUM('yes','no') DEFAULT 'yes',
			trust_id_inbound ENUM('yes','no') DEFAULT 'yes',
			trust_id_outbound ENUM('yes','no') DEFAULT 'yes',
			send_pai ENUM('yes','no') DEFAULT 'yes',
			send_rpid ENUM('yes','no') DEFAULT 'yes'
		)`,

		// ps_auths table for authentication
		`CREATE TABLE IF NOT EXISTS ps_auths (
			id VARCHAR(100) PRIMARY KEY,
			auth_type ENUM('userpass','md5') DEFAULT 'userpass',
			username VARCHAR(100),
			password VARCHAR(100),
			realm VARCHAR(100),
			md5_cred VARCHAR(100)
		)`,

		// ps_aors table for address of record
		`CREATE TABLE IF NOT EXISTS ps_aors (
			id VARCHAR(100) PRIMARY KEY,
			max_contacts INT DEFAULT 1,
			remove_existing ENUM('yes','no') DEFAULT 'yes',
			contact VARCHAR(255),
			qualify_frequency INT DEFAULT 60,
			authenticate_qualify ENUM('yes','no') DEFAULT 'no'
		)`,

		// ps_registrations for outbound registration to carriers
		`CREATE TABLE IF NOT EXISTS ps_registrations (
			id VARCHAR(100) PRIMARY KEY,
			transport VARCHAR(40),
			outbound_auth VARCHAR(100),
			server_uri VARCHAR(255),
			client_uri VARCHAR(255),
			retry_interval INT DEFAULT 60,
			expiration INT DEFAULT 3600,
			line ENUM('yes','no') DEFAULT 'yes',
			endpoint VARCHAR(100)
		)`,

		// ps_transports table
		`CREATE TABLE IF NOT EXISTS ps_transports (
			id VARCHAR(100) PRIMARY KEY,
			async_operations INT DEFAULT 1,
			bind VARCHAR(100) DEFAULT '0.0.0.0:5060',
			protocol ENUM('udp','tcp','tls','ws','wss') DEFAULT 'udp',
			tos VARCHAR(10) DEFAULT 'cs0',
			cos INT DEFAULT 0,
			allow_reload ENUM('yes','no') DEFAULT 'yes'
		)`,

		// extensions table for dialplan
		`CREATE TABLE IF NOT EXISTS extensions (
			id INT AUTO_INCREMENT PRIMARY KEY,
			context VARCHAR(40) NOT NULL,
			exten VARCHAR(40) NOT NULL,
			priority INT NOT NULL,
			app VARCHAR(40) NOT NULL,
			appdata VARCHAR(256),
			UNIQUE KEY context_exten_priority (context, exten, priority)
		)`,
	}

	for _, query := range queries {
		if _, err := m.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create ARA table: %v", err)
		}
	}

	// Insert default transport if not exists
	m.db.Exec(`INSERT IGNORE INTO ps_transports (id, bind, protocol) VALUES ('transport-udp', '0.0.0.0:5060', 'udp')`)

	return nil
}

// CreateTrunkEndpoint provisions the PJSIP realtime rows for a trunk. The
// endpoint id follows the "trunk-<id>" convention the event feed parses out
// of channel names.
func (m *Manager) CreateTrunkEndpoint(cfg models.TrunkConfig) error {
	if m.db == nil {
		return nil
	}

	endpointID := fmt.Sprintf("trunk-%s", cfg.ID)
	authID := fmt.Sprintf("auth-trunk-%s", cfg.ID)
	aorID := fmt.Sprintf("aor-trunk-%s", cfg.ID)

	port := cfg.Port
	if port == 0 {
		port = 5060
	}

	qualifyFreq := 60
	if cfg.HealthCheckInterval > 0 {
		qualifyFreq = int(cfg.HealthCheckInterval.Seconds())
	}

	// Create AOR pointing at the carrier
	aorQuery := `
		INSERT INTO ps_aors (id, max_contacts, remove_existing, contact, qualify_frequency)
		VALUES (?, 1, 'yes', ?, ?)
		ON DUPLICATE KEY UPDATE
			contact = VALUES(contact),
			qualify_frequency = VALUES(qualify_frequency)`

	contact := fmt.Sprintf("sip:%s:%d", cfg.Host, port)
	if _, err := m.db.Exec(aorQuery, aorID, contact, qualifyFreq); err != nil {
		return err
	}

	// Create auth when credentials are configured; IP-auth trunks skip it
	authRef := ""
	if cfg.Username != "" {
		authQuery := `
			INSERT INTO ps_auths (id, auth_type, username, password)
			VALUES (?, 'userpass', ?, ?)
			ON DUPLICATE KEY UPDATE
				username = VALUES(username),
				password = VALUES(password)`

		if _, err := m.db.Exec(authQuery, authID, cfg.Username, cfg.Password); err != nil {
			return err
		}
		authRef = authID
	}

	codecs := strings.Join(cfg.Codecs, ",")
	if codecs == "" {
		codecs = "ulaw,alaw"
	}

	endpointQuery := `
		INSERT INTO ps_endpoints (
			id, transport, aors, auth, context,
			disallow, allow, direct_media, trust_id_inbound, trust_id_outbound
		) VALUES (?, 'transport-udp', ?, ?, 'from-trunk', 'all', ?, 'no', 'yes', 'yes')
		ON DUPLICATE KEY UPDATE
			aors = VALUES(aors),
			auth = VALUES(auth),
			allow = VALUES(allow)`

	if _, err := m.db.Exec(endpointQuery, endpointID, aorID, authRef, codecs); err != nil {
		return err
	}

	// Outbound registration with the carrier when credentials exist
	if cfg.Username != "" {
		regQuery := `
			INSERT INTO ps_registrations (id, transport, outbound_auth, server_uri, client_uri, endpoint)
			VALUES (?, 'transport-udp', ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				server_uri = VALUES(server_uri),
				client_uri = VALUES(client_uri)`

		regID := fmt.Sprintf("reg-trunk-%s", cfg.ID)
		serverURI := fmt.Sprintf("sip:%s:%d", cfg.Host, port)
		clientURI := fmt.Sprintf("sip:%s@%s:%d", cfg.Username, cfg.Host, port)

		if _, err := m.db.Exec(regQuery, regID, authID, serverURI, clientURI, endpointID); err != nil {
			return err
		}
	}

	log.Printf("[ARA] Provisioned endpoint %s (%s)", endpointID, contact)
	return nil
}

// DeleteTrunkEndpoint removes a trunk's PJSIP realtime rows.
func (m *Manager) DeleteTrunkEndpoint(trunkID string) error {
	if m.db == nil {
		return nil
	}

	endpointID := fmt.Sprintf("trunk-%s", trunkID)
	authID := fmt.Sprintf("auth-trunk-%s", trunkID)
	aorID := fmt.Sprintf("aor-trunk-%s", trunkID)
	regID := fmt.Sprintf("reg-trunk-%s", trunkID)

	// Delete in reverse order of creation
	m.db.Exec("DELETE FROM ps_registrations WHERE id = ?", regID)
	m.db.Exec("DELETE FROM ps_endpoints WHERE id = ?", endpointID)
	m.db.Exec("DELETE FROM ps_auths WHERE id = ?", authID)
	m.db.Exec("DELETE FROM ps_aors WHERE id = ?", aorID)

	return nil
}

// CreateDialplan writes the outbound dialplan: every dialed number goes
// through the AGI route request on the given port, then dials whatever trunk
// it handed back.
func (m *Manager) CreateDialplan(agiPort int) error {
	if m.db == nil {
		return nil
	}
	if agiPort <= 0 {
		agiPort = 8002
	}

	for _, ctx := range []string{"outbound-trunks", "hangup-handler"} {
		m.db.Exec("DELETE FROM extensions WHERE context = ?", ctx)
	}

	for _, ext := range outboundExtensions(agiPort) {
		m.insertExtension("outbound-trunks", ext.exten, ext.priority, ext.app, ext.appdata)
	}

	for _, ext := range hangupExtensions(agiPort) {
		m.insertExtension("hangup-handler", ext.exten, ext.priority, ext.app, ext.appdata)
	}

	log.Println("[ARA] Dialplan created")
	return nil
}

type extensionRow struct {
	exten    string
	priority int
	app      string
	appdata  string
}

func outboundExtensions(agiPort int) []extensionRow {
	return []extensionRow{
		{"_X.", 1, "NoOp", "Outbound call: ${CALLERID(num)} -> ${EXTEN}"},
		{"_X.", 2, "Set", "CHANNEL(hangup_handler_push)=hangup-handler,s,1"},
		{"_X.", 3, "AGI", fmt.Sprintf("agi://localhost:%d/routeOutbound", agiPort)},
		{"_X.", 4, "GotoIf", "$[\"${TRUNK_STATUS}\" = \"success\"]?5:99"},
		{"_X.", 5, "Dial", "PJSIP/${DIAL_NUMBER}@trunk-${TRUNK_ID},120"},
		{"_X.", 6, "Goto", "99"},
		{"_X.", 99, "Congestion", "5"},
		{"_X.", 100, "Hangup", ""},
	}
}

func hangupExtensions(agiPort int) []extensionRow {
	return []extensionRow{
		{"s", 1, "NoOp", "Call ended: ${UNIQUEID}"},
		{"s", 2, "AGI", fmt.Sprintf("agi://localhost:%d/hangup", agiPort)},
		{"s", 3, "Return", ""},
	}
}

func (m *Manager) insertExtension(context, exten string, priority int, app, appdata string) error {
	query := `
		INSERT INTO extensions (context, exten, priority, app, appdata)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			app = VALUES(app),
			appdata = VALUES(appdata)`

	_, err := m.db.Exec(query, context, exten, priority, app, appdata)
	return err
}
