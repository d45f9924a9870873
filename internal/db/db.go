package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mattiIce/PBX-sub007/internal/models"
)

// DB is the process-wide handle. It stays nil when the trunk core runs
// without persistence (library use and tests); every writer here checks.
var DB *sql.DB

func Initialize(dsn string) error {
	// Parse DSN to extract database name
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return fmt.Errorf("invalid DSN format")
	}

	dbName := strings.Split(parts[1], "?")[0]
	baseDSN := parts[0] + "/?" + strings.Join(strings.Split(parts[1], "?")[1:], "?")

	// First connect without database to create it if needed
	tempDB, err := sql.Open("mysql", baseDSN)
	if err != nil {
		return fmt.Errorf("failed to open connection: %v", err)
	}

	_, err = tempDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName))
	if err != nil {
		tempDB.Close()
		return fmt.Errorf("failed to create database: %v", err)
	}
	tempDB.Close()

	DB, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}

	if err = DB.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	if err = createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %v", err)
	}

	log.Println("Database initialized successfully")
	return nil
}

func createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trunks (
			id VARCHAR(100) PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			host VARCHAR(255) NOT NULL,
			port INT DEFAULT 5060,
			username VARCHAR(100),
			password VARCHAR(100),
			codecs JSON,
			max_channels INT DEFAULT 0,
			priority INT DEFAULT 100,
			health_check_interval_sec INT DEFAULT 60,
			enabled BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_enabled (enabled)
		)`,

		`CREATE TABLE IF NOT EXISTS outbound_rules (
			rule_id VARCHAR(100) PRIMARY KEY,
			pattern VARCHAR(255) NOT NULL,
			trunk_id VARCHAR(100) NOT NULL,
			strip_digits INT DEFAULT 0,
			prepend VARCHAR(50) DEFAULT '',
			position INT DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_trunk (trunk_id),
			INDEX idx_position (position)
		)`,

		`CREATE TABLE IF NOT EXISTS trunk_stats (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			trunk_id VARCHAR(100) NOT NULL,
			status VARCHAR(20),
			health_status VARCHAR(20),
			total_calls BIGINT DEFAULT 0,
			successful_calls BIGINT DEFAULT 0,
			failed_calls BIGINT DEFAULT 0,
			consecutive_failures INT DEFAULT 0,
			channels_in_use INT DEFAULT 0,
			success_rate DECIMAL(5,4) DEFAULT 0,
			avg_setup_time_ms DECIMAL(10,2) DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			UNIQUE KEY unique_trunk (trunk_id),
			INDEX idx_trunk (trunk_id)
		)`,

		`CREATE TABLE IF NOT EXISTS failover_events (
			id VARCHAR(36) PRIMARY KEY,
			trunk_id VARCHAR(100) NOT NULL,
			alternate_trunk_id VARCHAR(100),
			affected_rules JSON,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_trunk (trunk_id),
			INDEX idx_created (created_at)
		)`,
	}

	for _, query := range queries {
		if _, err := DB.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// SaveTrunk upserts a trunk's configuration.
func SaveTrunk(cfg models.TrunkConfig, enabled bool) error {
	if DB == nil {
		return nil
	}

	codecsJSON, _ := json.Marshal(cfg.Codecs)

	query := `
		INSERT INTO trunks (id, name, host, port, username, password, codecs, max_channels, priority, health_check_interval_sec, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			host = VALUES(host),
			port = VALUES(port),
			username = VALUES(username),
			password = VALUES(password),
			codecs = VALUES(codecs),
			max_channels = VALUES(max_channels),
			priority = VALUES(priority),
			health_check_interval_sec = VALUES(health_check_interval_sec),
			enabled = VALUES(enabled)`

	_, err := DB.Exec(query, cfg.ID, cfg.Name, cfg.Host, cfg.Port, cfg.Username, cfg.Password,
		codecsJSON, cfg.MaxChannels, cfg.Priority, int(cfg.HealthCheckInterval.Seconds()), enabled)
	return err
}

// DeleteTrunk removes a trunk and its persisted stats.
func DeleteTrunk(id string) error {
	if DB == nil {
		return nil
	}

	var count int
	DB.QueryRow("SELECT COUNT(*) FROM outbound_rules WHERE trunk_id = ?", id).Scan(&count)
	if count > 0 {
		return fmt.Errorf("trunk %s is referenced by %d outbound rules", id, count)
	}

	if _, err := DB.Exec("DELETE FROM trunk_stats WHERE trunk_id = ?", id); err != nil {
		log.Printf("Failed to delete trunk stats: %v", err)
	}
	_, err := DB.Exec("DELETE FROM trunks WHERE id = ?", id)
	return err
}

// LoadTrunks returns every enabled trunk configuration.
func LoadTrunks() ([]models.TrunkConfig, error) {
	if DB == nil {
		return nil, nil
	}

	query := `
		SELECT id, name, host, port, username, password, codecs, max_channels, priority, health_check_interval_sec
		FROM trunks
		WHERE enabled = TRUE`

	rows, err := DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.TrunkConfig
	for rows.Next() {
		var cfg models.TrunkConfig
		var codecsJSON []byte
		var intervalSec int

		err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Host, &cfg.Port, &cfg.Username, &cfg.Password,
			&codecsJSON, &cfg.MaxChannels, &cfg.Priority, &intervalSec)
		if err != nil {
			log.Printf("Error loading trunk: %v", err)
			continue
		}

		json.Unmarshal(codecsJSON, &cfg.Codecs)
		cfg.HealthCheckInterval = time.Duration(intervalSec) * time.Second
		configs = append(configs, cfg)
	}

	log.Printf("Loaded %d trunks", len(configs))
	return configs, rows.Err()
}

// SaveRule upserts an outbound rule at the given list position.
func SaveRule(ruleID, pattern, trunkID string, strip int, prepend string, position int) error {
	if DB == nil {
		return nil
	}

	query := `
		INSERT INTO outbound_rules (rule_id, pattern, trunk_id, strip_digits, prepend, position)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			pattern = VALUES(pattern),
			trunk_id = VALUES(trunk_id),
			strip_digits = VALUES(strip_digits),
			prepend = VALUES(prepend),
			position = VALUES(position)`

	_, err := DB.Exec(query, ruleID, pattern, trunkID, strip, prepend, position)
	return err
}

// DeleteRule removes an outbound rule.
func DeleteRule(ruleID string) error {
	if DB == nil {
		return nil
	}
	_, err := DB.Exec("DELETE FROM outbound_rules WHERE rule_id = ?", ruleID)
	return err
}

// StoredRule is an outbound rule row in list order.
type StoredRule struct {
	RuleID  string
	Pattern string
	TrunkID string
	Strip   int
	Prepend string
}

// LoadRules returns every outbound rule in position order.
func LoadRules() ([]StoredRule, error) {
	if DB == nil {
		return nil, nil
	}

	rows, err := DB.Query(`
		SELECT rule_id, pattern, trunk_id, strip_digits, prepend
		FROM outbound_rules
		ORDER BY position, rule_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []StoredRule
	for rows.Next() {
		var r StoredRule
		if err := rows.Scan(&r.RuleID, &r.Pattern, &r.TrunkID, &r.Strip, &r.Prepend); err != nil {
			log.Printf("Error loading rule: %v", err)
			continue
		}
		rules = append(rules, r)
	}

	log.Printf("Loaded %d outbound rules", len(rules))
	return rules, rows.Err()
}

// UpsertTrunkStats persists a trunk's live counters for dashboards.
func UpsertTrunkStats(m models.HealthMetrics) {
	if DB == nil {
		return
	}

	query := `
		INSERT INTO trunk_stats (trunk_id, status, health_status, total_calls, successful_calls,
		                         failed_calls, consecutive_failures, channels_in_use, success_rate, avg_setup_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			health_status = VALUES(health_status),
			total_calls = VALUES(total_calls),
			successful_calls = VALUES(successful_calls),
			failed_calls = VALUES(failed_calls),
			consecutive_failures = VALUES(consecutive_failures),
			channels_in_use = VALUES(channels_in_use),
			success_rate = VALUES(success_rate),
			avg_setup_time_ms = VALUES(avg_setup_time_ms)`

	_, err := DB.Exec(query, m.TrunkID, string(m.Status), string(m.Health), m.TotalCalls,
		m.SuccessfulCalls, m.FailedCalls, m.ConsecutiveFailures, m.ChannelsInUse,
		m.SuccessRate, float64(m.AverageSetupTime)/float64(time.Millisecond))
	if err != nil {
		log.Printf("Failed to persist trunk stats: %v", err)
	}
}

// InsertFailoverEvent records a failover decision.
func InsertFailoverEvent(ev models.FailoverEvent) {
	if DB == nil {
		return
	}

	rulesJSON, _ := json.Marshal(ev.AffectedRules)

	_, err := DB.Exec(`
		INSERT INTO failover_events (id, trunk_id, alternate_trunk_id, affected_rules, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.TrunkID, ev.AlternateTrunkID, rulesJSON, ev.CreatedAt)
	if err != nil {
		log.Printf("Failed to store failover event: %v", err)
	}
}

func Close() {
	if DB != nil {
		DB.Close()
	}
}
