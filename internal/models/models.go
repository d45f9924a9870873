package models

import (
	"time"
)

// RegistrationState is the administrative/registration status of a trunk.
type RegistrationState string

const (
	RegistrationUnregistered RegistrationState = "UNREGISTERED"
	RegistrationRegistered   RegistrationState = "REGISTERED"
	RegistrationFailed       RegistrationState = "FAILED"
	RegistrationDisabled     RegistrationState = "DISABLED"
	RegistrationDegraded     RegistrationState = "DEGRADED"
)

// HealthState is the derived health band of a trunk.
type HealthState string

const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthWarning  HealthState = "WARNING"
	HealthCritical HealthState = "CRITICAL"
	HealthDown     HealthState = "DOWN"
)

// Success-rate boundaries for the health bands, applied high to low.
const (
	HealthyRateThreshold  = 0.95
	WarningRateThreshold  = 0.80
	CriticalRateThreshold = 0.50
)

// MinCallsForHealth is the sample size below which the success rate is not
// considered meaningful and health is left unchanged.
const MinCallsForHealth = 10

// HealthForSuccessRate maps a call success rate to a health band. The ladder
// is exhaustive and ordered; the first matching band wins.
func HealthForSuccessRate(rate float64) HealthState {
	switch {
	case rate >= HealthyRateThreshold:
		return HealthHealthy
	case rate >= WarningRateThreshold:
		return HealthWarning
	case rate >= CriticalRateThreshold:
		return HealthCritical
	default:
		return HealthDown
	}
}

// TrunkConfig is the static configuration of an upstream carrier trunk.
type TrunkConfig struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Host                string        `json:"host"`
	Port                int           `json:"port"`
	Username            string        `json:"username"` // Can be empty for IP-only auth
	Password            string        `json:"password"` // Can be empty for IP-only auth
	Codecs              []string      `json:"codecs"`
	MaxChannels         int           `json:"max_channels"`
	Priority            int           `json:"priority"` // lower = preferred
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

// HealthMetrics is a read-only projection of a trunk's health counters for
// the statistics and API layers.
type HealthMetrics struct {
	TrunkID              string            `json:"trunk_id"`
	Status               RegistrationState `json:"status"`
	Health               HealthState       `json:"health_status"`
	SuccessRate          float64           `json:"success_rate"`
	TotalCalls           int64             `json:"total_calls"`
	SuccessfulCalls      int64             `json:"successful_calls"`
	FailedCalls          int64             `json:"failed_calls"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	RegistrationFailures int               `json:"registration_failures"`
	ChannelsInUse        int               `json:"channels_in_use"`
	ChannelsAvailable    int               `json:"channels_available"`
	AverageSetupTime     time.Duration     `json:"average_call_setup_time"`
	LastSuccessfulCall   time.Time         `json:"last_successful_call"`
	LastFailedCall       time.Time         `json:"last_failed_call"`
	LastHealthCheck      time.Time         `json:"last_health_check"`
	FailoverCount        int64             `json:"failover_count"`
	LastFailoverTime     time.Time         `json:"last_failover_time"`
}

// TrunkSnapshot is the full serialization of a trunk (identity plus live
// state) for external consumers. No business logic reads it back.
type TrunkSnapshot struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Host              string            `json:"host"`
	Port              int               `json:"port"`
	Codecs            []string          `json:"codecs"`
	MaxChannels       int               `json:"max_channels"`
	ChannelsAvailable int               `json:"channels_available"`
	ChannelsInUse     int               `json:"channels_in_use"`
	Priority          int               `json:"priority"`
	Status            RegistrationState `json:"status"`
	Health            HealthState       `json:"health_status"`
	SuccessRate       float64           `json:"success_rate"`
	TotalCalls        int64             `json:"total_calls"`
	SuccessfulCalls   int64             `json:"successful_calls"`
	FailedCalls       int64             `json:"failed_calls"`
}

// MonitorConfig configures the orchestrator's background health monitoring.
type MonitorConfig struct {
	Enabled           bool          `json:"enabled"`
	PollInterval      time.Duration `json:"poll_interval"`
	FailoverEnabled   bool          `json:"failover_enabled"`
	AutoRecovery      bool          `json:"auto_recovery"`
	FailoverThreshold int           `json:"failover_threshold"`
}

// DefaultMonitorConfig mirrors the shipped configuration defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:           true,
		PollInterval:      30 * time.Second,
		FailoverEnabled:   true,
		AutoRecovery:      false,
		FailoverThreshold: 5,
	}
}

// TrunkHealthDetail is one per-trunk entry in the fleet summary.
type TrunkHealthDetail struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      RegistrationState `json:"status"`
	Health      HealthState       `json:"health_status"`
	SuccessRate float64           `json:"success_rate"`
	Metrics     HealthMetrics     `json:"metrics"`
}

// FleetHealthSummary aggregates health across every trunk in the registry.
type FleetHealthSummary struct {
	TotalTrunks        int                 `json:"total_trunks"`
	HealthCounts       map[HealthState]int `json:"health_counts"`
	TotalCalls         int64               `json:"total_calls"`
	SuccessfulCalls    int64               `json:"successful_calls"`
	FailedCalls        int64               `json:"failed_calls"`
	OverallSuccessRate float64             `json:"overall_success_rate"`
	Trunks             []TrunkHealthDetail `json:"trunks"`
}

// FailoverEvent records a failover decision made by the monitor loop.
type FailoverEvent struct {
	ID               string    `json:"id"`
	TrunkID          string    `json:"trunk_id"`
	AlternateTrunkID string    `json:"alternate_trunk_id"` // empty when no alternate existed
	AffectedRules    []string  `json:"affected_rules"`
	CreatedAt        time.Time `json:"created_at"`
}
