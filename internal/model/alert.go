package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeCircuitOpen      AlertType = "circuit_open"
	AlertTypeEndpointFatal    AlertType = "endpoint_fatal"
	AlertTypeEndpointRecovery AlertType = "endpoint_recovered"
)

// Alert represents an alert event about a backend
type Alert struct {
	ID        string                 `json:"id"`
	BackendID string                 `json:"backend_id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
