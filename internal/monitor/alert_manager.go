package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/client"
	"github.com/t77yq/fleet-gate/internal/model"
)

const maxRecentAlerts = 100

// AlertManager turns circuit transitions into alerts published on JetStream
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	now    func() time.Time

	mu     sync.Mutex
	recent []model.Alert
}

// NewAlertManager creates a new alert manager
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext) *AlertManager {
	return &AlertManager{
		logger: logger.Named("alert-manager"),
		js:     js,
		now:    time.Now,
	}
}

// Start creates the alert stream
func (m *AlertManager) Start(ctx context.Context) error {
	err := ensureStream(m.js, &nats.StreamConfig{
		Name:     alertStreamName,
		Subjects: []string{alertSubjectPrefix + "*"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	}, m.logger)
	if err != nil {
		return err
	}

	m.logger.Info("Alert manager started")
	return nil
}

// HandleCircuitChange raises an alert for a circuit transition. Transitions
// between equivalent states raise nothing.
func (m *AlertManager) HandleCircuitChange(change client.CircuitChange) {
	alert := model.Alert{
		ID:        uuid.New().String(),
		BackendID: change.Endpoint,
		CreatedAt: m.now(),
		Data: map[string]interface{}{
			"from":                 string(change.From),
			"consecutive_failures": change.State.ConsecutiveFailures,
		},
	}

	switch change.To {
	case model.CircuitOpen:
		alert.Type = model.AlertTypeCircuitOpen
		alert.Severity = model.AlertSeverityWarning
		alert.Message = fmt.Sprintf("Backend %s is cooling down after repeated failures", change.Endpoint)
		alert.Data["open_until"] = change.State.OpenUntil
	case model.CircuitFatal:
		alert.Type = model.AlertTypeEndpointFatal
		alert.Severity = model.AlertSeverityCritical
		alert.Message = fmt.Sprintf("Backend %s marked permanently degraded", change.Endpoint)
	case model.CircuitClosed:
		if change.From == model.CircuitClosed {
			return
		}
		alert.Type = model.AlertTypeEndpointRecovery
		alert.Severity = model.AlertSeverityInfo
		alert.Message = fmt.Sprintf("Backend %s accepting calls again", change.Endpoint)
	default:
		return
	}

	if err := m.createAlert(alert); err != nil {
		m.logger.Error("Failed to create alert",
			zap.String("backend_id", alert.BackendID),
			zap.String("type", string(alert.Type)),
			zap.Error(err))
	}
}

// createAlert records and publishes an alert
func (m *AlertManager) createAlert(alert model.Alert) error {
	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > maxRecentAlerts {
		m.recent = m.recent[len(m.recent)-maxRecentAlerts:]
	}
	m.mu.Unlock()

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if _, err := m.js.Publish(AlertSubject(string(alert.Type)), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("backend_id", alert.BackendID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	return nil
}

// RecentAlerts returns the most recent alerts, oldest first
func (m *AlertManager) RecentAlerts() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Alert(nil), m.recent...)
}
