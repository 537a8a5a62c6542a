package monitor

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	alertStreamName    = "FLEET_ALERTS"
	alertSubjectPrefix = "fleet.alert."

	metricsStreamName = "FLEET_METRICS"

	// MetricsSubject carries periodic fleet and host metrics
	MetricsSubject = "fleet.metrics"

	streamMaxAge = 24 * time.Hour
)

// ensureStream creates a stream unless one with the same name exists
func ensureStream(js nats.JetStreamContext, cfg *nats.StreamConfig, logger *zap.Logger) error {
	_, err := js.StreamInfo(cfg.Name)
	if err == nil {
		logger.Info("Using existing stream", zap.String("name", cfg.Name))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	logger.Info("Created stream", zap.String("name", cfg.Name), zap.Strings("subjects", cfg.Subjects))
	return nil
}

// AlertSubject returns the subject an alert type is published on
func AlertSubject(t string) string {
	return alertSubjectPrefix + t
}
