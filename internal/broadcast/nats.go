package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/model"
)

// StateSubject carries every published fleet snapshot
const StateSubject = "fleet.state"

// NATSObserver publishes snapshots as JSON on a core NATS subject. Delivery
// is best effort; publish failures are logged and the observer stays attached
// until the connection is closed.
type NATSObserver struct {
	logger  *zap.Logger
	nc      *nats.Conn
	subject string
}

// NewNATSObserver creates an observer publishing on subject
func NewNATSObserver(nc *nats.Conn, subject string, logger *zap.Logger) *NATSObserver {
	if subject == "" {
		subject = StateSubject
	}
	return &NATSObserver{
		logger:  logger.Named("nats-observer"),
		nc:      nc,
		subject: subject,
	}
}

// Notify implements Observer
func (o *NATSObserver) Notify(snapshot model.FleetSnapshot) error {
	if o.nc.IsClosed() {
		return ErrObserverDetached
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := o.nc.Publish(o.subject, data); err != nil {
		o.logger.Error("Failed to publish snapshot",
			zap.String("subject", o.subject),
			zap.Error(err))
		return nil
	}
	return nil
}
