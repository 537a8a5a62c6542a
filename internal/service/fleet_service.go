package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/broadcast"
	"github.com/t77yq/fleet-gate/internal/client"
	"github.com/t77yq/fleet-gate/internal/fleet"
	"github.com/t77yq/fleet-gate/internal/model"
	"github.com/t77yq/fleet-gate/internal/poller"
)

// ErrInvalidLimit is returned for negative or oversized slot limits
var ErrInvalidLimit = errors.New("invalid slot limit")

// EndpointControl is the part of the call client the service drives
type EndpointControl interface {
	SetConcurrency(endpointID string, maxSlots int) error
	ResetEndpoint(endpointID string) error
}

// CircuitListener is told about circuit transitions after the store
type CircuitListener interface {
	HandleCircuitChange(change client.CircuitChange)
}

// FleetService is the control boundary used by UIs and the pipeline
type FleetService struct {
	logger      *zap.Logger
	store       *fleet.Store
	poller      *poller.Poller
	verifier    *poller.Verifier
	endpoints   EndpointControl
	broadcaster *broadcast.Broadcaster
	listeners   []CircuitListener
}

// NewFleetService creates the service. endpoints may be nil when no call
// client runs in this process.
func NewFleetService(
	store *fleet.Store,
	p *poller.Poller,
	verifier *poller.Verifier,
	endpoints EndpointControl,
	broadcaster *broadcast.Broadcaster,
	logger *zap.Logger,
	listeners ...CircuitListener,
) *FleetService {
	return &FleetService{
		logger:      logger.Named("fleet-service"),
		store:       store,
		poller:      p,
		verifier:    verifier,
		endpoints:   endpoints,
		broadcaster: broadcaster,
		listeners:   listeners,
	}
}

// GetFleetState returns the current snapshot
func (s *FleetService) GetFleetState() model.FleetSnapshot {
	return s.store.Snapshot()
}

// Refresh polls every backend now and returns the resulting snapshot
func (s *FleetService) Refresh(ctx context.Context) model.FleetSnapshot {
	s.poller.PollNow(ctx, true)
	return s.store.Snapshot()
}

// SetLimits caps the slots used per backend. A zero limit removes the cap.
// The admission gate of each capped backend is resized to match.
func (s *FleetService) SetLimits(limits map[string]int) error {
	for id, limit := range limits {
		if limit < 0 || limit > fleet.MaxSlots {
			return fmt.Errorf("%w: %s=%d", ErrInvalidLimit, id, limit)
		}
	}

	changed := s.store.SetLimits(limits)

	var errs []error
	if s.endpoints != nil {
		for id, limit := range limits {
			if limit == 0 {
				continue
			}
			err := s.endpoints.SetConcurrency(id, limit)
			if err != nil && !errors.Is(err, client.ErrUnknownEndpoint) {
				errs = append(errs, fmt.Errorf("failed to resize %s: %w", id, err))
			}
		}
	}

	if changed {
		s.publish()
	}
	return errors.Join(errs...)
}

// VerifyFleet runs a health verification. Backends that answer are given a
// fresh circuit, the user-triggered way out of the fatal state.
func (s *FleetService) VerifyFleet(ctx context.Context) (model.FleetSnapshot, error) {
	snap, err := s.verifier.Verify(ctx)
	if err != nil {
		return model.FleetSnapshot{}, err
	}
	if s.endpoints == nil {
		return snap, nil
	}

	reset := false
	for _, b := range snap.Backends {
		if !b.Online || b.Circuit == model.CircuitClosed {
			continue
		}
		if err := s.endpoints.ResetEndpoint(b.ID); err != nil {
			if !errors.Is(err, client.ErrUnknownEndpoint) {
				s.logger.Warn("Failed to reset endpoint",
					zap.String("backend_id", b.ID),
					zap.Error(err))
			}
			continue
		}
		reset = true
		s.logger.Info("Endpoint reset after verification", zap.String("backend_id", b.ID))
	}

	if reset {
		return s.store.Snapshot(), nil
	}
	return snap, nil
}

// OnPipelineActivity applies an optimistic activity signal
func (s *FleetService) OnPipelineActivity(ev model.ActivityEvent) {
	if s.store.ApplyActivityEvent(ev) {
		s.publish()
	}
}

// HandleCircuitChange records a circuit transition in the fleet view and
// forwards it to the listeners
func (s *FleetService) HandleCircuitChange(change client.CircuitChange) {
	if s.store.SetCircuitHealth(change.Endpoint, change.To) {
		s.publish()
	}
	for _, l := range s.listeners {
		l.HandleCircuitChange(change)
	}
}

// Subscribe returns a latest-value-wins stream of snapshots
func (s *FleetService) Subscribe(buffer int) (<-chan model.FleetSnapshot, func()) {
	return s.broadcaster.Subscribe(buffer)
}

func (s *FleetService) publish() {
	s.broadcaster.Publish(s.store.Snapshot())
}
