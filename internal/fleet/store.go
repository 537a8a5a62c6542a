package fleet

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/model"
)

// DefaultStaleThreshold is how long a processing slot may go without activity
// before it is presumed abandoned.
const DefaultStaleThreshold = 30 * time.Second

// MaxSlots bounds the slot count of one backend. Larger advertised counts
// are treated as malformed telemetry.
const MaxSlots = 1024

type entry struct {
	target   model.BackendTarget
	reported int
	view     model.Backend
}

// Store holds the in-memory view of every backend and reconciles polled
// telemetry, activity events and staleness timeouts into one snapshot.
// Every operation runs to completion under the store lock and never fails;
// invalid input is logged and ignored.
type Store struct {
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
	order   []string
	entries map[string]*entry
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty fleet store
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		logger:  logger.Named("fleet-store"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register declares backends. Registration order is the snapshot order and
// the order in which poll results are merged.
func (s *Store) Register(targets ...model.BackendTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range targets {
		if t.ID == "" {
			s.logger.Warn("Ignoring backend without id", zap.String("url", t.URL))
			continue
		}
		if _, exists := s.entries[t.ID]; exists {
			s.logger.Warn("Backend already registered", zap.String("backend_id", t.ID))
			continue
		}

		total := capacity(t.Limit, 0, t.DefaultSlots)
		s.entries[t.ID] = &entry{
			target: t,
			view: model.Backend{
				ID:         t.ID,
				URL:        t.URL,
				Role:       t.Role,
				Limit:      t.Limit,
				Circuit:    model.CircuitClosed,
				TotalSlots: total,
				Slots:      normalize(nil, total),
			},
		}
		s.order = append(s.order, t.ID)
	}
}

// Targets returns the registered backends in registration order
func (s *Store) Targets() []model.BackendTarget {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make([]model.BackendTarget, 0, len(s.order))
	for _, id := range s.order {
		targets = append(targets, s.entries[id].target)
	}
	return targets
}

// MergePolledState reconciles a freshly polled backend view with the stored
// one and reports whether any observable field changed. A failed poll is
// passed as Online=false with no slots.
func (s *Store) MergePolledState(backendID string, polled model.Backend) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[backendID]
	if !ok {
		s.logger.Warn("Reconciliation anomaly: poll result for unknown backend",
			zap.String("backend_id", backendID))
		return false
	}

	if polled.Online {
		reported := polled.TotalSlots
		if reported <= 0 {
			reported = len(polled.Slots)
		}
		if reported > MaxSlots {
			s.logger.Warn("Reconciliation anomaly: implausible slot count",
				zap.String("backend_id", backendID),
				zap.Int("reported", reported),
				zap.Int("listed", len(polled.Slots)))
			reported = min(len(polled.Slots), MaxSlots)
		}
		e.reported = reported
	}

	merged := s.reconcile(e, polled)
	if equivalent(e.view, merged) {
		return false
	}

	e.view = merged
	return true
}

// reconcile builds the view that results from applying polled over the
// stored view. Poll results win, except for slots touched by an activity
// event after the poll was issued: those keep their optimistic state.
func (s *Store) reconcile(e *entry, polled model.Backend) model.Backend {
	cur := e.view
	observed := polled.ObservedAt
	if observed.IsZero() {
		observed = s.now()
	}

	out := model.Backend{
		ID:         cur.ID,
		URL:        cur.URL,
		Role:       cur.Role,
		Limit:      cur.Limit,
		Circuit:    cur.Circuit,
		Online:     polled.Online,
		ObservedAt: observed,
	}
	out.TotalSlots = capacity(cur.Limit, e.reported, e.target.DefaultSlots)

	if !polled.Online {
		out.Slots = normalize(nil, out.TotalSlots)
		return out
	}

	slots := normalize(polled.Slots, out.TotalSlots)
	for i := range slots {
		var prev *model.Slot
		if i < len(cur.Slots) {
			prev = &cur.Slots[i]
		}

		if prev != nil && prev.State != model.SlotStateTesting && prev.LastActivityAt.After(observed) {
			slots[i] = *prev
			slots[i].Index = i
			continue
		}

		if slots[i].State != model.SlotStateProcessing {
			slots[i].State = model.SlotStateIdle
			slots[i].CorrelationID = ""
			if prev != nil {
				slots[i].LastActivityAt = prev.LastActivityAt
			}
			continue
		}

		slots[i].LastActivityAt = observed
		if prev != nil && claimed(*prev) {
			slots[i].CorrelationID = prev.CorrelationID
			// No progress since the last view: keep the old stamp so stuck
			// telemetry still ages toward the stale threshold.
			if prev.RemainingWork == slots[i].RemainingWork && !prev.LastActivityAt.IsZero() {
				slots[i].LastActivityAt = prev.LastActivityAt
			}
		}
	}
	out.Slots = slots
	return out
}

// claimed reports whether a slot belongs to a call still awaiting its end
// event. A verification marks such slots testing without releasing them.
func claimed(slot model.Slot) bool {
	switch slot.State {
	case model.SlotStateProcessing:
		return true
	case model.SlotStateTesting:
		return slot.CorrelationID != ""
	}
	return false
}

// ApplyActivityEvent optimistically flips a slot in response to a pipeline
// activity signal. Events that cannot be matched are no-ops.
func (s *Store) ApplyActivityEvent(ev model.ActivityEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logger.With(
		zap.String("backend_id", ev.BackendID),
		zap.String("kind", string(ev.Kind)),
		zap.String("correlation_id", ev.CorrelationID))

	if ev.CorrelationID == "" {
		log.Warn("Reconciliation anomaly: activity event without correlation id")
		return false
	}

	e, ok := s.entries[ev.BackendID]
	if !ok {
		log.Warn("Reconciliation anomaly: activity event for unknown backend")
		return false
	}

	slots := e.view.Slots
	now := s.now()

	switch ev.Kind {
	case model.ActivityStart:
		for i := range slots {
			if slots[i].CorrelationID == ev.CorrelationID {
				log.Warn("Reconciliation anomaly: duplicate start event", zap.Int("slot", i))
				return false
			}
		}
		i := firstFree(slots, model.SlotStateIdle)
		if i < 0 {
			// A verification in progress holds every slot in testing
			i = firstFree(slots, model.SlotStateTesting)
		}
		if i >= 0 {
			slots[i].State = model.SlotStateProcessing
			slots[i].LastActivityAt = now
			slots[i].CorrelationID = ev.CorrelationID
			return true
		}
		log.Warn("Reconciliation anomaly: no idle slot for start event")
		return false

	case model.ActivityEnd:
		for i := range slots {
			if slots[i].CorrelationID == ev.CorrelationID {
				slots[i].State = model.SlotStateIdle
				slots[i].RemainingWork = 0
				slots[i].LastActivityAt = now
				slots[i].CorrelationID = ""
				return true
			}
		}
		// Polling may already have released the slot.
		log.Debug("Reconciliation anomaly: no slot matches end event")
		return false
	}

	log.Warn("Reconciliation anomaly: unknown activity kind")
	return false
}

// firstFree returns the index of the first unclaimed slot in state, or -1
func firstFree(slots []model.Slot, state model.SlotState) int {
	for i := range slots {
		if slots[i].State == state && slots[i].CorrelationID == "" {
			return i
		}
	}
	return -1
}

// ReclaimStaleSlots resets processing slots whose last activity is older
// than threshold and returns how many were reclaimed.
func (s *Store) ReclaimStaleSlots(threshold time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reclaimed := 0
	for _, id := range s.order {
		slots := s.entries[id].view.Slots
		for i := range slots {
			if slots[i].State != model.SlotStateProcessing {
				continue
			}
			if now.Sub(slots[i].LastActivityAt) <= threshold {
				continue
			}

			s.logger.Warn("Reclaiming stale slot",
				zap.String("backend_id", id),
				zap.Int("slot", i),
				zap.String("correlation_id", slots[i].CorrelationID),
				zap.Time("last_activity_at", slots[i].LastActivityAt))

			slots[i].State = model.SlotStateIdle
			slots[i].RemainingWork = 0
			slots[i].CorrelationID = ""
			reclaimed++
		}
	}
	return reclaimed
}

// ForceTestingState marks every known slot as testing
func (s *Store) ForceTestingState() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		slots := s.entries[id].view.Slots
		for i := range slots {
			slots[i].State = model.SlotStateTesting
		}
	}
}

// SetLimits updates the operator-configured slot cap per backend. A limit of
// zero removes the cap. Stored views are padded or truncated immediately.
func (s *Store) SetLimits(limits map[string]int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for id, limit := range limits {
		e, ok := s.entries[id]
		if !ok {
			s.logger.Warn("Ignoring limit for unknown backend", zap.String("backend_id", id))
			continue
		}
		if limit < 0 || limit > MaxSlots {
			s.logger.Warn("Ignoring out of range limit",
				zap.String("backend_id", id),
				zap.Int("limit", limit))
			continue
		}
		if e.target.Limit == limit {
			continue
		}

		e.target.Limit = limit
		e.view.Limit = limit
		e.view.TotalSlots = capacity(limit, e.reported, e.target.DefaultSlots)
		e.view.Slots = normalize(e.view.Slots, e.view.TotalSlots)
		changed = true

		s.logger.Info("Backend limit updated",
			zap.String("backend_id", id),
			zap.Int("limit", limit),
			zap.Int("total_slots", e.view.TotalSlots))
	}
	return changed
}

// SetCircuitHealth records the circuit breaker view of a backend
func (s *Store) SetCircuitHealth(backendID string, health model.CircuitHealth) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[backendID]
	if !ok || e.view.Circuit == health {
		return false
	}
	e.view.Circuit = health
	return true
}

// Snapshot returns a deep copy of every backend
func (s *Store) Snapshot() model.FleetSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := model.FleetSnapshot{
		Backends: make([]model.Backend, 0, len(s.order)),
		TakenAt:  s.now(),
	}
	for _, id := range s.order {
		snap.Backends = append(snap.Backends, s.entries[id].view.Clone())
	}
	return snap
}

// capacity picks the slot count a backend must report: the operator limit
// when set, otherwise what the backend advertised, otherwise the default.
func capacity(limit, reported, fallback int) int {
	switch {
	case limit > 0:
		return limit
	case reported > 0:
		return reported
	case fallback > 0:
		return fallback
	}
	return 0
}

// normalize pads slots with idle entries or truncates them to total
func normalize(slots []model.Slot, total int) []model.Slot {
	out := make([]model.Slot, total)
	for i := range out {
		if i < len(slots) {
			out[i] = slots[i]
		} else {
			out[i] = model.Slot{State: model.SlotStateIdle}
		}
		out[i].Index = i
	}
	return out
}

// equivalent compares the observable fields of two backend views
func equivalent(a, b model.Backend) bool {
	if a.Online != b.Online || a.TotalSlots != b.TotalSlots || len(a.Slots) != len(b.Slots) {
		return false
	}
	for i := range a.Slots {
		if a.Slots[i].State != b.Slots[i].State || a.Slots[i].RemainingWork != b.Slots[i].RemainingWork {
			return false
		}
	}
	return true
}
