package model

import "time"

// SlotState represents what a backend slot is doing
type SlotState string

const (
	SlotStateIdle       SlotState = "idle"
	SlotStateProcessing SlotState = "processing"
	SlotStateTesting    SlotState = "testing"
)

// CircuitHealth is the circuit breaker view of a backend surfaced to observers
type CircuitHealth string

const (
	CircuitClosed CircuitHealth = "closed"
	CircuitOpen   CircuitHealth = "open"
	CircuitFatal  CircuitHealth = "fatal"
)

// Slot represents one concurrency unit of a backend
type Slot struct {
	Index          int       `json:"index"`
	State          SlotState `json:"state"`
	RemainingWork  int       `json:"remaining_work"`
	LastActivityAt time.Time `json:"last_activity_at,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
}

// Busy reports whether the slot is occupied by work
func (s Slot) Busy() bool {
	return s.State == SlotStateProcessing
}

// BackendTarget is the static description of a backend taken from configuration
type BackendTarget struct {
	ID           string `json:"id" mapstructure:"id"`
	URL          string `json:"url" mapstructure:"url"`
	Role         string `json:"role" mapstructure:"role"`
	Limit        int    `json:"limit" mapstructure:"limit"`
	DefaultSlots int    `json:"default_slots" mapstructure:"default_slots"`
}

// Backend represents one inference endpoint and its slot occupancy
type Backend struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	Role       string        `json:"role,omitempty"`
	Online     bool          `json:"online"`
	TotalSlots int           `json:"total_slots"`
	Slots      []Slot        `json:"slots"`
	Limit      int           `json:"limit"`
	Circuit    CircuitHealth `json:"circuit"`

	// ObservedAt is when the poll that produced this view was issued.
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// BusySlots returns the number of slots currently processing
func (b Backend) BusySlots() int {
	n := 0
	for _, s := range b.Slots {
		if s.Busy() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the backend
func (b Backend) Clone() Backend {
	out := b
	if b.Slots != nil {
		out.Slots = make([]Slot, len(b.Slots))
		copy(out.Slots, b.Slots)
	}
	return out
}

// FleetSnapshot is an immutable copy of every backend at one instant
type FleetSnapshot struct {
	Backends []Backend `json:"backends"`
	TakenAt  time.Time `json:"taken_at"`
}

// Backend returns the backend with the given id
func (s FleetSnapshot) Backend(id string) (Backend, bool) {
	for _, b := range s.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return Backend{}, false
}

// ActivityKind distinguishes the two halves of a pipeline activity
type ActivityKind string

const (
	ActivityStart ActivityKind = "start"
	ActivityEnd   ActivityKind = "end"
)

// ActivityEvent is an optimistic signal that work started or ended on a backend
type ActivityEvent struct {
	BackendID     string       `json:"backend_id"`
	Kind          ActivityKind `json:"kind"`
	CorrelationID string       `json:"correlation_id"`
}
