package model

import (
	"fmt"
	"time"
)

// PriorityClass represents the admission priority of an outbound call
type PriorityClass string

const (
	PriorityUrgent     PriorityClass = "urgent"
	PriorityNormal     PriorityClass = "normal"
	PriorityBackground PriorityClass = "background"
)

// PriorityClasses lists every class in dispatch order
var PriorityClasses = []PriorityClass{
	PriorityUrgent,
	PriorityNormal,
	PriorityBackground,
}

// IsUrgent reports whether the class may use reserved capacity
func (p PriorityClass) IsUrgent() bool {
	return p == PriorityUrgent
}

// ParsePriorityClass converts a string to a PriorityClass
func ParsePriorityClass(s string) (PriorityClass, error) {
	switch PriorityClass(s) {
	case PriorityUrgent, PriorityNormal, PriorityBackground:
		return PriorityClass(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("invalid priority class: %q", s)
}

// CircuitState tracks failures of one logical endpoint
type CircuitState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
	Fatal               bool      `json:"fatal"`
}

// Health derives the observer-facing circuit health at the given instant
func (c CircuitState) Health(now time.Time) CircuitHealth {
	switch {
	case c.Fatal:
		return CircuitFatal
	case c.OpenUntil.After(now):
		return CircuitOpen
	default:
		return CircuitClosed
	}
}
