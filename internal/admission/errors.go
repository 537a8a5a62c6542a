package admission

import "errors"

var (
	// ErrInvalidConfig is returned when gate bounds are inconsistent
	ErrInvalidConfig = errors.New("invalid admission config")

	// ErrInvalidPriority is returned when an unknown priority class is requested
	ErrInvalidPriority = errors.New("invalid priority class")
)
