package poller

import "errors"

var (
	// ErrAlreadyRunning is returned when Start is called on a running poller
	ErrAlreadyRunning = errors.New("poller already running")

	// ErrVerifyInProgress is returned when a verification overlaps another
	ErrVerifyInProgress = errors.New("verification already in progress")
)
