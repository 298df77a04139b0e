package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrJobActive signals that a job ID is already being processed.
	ErrJobActive = errors.New("job already active")
	// ErrJobStillRunning signals a result read for a job that has not finished.
	ErrJobStillRunning = errors.New("job still running")
)
