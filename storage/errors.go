package storage

import "errors"

// Storage error constants
var (
	// ErrNotFound is a generic "not found" error
	ErrNotFound = errors.New("not found")

	// ErrJobNotFound is returned when a job id is unknown to the runner
	ErrJobNotFound = errors.New("job not found")

	// ErrDetectionNotFound is returned when a detection is not found
	ErrDetectionNotFound = errors.New("detection not found")

	// ErrInvalidStatus is returned for a detection status outside new/ack/muted
	ErrInvalidStatus = errors.New("invalid detection status")

	// ErrInvalidSource is returned when a query names a source other than live or sample
	ErrInvalidSource = errors.New("invalid source")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)
