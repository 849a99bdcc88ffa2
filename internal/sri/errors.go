package sri

import "errors"

// Sentinel errors surfaced across package boundaries.
var (
	// ErrRunActive is returned when a start request arrives while a run is
	// already in progress. Exactly one run may be active at a time.
	ErrRunActive = errors.New("a download run is already active")

	// ErrTableNotFound means the expected results table is absent: wrong
	// page or expired session. Fatal to a run, never retried.
	ErrTableNotFound = errors.New("results table not found on page")

	// ErrInvalidArtifactType rejects unknown artifact type values.
	ErrInvalidArtifactType = errors.New("invalid artifact type")

	// ErrConfirmationArmed guards the single pending-confirmation slot
	// against double arming.
	ErrConfirmationArmed = errors.New("a download confirmation is already pending")
)
