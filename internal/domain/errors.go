// Package domain defines the canonical records, error taxonomy and storage contracts of the
// synchronization and training-load engine.
package domain

import "errors"

var (
	// ErrAuthExpired indicates the athlete has no usable refresh token and must re-authenticate.
	ErrAuthExpired = errors.New("auth expired")
	// ErrRateLimited indicates the upstream budget is exhausted or a 429 was returned.
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstreamUnavailable indicates repeated network or 5xx failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrIngestionConflict marks a malformed or contradictory upstream record.
	ErrIngestionConflict = errors.New("ingestion conflict")
	// ErrPersistenceFailure wraps storage collaborator errors.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSyncInProgress is returned when a second sync is requested for an athlete that is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// IsTransient reports whether err should end a run as a partial failure that a later run can resume.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamUnavailable)
}
