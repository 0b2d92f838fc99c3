package domain

import "time"

// SyncStatus is the persisted outcome of the latest run.
type SyncStatus string

const (
	SyncIdle           SyncStatus = "idle"
	SyncRunning        SyncStatus = "running"
	SyncSuccess        SyncStatus = "success"
	SyncPartialFailure SyncStatus = "partial_failure"
	SyncFatal          SyncStatus = "fatal"
)

// SyncMode selects the listing window of a run.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
)

// SyncState is the per-athlete watermark record read by the UI.
type SyncState struct {
	AthleteID             int64
	LastFullSync          *time.Time
	LastIncrementalSync   *time.Time
	LastStreamSync        *time.Time
	TotalActivitiesSynced int
	Status                SyncStatus
	Error                 string
	RunID                 string
	RunStartedAt          *time.Time
	// RecomputeFrom is the earliest day whose activities changed since the training load
	// series was last extended successfully.
	RecomputeFrom *time.Time
	UpdatedAt     time.Time
}

// Running reports whether a run currently holds the athlete.
func (s SyncState) Running() bool {
	return s.Status == SyncRunning
}
