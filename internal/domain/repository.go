package domain

import (
	"context"
	"time"
)

// Not-found lookups return a nil record and a nil error; callers map that to ErrNotFound.

// AthleteRepository persists athlete profiles.
type AthleteRepository interface {
	GetAthlete(ctx context.Context, athleteID int64) (*Athlete, error)
	UpsertAthlete(ctx context.Context, athlete Athlete) error
}

// TokenRepository persists OAuth credentials.
type TokenRepository interface {
	GetToken(ctx context.Context, athleteID int64) (*OAuthToken, error)
	SaveToken(ctx context.Context, token OAuthToken) error
	ListTokenHolders(ctx context.Context) ([]int64, error)
}

// ActivityCursor models the keyset pagination position for activity listings.
type ActivityCursor struct {
	StartDate time.Time
	ID        int64
}

// ActivityRepository persists canonical activities.
type ActivityRepository interface {
	// UpsertActivity returns, for an update, the local day the stored record fell on before it.
	UpsertActivity(ctx context.Context, activity Activity) (outcome UpsertOutcome, previousDay time.Time, err error)
	GetActivity(ctx context.Context, activityID int64) (*Activity, error)
	ListActivities(ctx context.Context, athleteID int64, cursor *ActivityCursor, limit int) ([]Activity, *ActivityCursor, error)
	// ActivitiesBetween returns activities whose local day falls in [from, to], ordered by local start then id.
	ActivitiesBetween(ctx context.Context, athleteID int64, from, to time.Time) ([]Activity, error)
	// ActivityDayRange returns the first and last local activity day. ok is false when there are none.
	ActivityDayRange(ctx context.Context, athleteID int64) (first, last time.Time, ok bool, err error)
	CountActivities(ctx context.Context, athleteID int64) (int, error)
	UpdateStress(ctx context.Context, activityID int64, score, intensity float64, method StressMethod) error
	// ActivitiesMissingStreams returns activities started at or after since that have no stored stream, newest first.
	ActivitiesMissingStreams(ctx context.Context, athleteID int64, since time.Time, limit int) ([]Activity, error)
}

// StreamRepository persists activity streams.
type StreamRepository interface {
	UpsertStream(ctx context.Context, stream ActivityStream) error
	GetStream(ctx context.Context, activityID int64, streamType string) (*ActivityStream, error)
}

// TrainingLoadRepository persists the derived daily series.
type TrainingLoadRepository interface {
	LatestTrainingLoad(ctx context.Context, athleteID int64) (*TrainingLoadPoint, error)
	TrainingLoadsBetween(ctx context.Context, athleteID int64, from, to time.Time) ([]TrainingLoadPoint, error)
	// UpsertTrainingLoads writes points keyed by (athlete, date) and returns how many rows were inserted or changed.
	UpsertTrainingLoads(ctx context.Context, points []TrainingLoadPoint) (int, error)
}

// OutboxEvent is an integration event recorded transactionally with the sync state.
type OutboxEvent struct {
	Type      string
	AthleteID int64
	Payload   any
}

// SyncStateRepository persists watermarks and run status.
type SyncStateRepository interface {
	GetSyncState(ctx context.Context, athleteID int64) (*SyncState, error)
	// ClaimSyncRun marks the athlete running unless another run holds it and started after staleBefore.
	ClaimSyncRun(ctx context.Context, athleteID int64, runID string, startedAt, staleBefore time.Time) (bool, error)
	// MarkRecompute lowers the athlete's recompute marker to from unless it is already earlier.
	MarkRecompute(ctx context.Context, athleteID int64, from time.Time) error
	// FinishSyncRun stores the final state and its events atomically.
	FinishSyncRun(ctx context.Context, state SyncState, events ...OutboxEvent) error
}

// Store aggregates every repository the engine needs.
type Store interface {
	AthleteRepository
	TokenRepository
	ActivityRepository
	StreamRepository
	TrainingLoadRepository
	SyncStateRepository
}
