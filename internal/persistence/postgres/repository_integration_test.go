//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/events"
)

func setupRepository(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("trainingsync"),
		postgrescontainer.WithUsername("sync"),
		postgrescontainer.WithPassword("sync"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrations must be re-runnable")
	return NewRepository(pool), pool
}

func seedAthlete(t *testing.T, repo *Repository, id int64) {
	t.Helper()
	require.NoError(t, repo.UpsertAthlete(context.Background(), domain.Athlete{ID: id, Username: "rider", FTP: 250, MaxHeartRate: 190}))
}

func sampleActivity(id, athleteID int64, start time.Time) domain.Activity {
	return domain.Activity{
		ID:               id,
		AthleteID:        athleteID,
		Name:             "Morning Ride",
		Type:             "Ride",
		SportType:        "Ride",
		StartDate:        start,
		StartDateLocal:   start.Add(2 * time.Hour),
		Timezone:         "Europe/Berlin",
		Distance:         40000,
		MovingTime:       3600,
		ElapsedTime:      3700,
		AverageHeartRate: 150,
		HasHeartRate:     true,
		StressMethod:     domain.StressPending,
	}
}

func TestUpsertActivityOutcomes(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)
	seedAthlete(t, repo, 7)

	act := sampleActivity(1001, 7, time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC))

	outcome, _, err := repo.UpsertActivity(ctx, act)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, outcome)

	outcome, _, err = repo.UpsertActivity(ctx, act)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, outcome)

	require.NoError(t, repo.UpdateStress(ctx, act.ID, 80, 0.9, domain.StressHeartRate))

	act.Name = "Renamed"
	act.StartDate = act.StartDate.AddDate(0, 0, 9)
	act.StartDateLocal = act.StartDateLocal.AddDate(0, 0, 9)
	outcome, previousDay, err := repo.UpsertActivity(ctx, act)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdated, outcome)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), previousDay, "update reports the day it moved from")

	stored, err := repo.GetActivity(ctx, act.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Renamed", stored.Name)
	assert.Equal(t, 80.0, stored.StressScore, "ingestion must not reset stress")
	assert.True(t, stored.SameContent(act))

	missing, err := repo.GetActivity(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListActivitiesKeyset(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)
	seedAthlete(t, repo, 7)

	base := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	for i := int64(0); i < 5; i++ {
		_, _, err := repo.UpsertActivity(ctx, sampleActivity(2000+i, 7, base.AddDate(0, 0, int(i))))
		require.NoError(t, err)
	}

	page, next, err := repo.ListActivities(ctx, 7, nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.NotNil(t, next)
	assert.Equal(t, int64(2004), page[0].ID)

	page, next, err = repo.ListActivities(ctx, 7, next, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Nil(t, next)
	assert.Equal(t, int64(2000), page[1].ID)

	first, last, ok, err := repo.ActivityDayRange(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), first)
	assert.Equal(t, time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC), last)

	between, err := repo.ActivitiesBetween(ctx, 7, first.AddDate(0, 0, 1), first.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Len(t, between, 2)

	missing, err := repo.ActivitiesMissingStreams(ctx, 7, base.AddDate(0, 0, 3), 10)
	require.NoError(t, err)
	assert.Len(t, missing, 2)

	require.NoError(t, repo.UpsertStream(ctx, domain.ActivityStream{ActivityID: 2004, StreamType: domain.StreamWatts, Data: []byte(`[100,200]`), OriginalSize: 2, Resolution: "medium"}))
	missing, err = repo.ActivitiesMissingStreams(ctx, 7, base.AddDate(0, 0, 3), 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, int64(2003), missing[0].ID)

	stream, err := repo.GetStream(ctx, 2004, domain.StreamWatts)
	require.NoError(t, err)
	require.NotNil(t, stream)
	samples, err := stream.Floats()
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 200}, samples)
}

func TestUpsertTrainingLoadsCountsChanges(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)
	seedAthlete(t, repo, 7)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	points := []domain.TrainingLoadPoint{
		{AthleteID: 7, Date: day, DailyTSS: 100, CTL: 2.38, ATL: 14.28},
		{AthleteID: 7, Date: day.AddDate(0, 0, 1), CTL: 2.32, ATL: 12.24, TSB: -11.9},
	}

	n, err := repo.UpsertTrainingLoads(ctx, points)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.UpsertTrainingLoads(ctx, points)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	points[1].DailyTSS = 30
	n, err = repo.UpsertTrainingLoads(ctx, points)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := repo.LatestTrainingLoad(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Date.Equal(day.AddDate(0, 0, 1)))
	assert.Equal(t, 30.0, latest.DailyTSS)
}

func TestClaimAndFinishSyncRun(t *testing.T) {
	ctx := context.Background()
	repo, pool := setupRepository(t)
	seedAthlete(t, repo, 7)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first := uuid.NewString()

	ok, err := repo.ClaimSyncRun(ctx, 7, first, now, now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.ClaimSyncRun(ctx, 7, uuid.NewString(), now.Add(time.Minute), now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second claim while running must fail")

	ok, err = repo.ClaimSyncRun(ctx, 7, uuid.NewString(), now.Add(3*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "stale run is taken over")

	state := domain.SyncState{
		AthleteID:             7,
		LastIncrementalSync:   &now,
		LastFullSync:          &now,
		TotalActivitiesSynced: 3,
		Status:                domain.SyncSuccess,
		RunID:                 first,
	}
	evt := domain.OutboxEvent{Type: events.TypeSyncCompleted, AthleteID: 7, Payload: events.SyncCompleted{AthleteID: 7, RunID: first, Status: "success"}}
	require.NoError(t, repo.FinishSyncRun(ctx, state, evt))
	require.NoError(t, repo.FinishSyncRun(ctx, state, evt))

	stored, err := repo.GetSyncState(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.SyncSuccess, stored.Status)
	assert.Equal(t, 3, stored.TotalActivitiesSynced)
	require.NotNil(t, stored.LastIncrementalSync)
	assert.True(t, stored.LastIncrementalSync.Equal(now))
	assert.Nil(t, stored.LastStreamSync)

	assert.Nil(t, stored.RecomputeFrom)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE event_type=$1`, events.TypeSyncCompleted).Scan(&count))
	assert.Equal(t, 1, count, "outbox rows are deduplicated per run")
}

func TestMarkRecomputeKeepsEarliestDay(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)
	seedAthlete(t, repo, 7)

	jan10 := time.Date(2024, 1, 10, 18, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkRecompute(ctx, 7, jan10))
	require.NoError(t, repo.MarkRecompute(ctx, 7, jan10.AddDate(0, 0, 5)))
	require.NoError(t, repo.MarkRecompute(ctx, 7, jan10.AddDate(0, 0, -8)))

	stored, err := repo.GetSyncState(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.RecomputeFrom)
	assert.Equal(t, "2024-01-02", stored.RecomputeFrom.Format("2006-01-02"))

	stored.Status = domain.SyncSuccess
	stored.RecomputeFrom = nil
	require.NoError(t, repo.FinishSyncRun(ctx, *stored))

	stored, err = repo.GetSyncState(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, stored.RecomputeFrom, "a finished run clears the marker")
}

func TestTokensRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)
	seedAthlete(t, repo, 7)

	tok := domain.OAuthToken{AthleteID: 7, AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second), Scope: "read"}
	require.NoError(t, repo.SaveToken(ctx, tok))
	tok.AccessToken = "a2"
	require.NoError(t, repo.SaveToken(ctx, tok))

	got, err := repo.GetToken(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a2", got.AccessToken)

	holders, err := repo.ListTokenHolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, holders)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
