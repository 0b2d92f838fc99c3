package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/events"
	"example.com/trainingsync/internal/persistence/memory"
	"example.com/trainingsync/internal/upstream"
)

const athlete = int64(7)

var (
	firstDay = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	syncNow  = firstDay.AddDate(0, 0, 120).Add(20 * time.Hour)
)

func ptr[T any](v T) *T { return &v }

func ride(id int64, start time.Time) upstream.RawActivity {
	return upstream.RawActivity{
		ID:             id,
		Athlete:        upstream.RawRef{ID: athlete},
		Name:           ptr(fmt.Sprintf("Ride %d", id)),
		Type:           ptr("Ride"),
		StartDate:      start.UTC().Format(time.RFC3339),
		StartDateLocal: start.Add(time.Hour).UTC().Format(time.RFC3339),
		MovingTime:     ptr(3600),
		ElapsedTime:    ptr(3700),
	}
}

// history returns n daily rides in ascending order, the first on firstDay.
func history(n int) []upstream.RawActivity {
	out := make([]upstream.RawActivity, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ride(int64(1000+i), firstDay.AddDate(0, 0, i).Add(6*time.Hour)))
	}
	return out
}

func startOf(t *testing.T, raw upstream.RawActivity) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, raw.StartDate)
	require.NoError(t, err)
	return ts.UTC()
}

type fakeAPI struct {
	mu          sync.Mutex
	activities  []upstream.RawActivity
	authErr     error
	listErr     map[int]error
	streams     map[string]upstream.RawStream
	streamErr   error
	onList      func(page int)
	afters      []time.Time
	streamCalls []int64
	profile     upstream.RawAthlete
	profiles    int
}

func (f *fakeAPI) Authorize(context.Context) error { return f.authErr }

func (f *fakeAPI) GetAthlete(context.Context) (upstream.RawAthlete, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles++
	return f.profile, nil
}

func (f *fakeAPI) ListActivities(ctx context.Context, p upstream.ListParams) ([]upstream.RawActivity, error) {
	if f.onList != nil {
		f.onList(p.Page)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afters = append(f.afters, p.After)
	if err := f.listErr[p.Page]; err != nil {
		return nil, err
	}
	var matching []upstream.RawActivity
	for _, a := range f.activities {
		ts, _ := time.Parse(time.RFC3339, a.StartDate)
		if ts.After(p.After) {
			matching = append(matching, a)
		}
	}
	lo := (p.Page - 1) * p.PerPage
	if lo >= len(matching) {
		return nil, nil
	}
	hi := lo + p.PerPage
	if hi > len(matching) {
		hi = len(matching)
	}
	return matching[lo:hi], nil
}

func (f *fakeAPI) GetStreams(_ context.Context, id int64, _ []string, _ string) (map[string]upstream.RawStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCalls = append(f.streamCalls, id)
	return f.streams, f.streamErr
}

type fakeSessions struct{ api API }

func (s fakeSessions) Open(int64) API { return s.api }

// failingStore fails to store one activity id.
type failingStore struct {
	*memory.Store
	failOn int64
}

func (s failingStore) UpsertActivity(ctx context.Context, a domain.Activity) (domain.UpsertOutcome, time.Time, error) {
	if a.ID == s.failOn {
		return 0, time.Time{}, errors.New("connection reset")
	}
	return s.Store.UpsertActivity(ctx, a)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StreamLimit = 0
	return cfg
}

func newOrchestrator(store domain.Store, api *fakeAPI, clk clock.Clock, cfg Config) *Orchestrator {
	return NewOrchestrator(store, fakeSessions{api: api}, clk, cfg)
}

func TestFullSyncBuildsContiguousTrainingLoad(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	api := &fakeAPI{activities: history(120), profile: upstream.RawAthlete{ID: athlete, Username: "rider", FTP: ptr(260)}}
	o := newOrchestrator(store, api, clock.NewFake(syncNow), testConfig())

	rep, err := o.Run(ctx, athlete, SyncAuto)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncFull, rep.Mode)
	assert.Equal(t, domain.SyncSuccess, rep.Status)
	assert.Equal(t, 120, rep.Activities.Created)
	assert.Len(t, api.afters, 3, "two full pages and a short one")
	assert.Equal(t, time.Unix(0, 0).UTC(), api.afters[0])
	assert.Equal(t, 1, api.profiles)

	prof, err := store.GetAthlete(ctx, athlete)
	require.NoError(t, err)
	require.NotNil(t, prof)
	assert.Equal(t, 260, prof.FTP)

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSuccess, st.Status)
	assert.Equal(t, 120, st.TotalActivitiesSynced)
	require.NotNil(t, st.LastFullSync)
	require.NotNil(t, st.LastIncrementalSync)
	assert.True(t, st.LastFullSync.Equal(syncNow))
	assert.True(t, st.LastIncrementalSync.Equal(syncNow))
	assert.Empty(t, st.Error)

	points, err := o.TrainingLoad(ctx, athlete, firstDay, syncNow)
	require.NoError(t, err)
	require.Len(t, points, 121)
	for i, p := range points {
		assert.True(t, p.Date.Equal(firstDay.AddDate(0, 0, i)), "day %d", i)
	}
	assert.Equal(t, 121, rep.PointsWritten)

	evts := store.Events()
	require.Len(t, evts, 2)
	assert.Equal(t, events.TypeSyncCompleted, evts[0].Type)
	done := evts[0].Payload.(events.SyncCompleted)
	assert.Equal(t, rep.RunID, done.RunID)
	assert.Equal(t, 120, done.TotalActivities)
	assert.Equal(t, events.TypeTrainingLoadExtended, evts[1].Type)
	ext := evts[1].Payload.(events.TrainingLoadExtended)
	assert.Equal(t, "2026-01-01", ext.From)
	assert.Len(t, ext.Points, 121)
}

func TestIncrementalSyncListsFromWatermarkMinusOverlap(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewFake(syncNow)
	api := &fakeAPI{activities: history(120)}
	o := newOrchestrator(store, api, clk, testConfig())

	_, err := o.Run(ctx, athlete, domain.SyncFull)
	require.NoError(t, err)

	// uploaded late: it started before the previous run but was not listed by it
	clk.Advance(24 * time.Hour)
	api.activities = append(api.activities, ride(5000, syncNow.Add(-2*time.Hour)))
	api.afters = nil

	rep, err := o.Run(ctx, athlete, SyncAuto)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncIncremental, rep.Mode)
	require.NotEmpty(t, api.afters)
	assert.Equal(t, syncNow.Add(-24*time.Hour), api.afters[0])
	assert.Equal(t, 1, rep.Activities.Created, "the overlap catches late uploads")
	assert.Equal(t, 0, rep.Activities.Updated)

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	assert.True(t, st.LastIncrementalSync.Equal(syncNow.Add(24*time.Hour)))
	assert.True(t, st.LastFullSync.Equal(syncNow), "incremental runs leave the full watermark alone")
	assert.Equal(t, 121, st.TotalActivitiesSynced)
}

func TestIngestFailureOnThirdPageKeepsPartialWatermark(t *testing.T) {
	ctx := context.Background()
	acts := history(120)
	store := failingStore{Store: memory.NewStore(), failOn: acts[101].ID}
	api := &fakeAPI{activities: acts}
	o := newOrchestrator(store, api, clock.NewFake(syncNow), testConfig())

	rep, err := o.Run(ctx, athlete, domain.SyncFull)
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.Equal(t, domain.SyncPartialFailure, rep.Status)
	assert.Equal(t, 101, rep.Activities.Created)

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPartialFailure, st.Status)
	assert.Contains(t, st.Error, "ingest page 3")
	assert.Nil(t, st.LastFullSync)
	require.NotNil(t, st.LastIncrementalSync)
	assert.True(t, st.LastIncrementalSync.Equal(startOf(t, acts[100])), "watermark is the first record of the failed page")
}

func TestListingFailureResumesFromCommittedPages(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewFake(syncNow)
	acts := history(120)
	api := &fakeAPI{activities: acts, listErr: map[int]error{3: fmt.Errorf("%w: status 503", domain.ErrUpstreamUnavailable)}}
	o := newOrchestrator(store, api, clk, testConfig())

	rep, err := o.Run(ctx, athlete, SyncAuto)
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, domain.SyncPartialFailure, rep.Status)
	assert.Equal(t, 100, rep.Activities.Created)

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	require.NotNil(t, st.LastIncrementalSync)
	assert.True(t, st.LastIncrementalSync.Equal(startOf(t, acts[99])))

	// committed pages already produced training load
	points, err := o.TrainingLoad(ctx, athlete, firstDay, firstDay.AddDate(0, 0, 99))
	require.NoError(t, err)
	assert.Len(t, points, 100)

	api.listErr = nil
	api.afters = nil
	clk.Advance(time.Hour)
	rep, err = o.Run(ctx, athlete, SyncAuto)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncIncremental, rep.Mode)
	assert.Equal(t, startOf(t, acts[99]).Add(-24*time.Hour), api.afters[0])
	assert.Equal(t, 20, rep.Activities.Created)

	st, err = o.State(ctx, athlete)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSuccess, st.Status)
	assert.Equal(t, 120, st.TotalActivitiesSynced)
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewFake(syncNow)
	api := &fakeAPI{activities: history(60)}
	o := newOrchestrator(store, api, clk, testConfig())

	_, err := o.Run(ctx, athlete, domain.SyncFull)
	require.NoError(t, err)

	// a full resync that fails early must not rewind the incremental watermark
	api.listErr = map[int]error{2: domain.ErrRateLimited}
	clk.Advance(time.Hour)
	rep, err := o.Run(ctx, athlete, domain.SyncFull)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.SyncPartialFailure, rep.Status)

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	assert.True(t, st.LastIncrementalSync.Equal(syncNow))
	assert.True(t, st.LastFullSync.Equal(syncNow))
}

func TestAuthExpiredIsFatal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	api := &fakeAPI{activities: history(3), authErr: fmt.Errorf("%w: refresh token revoked", domain.ErrAuthExpired)}
	o := newOrchestrator(store, api, clock.NewFake(syncNow), testConfig())

	rep, err := o.Run(ctx, athlete, SyncAuto)
	require.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.Equal(t, domain.SyncFatal, rep.Status)
	assert.Empty(t, api.afters, "no listing without a token")

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncFatal, st.Status)
	assert.Contains(t, st.Error, "refresh token revoked")
	assert.Nil(t, st.LastIncrementalSync)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	api := &fakeAPI{activities: history(3)}
	var once sync.Once
	api.onList = func(int) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	o := newOrchestrator(store, api, clock.NewFake(syncNow), testConfig())

	runID, err := o.Trigger(ctx, athlete, SyncAuto)
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	<-entered

	_, err = o.Run(ctx, athlete, SyncAuto)
	require.ErrorIs(t, err, domain.ErrSyncInProgress)
	_, err = o.Trigger(ctx, athlete, domain.SyncFull)
	require.ErrorIs(t, err, domain.ErrSyncInProgress)

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncRunning, st.Status)
	assert.Equal(t, runID, st.RunID)

	close(release)
	o.wg.Wait()

	st, err = o.State(ctx, athlete)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSuccess, st.Status)
}

func TestClaimHeldByAnotherProcessIsRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	started := syncNow.Add(-10 * time.Minute)
	ok, err := store.ClaimSyncRun(ctx, athlete, "other-process", started, started.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	clk := clock.NewFake(syncNow)
	o := newOrchestrator(store, &fakeAPI{activities: history(3)}, clk, testConfig())
	_, err = o.Run(ctx, athlete, SyncAuto)
	require.ErrorIs(t, err, domain.ErrSyncInProgress)

	// a run older than the stale threshold is taken over
	clk.Advance(3 * time.Hour)
	rep, err := o.Run(ctx, athlete, SyncAuto)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSuccess, rep.Status)
}

func TestCancellationStopsBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := memory.NewStore()
	acts := history(120)
	api := &fakeAPI{activities: acts}
	api.onList = func(page int) {
		if page == 2 {
			cancel()
		}
	}
	o := newOrchestrator(store, api, clock.NewFake(syncNow), testConfig())

	rep, err := o.Run(ctx, athlete, domain.SyncFull)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.SyncPartialFailure, rep.Status)
	assert.Equal(t, 100, rep.Activities.Created, "the page in flight completes")
	assert.Len(t, api.afters, 2)

	st, err := o.State(context.Background(), athlete)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPartialFailure, st.Status)
	assert.Equal(t, "sync cancelled", st.Error)
	assert.True(t, st.LastIncrementalSync.Equal(startOf(t, acts[99])))
}

func TestCancelledRunLeavesDaysForNextRun(t *testing.T) {
	store := memory.NewStore()
	api := &fakeAPI{activities: history(10)}
	cfg := testConfig()
	cfg.PageSize = 2
	o := newOrchestrator(store, api, clock.NewFake(syncNow), cfg)
	today := domain.Day(syncNow)

	_, err := o.Run(context.Background(), athlete, domain.SyncFull)
	require.NoError(t, err)

	api.activities = append(api.activities, ride(5001, syncNow.Add(-3*time.Hour)), ride(5002, syncNow.Add(-2*time.Hour)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api.onList = func(page int) {
		if page == 1 {
			cancel()
		}
	}

	rep, err := o.Run(ctx, athlete, SyncAuto)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.SyncPartialFailure, rep.Status)
	assert.Equal(t, 2, rep.Activities.Created)
	assert.Zero(t, rep.PointsWritten)

	st, err := o.State(context.Background(), athlete)
	require.NoError(t, err)
	require.NotNil(t, st.RecomputeFrom)
	assert.True(t, st.RecomputeFrom.Equal(today))

	api.onList = nil
	rep, err = o.Run(context.Background(), athlete, SyncAuto)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSuccess, rep.Status)
	assert.Equal(t, 2, rep.Activities.Unchanged)
	assert.Zero(t, rep.Activities.Created)

	points, err := o.TrainingLoad(context.Background(), athlete, today, today)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].ActivityCount)
	assert.Greater(t, points[0].DailyTSS, 0.0)

	st, err = o.State(context.Background(), athlete)
	require.NoError(t, err)
	assert.Nil(t, st.RecomputeFrom)
}

// flakyLoadStore fails training load writes while fail is set.
type flakyLoadStore struct {
	*memory.Store
	fail bool
}

func (s *flakyLoadStore) UpsertTrainingLoads(ctx context.Context, points []domain.TrainingLoadPoint) (int, error) {
	if s.fail {
		return 0, errors.New("disk full")
	}
	return s.Store.UpsertTrainingLoads(ctx, points)
}

func TestCalculatorFailureIsRetriedByNextRun(t *testing.T) {
	ctx := context.Background()
	store := &flakyLoadStore{Store: memory.NewStore()}
	api := &fakeAPI{activities: history(10)}
	o := newOrchestrator(store, api, clock.NewFake(syncNow), testConfig())

	_, err := o.Run(ctx, athlete, domain.SyncFull)
	require.NoError(t, err)

	day5 := firstDay.AddDate(0, 0, 5)
	api.activities = append(api.activities, ride(5000, day5.Add(12*time.Hour)))
	store.fail = true
	rep, err := o.Run(ctx, athlete, domain.SyncFull)
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.Equal(t, domain.SyncPartialFailure, rep.Status)
	assert.Equal(t, 1, rep.Activities.Created)

	store.fail = false
	rep, err = o.Run(ctx, athlete, domain.SyncFull)
	require.NoError(t, err)
	assert.Zero(t, rep.Activities.Created)

	points, err := o.TrainingLoad(ctx, athlete, day5, day5)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].ActivityCount)
}

func TestMovedActivityIsRemovedFromFormerDay(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	api := &fakeAPI{activities: history(10)}
	o := newOrchestrator(store, api, clock.NewFake(syncNow), testConfig())

	_, err := o.Run(ctx, athlete, domain.SyncFull)
	require.NoError(t, err)

	day1, day8 := firstDay.AddDate(0, 0, 1), firstDay.AddDate(0, 0, 8)
	api.activities[1] = ride(1001, day8.Add(9*time.Hour))
	rep, err := o.Run(ctx, athlete, domain.SyncFull)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Activities.Updated)

	points, err := o.TrainingLoad(ctx, athlete, day1, day8)
	require.NoError(t, err)
	require.Len(t, points, 8)
	assert.Zero(t, points[0].ActivityCount)
	assert.Zero(t, points[0].DailyTSS)
	assert.Equal(t, 2, points[7].ActivityCount)
}

func TestMalformedRecordsAreCountedNotFatal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	acts := history(5)
	acts[2].DecodeErr = errors.New("unexpected token")
	api := &fakeAPI{activities: acts}
	o := newOrchestrator(store, api, clock.NewFake(syncNow), testConfig())

	rep, err := o.Run(ctx, athlete, SyncAuto)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSuccess, rep.Status)
	assert.Equal(t, 4, rep.Activities.Created)
	assert.Equal(t, 1, rep.Activities.Skipped)

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	assert.Equal(t, "1 malformed activities skipped", st.Error)
}

func TestStreamPhaseCoversChangedAndMissing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	api := &fakeAPI{
		activities: history(120),
		streams: map[string]upstream.RawStream{
			"heartrate": {Data: []byte(`[120,125,130]`), SeriesType: "time", OriginalSize: 3, Resolution: "medium"},
		},
	}
	cfg := DefaultConfig()
	cfg.StreamLimit = 10
	o := newOrchestrator(store, api, clock.NewFake(syncNow), cfg)

	rep, err := o.Run(ctx, athlete, SyncAuto)
	require.NoError(t, err)
	assert.Equal(t, 10, rep.StreamsStored)
	require.Len(t, api.streamCalls, 10)
	assert.Equal(t, int64(1119), api.streamCalls[0], "newest changed activities first")

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	require.NotNil(t, st.LastStreamSync)

	// the next run has nothing new but backfills activities still without streams
	api.streamCalls = nil
	rep, err = o.Run(ctx, athlete, SyncAuto)
	require.NoError(t, err)
	assert.Zero(t, rep.Activities.Created)
	require.Len(t, api.streamCalls, 10)
	assert.NotContains(t, api.streamCalls, int64(1119))
	assert.Len(t, store.Streams(1109), 1)
}

func TestStreamRateLimitIsPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	api := &fakeAPI{
		activities: []upstream.RawActivity{ride(1, syncNow.Add(-48*time.Hour)), ride(2, syncNow.Add(-24*time.Hour))},
		streamErr:  fmt.Errorf("%w: window exhausted", domain.ErrRateLimited),
	}
	o := newOrchestrator(store, api, clock.NewFake(syncNow), DefaultConfig())

	rep, err := o.Run(ctx, athlete, SyncAuto)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPartialFailure, rep.Status)
	assert.Equal(t, 2, rep.Activities.Created)
	assert.Len(t, api.streamCalls, 1, "phase stops on the first rate-limit")

	st, err := o.State(ctx, athlete)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPartialFailure, st.Status)
	assert.Nil(t, st.LastStreamSync)
	assert.Contains(t, st.Error, "streams incomplete")
	assert.NotNil(t, st.LastIncrementalSync)
}

func TestStateAndTrainingLoadErrors(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(memory.NewStore(), &fakeAPI{}, clock.NewFake(syncNow), testConfig())

	_, err := o.State(ctx, 99)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = o.TrainingLoad(ctx, 99, syncNow, firstDay)
	require.Error(t, err)

	_, err = o.Run(ctx, 99, domain.SyncMode("sideways"))
	require.Error(t, err)
	assert.False(t, o.Cancel(99))
}
