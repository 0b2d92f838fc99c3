package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/trainingsync/internal/auth"
	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/syncer"
)

var apiNow = time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

type stubSync struct {
	triggered []domain.SyncMode
	runID     string
	err       error
	state     domain.SyncState
	stateErr  error
	points    []domain.TrainingLoadPoint
	from, to  time.Time
}

func (s *stubSync) Trigger(_ context.Context, _ int64, mode domain.SyncMode) (string, error) {
	s.triggered = append(s.triggered, mode)
	return s.runID, s.err
}

func (s *stubSync) State(context.Context, int64) (domain.SyncState, error) {
	return s.state, s.stateErr
}

func (s *stubSync) TrainingLoad(_ context.Context, _ int64, from, to time.Time) ([]domain.TrainingLoadPoint, error) {
	s.from, s.to = from, to
	return s.points, nil
}

type stubActivities struct {
	items  []domain.Activity
	next   *domain.ActivityCursor
	cursor *domain.ActivityCursor
	limit  int
}

func (s *stubActivities) ListActivities(_ context.Context, _ int64, cursor *domain.ActivityCursor, limit int) ([]domain.Activity, *domain.ActivityCursor, error) {
	s.cursor, s.limit = cursor, limit
	return s.items, s.next, nil
}

type stubConnector struct {
	athlete domain.Athlete
	err     error
	code    string
}

func (s *stubConnector) Connect(_ context.Context, code string) (domain.Athlete, error) {
	s.code = code
	return s.athlete, s.err
}

type fixture struct {
	sync       *stubSync
	activities *stubActivities
	connector  *stubConnector
	mux        *http.ServeMux
}

func newFixture() *fixture {
	f := &fixture{sync: &stubSync{runID: "run-1"}, activities: &stubActivities{}, connector: &stubConnector{}}
	h := NewHandler(f.sync, f.activities, f.connector)
	h.now = func() time.Time { return apiNow }
	f.mux = http.NewServeMux()
	h.RegisterRoutes(f.mux)
	return f
}

func claimsFor(athleteID int64, scopes ...string) *auth.Claims {
	c := &auth.Claims{Subject: "tester", AthleteID: athleteID, Scopes: map[string]struct{}{}, ExpiresAt: apiNow.Add(time.Hour)}
	for _, s := range scopes {
		c.Scopes[s] = struct{}{}
	}
	return c
}

func (f *fixture) do(method, target, body string, claims *auth.Claims) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if claims != nil {
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestTriggerSync(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/v1/athletes/7/sync?mode=full", "", claimsFor(7, auth.ScopeSyncWrite))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[TriggerSyncResponse](t, rec)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, []domain.SyncMode{domain.SyncFull}, f.sync.triggered)

	rec = f.do(http.MethodPost, "/v1/athletes/7/sync", "", claimsFor(7, auth.ScopeSyncWrite))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, syncer.SyncAuto, f.sync.triggered[1])

	rec = f.do(http.MethodPost, "/v1/athletes/7/sync?mode=sideways", "", claimsFor(7, auth.ScopeSyncWrite))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.sync.err = domain.ErrSyncInProgress
	rec = f.do(http.MethodPost, "/v1/athletes/7/sync", "", claimsFor(7, auth.ScopeSyncWrite))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthorization(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/v1/athletes/7/sync", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/v1/athletes/7/sync", "", claimsFor(7, auth.ScopeSyncRead))
	assert.Equal(t, http.StatusForbidden, rec.Code, "read scope cannot trigger")

	rec = f.do(http.MethodGet, "/v1/athletes/8/sync", "", claimsFor(7, auth.ScopeSyncRead))
	assert.Equal(t, http.StatusForbidden, rec.Code, "other athlete")

	rec = f.do(http.MethodGet, "/v1/athletes/abc/sync", "", claimsFor(7, auth.ScopeSyncRead))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/v1/athletes/8/sync", "", claimsFor(0, auth.ScopeAdmin))
	assert.Equal(t, http.StatusOK, rec.Code, "admins reach every athlete")
}

func TestSyncState(t *testing.T) {
	f := newFixture()
	last := apiNow.Add(-time.Hour)
	f.sync.state = domain.SyncState{AthleteID: 7, Status: domain.SyncPartialFailure, Error: "list page 3: upstream unavailable", LastIncrementalSync: &last, TotalActivitiesSynced: 100}

	rec := f.do(http.MethodGet, "/v1/athletes/7/sync", "", claimsFor(7, auth.ScopeSyncRead))
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[SyncStateView](t, rec)
	assert.Equal(t, "partial_failure", view.Status)
	assert.Equal(t, "list page 3: upstream unavailable", view.Error)
	assert.Equal(t, 100, view.TotalActivitiesSynced)
	require.NotNil(t, view.LastIncrementalSync)
	assert.Nil(t, view.LastFullSync)

	f.sync.stateErr = domain.ErrNotFound
	rec = f.do(http.MethodGet, "/v1/athletes/7/sync", "", claimsFor(7, auth.ScopeSyncRead))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.sync.stateErr = errors.New("pool exhausted")
	rec = f.do(http.MethodGet, "/v1/athletes/7/sync", "", claimsFor(7, auth.ScopeSyncRead))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pool exhausted")
}

func TestTrainingLoadRange(t *testing.T) {
	f := newFixture()
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f.sync.points = []domain.TrainingLoadPoint{{AthleteID: 7, Date: day, DailyTSS: 80, CTL: 40, ATL: 55, TSB: -15, ActivityCount: 1}}

	rec := f.do(http.MethodGet, "/v1/athletes/7/training-load?from=2026-06-01&to=2026-06-10", "", claimsFor(7, auth.ScopeSyncRead))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[TrainingLoadResponse](t, rec)
	require.Len(t, resp.Points, 1)
	assert.Equal(t, "2026-06-01", resp.Points[0].Date)
	assert.Equal(t, -15.0, resp.Points[0].TSB)
	assert.Equal(t, day, f.sync.from)

	rec = f.do(http.MethodGet, "/v1/athletes/7/training-load", "", claimsFor(7, auth.ScopeSyncRead))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC), f.sync.to)
	assert.Equal(t, time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC), f.sync.from, "defaults to the last 90 days")

	for _, q := range []string{"from=June", "to=2026-13-01", "from=2026-06-10&to=2026-06-01", "from=2020-01-01&to=2026-01-01"} {
		rec = f.do(http.MethodGet, "/v1/athletes/7/training-load?"+q, "", claimsFor(7, auth.ScopeSyncRead))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListActivitiesPaginates(t *testing.T) {
	f := newFixture()
	start := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)
	f.activities.items = []domain.Activity{{ID: 11, Name: "Tempo", StartDate: start, StressScore: 72, StressMethod: domain.StressPower}}
	f.activities.next = &domain.ActivityCursor{StartDate: start, ID: 11}

	rec := f.do(http.MethodGet, "/v1/athletes/7/activities?limit=500", "", claimsFor(7, auth.ScopeSyncRead))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListActivitiesResponse](t, rec)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "power", resp.Items[0].StressMethod)
	assert.Equal(t, maxPageSize, f.activities.limit)
	require.NotEmpty(t, resp.NextCursor)

	rec = f.do(http.MethodGet, "/v1/athletes/7/activities?cursor="+resp.NextCursor, "", claimsFor(7, auth.ScopeSyncRead))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.activities.cursor)
	assert.Equal(t, int64(11), f.activities.cursor.ID)
	assert.Equal(t, defaultPageSize, f.activities.limit)

	rec = f.do(http.MethodGet, "/v1/athletes/7/activities?cursor=not-a-cursor", "", claimsFor(7, auth.ScopeSyncRead))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExchangeConnectsAndStartsSync(t *testing.T) {
	f := newFixture()
	f.connector.athlete = domain.Athlete{ID: 7, Username: "rider"}

	rec := f.do(http.MethodPost, "/v1/oauth/exchange", `{"code":"abc"}`, claimsFor(0, auth.ScopeConnect))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[ExchangeResponse](t, rec)
	assert.Equal(t, int64(7), resp.AthleteID)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "abc", f.connector.code)
	assert.Equal(t, []domain.SyncMode{syncer.SyncAuto}, f.sync.triggered)

	rec = f.do(http.MethodPost, "/v1/oauth/exchange", `{"code":""}`, claimsFor(0, auth.ScopeConnect))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/oauth/exchange", `{"code":"abc"}`, claimsFor(7, auth.ScopeSyncRead))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.connector.err = domain.ErrAuthExpired
	rec = f.do(http.MethodPost, "/v1/oauth/exchange", `{"code":"used"}`, claimsFor(0, auth.ScopeConnect))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthz(t *testing.T) {
	rec := newFixture().do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
