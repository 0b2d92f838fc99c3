// Package memory provides an in-process implementation of every engine repository for local
// development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/trainingsync/internal/domain"
)

type streamKey struct {
	activityID int64
	streamType string
}

type loadKey struct {
	athleteID int64
	date      time.Time
}

// Store keeps all state in maps guarded by one RWMutex.
type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	athletes   map[int64]domain.Athlete
	tokens     map[int64]domain.OAuthToken
	activities map[int64]domain.Activity
	streams    map[streamKey]domain.ActivityStream
	loads      map[loadKey]domain.TrainingLoadPoint
	syncStates map[int64]domain.SyncState
	events     []domain.OutboxEvent
}

var _ domain.Store = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		athletes:   make(map[int64]domain.Athlete),
		tokens:     make(map[int64]domain.OAuthToken),
		activities: make(map[int64]domain.Activity),
		streams:    make(map[streamKey]domain.ActivityStream),
		loads:      make(map[loadKey]domain.TrainingLoadPoint),
		syncStates: make(map[int64]domain.SyncState),
	}
}

// WithNow overrides the bookkeeping timestamp source.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) GetAthlete(_ context.Context, athleteID int64) (*domain.Athlete, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.athletes[athleteID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) UpsertAthlete(_ context.Context, athlete domain.Athlete) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.athletes[athlete.ID]; ok {
		athlete.CreatedAt = existing.CreatedAt
	} else {
		athlete.CreatedAt = now
	}
	athlete.UpdatedAt = now
	s.athletes[athlete.ID] = athlete
	return nil
}

func (s *Store) GetToken(_ context.Context, athleteID int64) (*domain.OAuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[athleteID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) SaveToken(_ context.Context, token domain.OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.AthleteID] = token
	return nil
}

func (s *Store) ListTokenHolders(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.tokens))
	for id := range s.tokens {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) UpsertActivity(_ context.Context, activity domain.Activity) (domain.UpsertOutcome, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	existing, ok := s.activities[activity.ID]
	if !ok {
		activity.CreatedAt = now
		activity.UpdatedAt = now
		s.activities[activity.ID] = activity
		return domain.OutcomeCreated, time.Time{}, nil
	}
	if existing.SameContent(activity) {
		return domain.OutcomeUnchanged, time.Time{}, nil
	}
	activity.CreatedAt = existing.CreatedAt
	activity.UpdatedAt = now
	activity.StressScore = existing.StressScore
	activity.IntensityFactor = existing.IntensityFactor
	activity.StressMethod = existing.StressMethod
	s.activities[activity.ID] = activity
	return domain.OutcomeUpdated, existing.Day(), nil
}

func (s *Store) GetActivity(_ context.Context, activityID int64) (*domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activities[activityID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// athleteActivities returns the athlete's activities ordered by start date then id.
func (s *Store) athleteActivities(athleteID int64) []domain.Activity {
	var out []domain.Activity
	for _, a := range s.activities {
		if a.AthleteID == athleteID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) ListActivities(_ context.Context, athleteID int64, cursor *domain.ActivityCursor, limit int) ([]domain.Activity, *domain.ActivityCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.athleteActivities(athleteID)
	// newest first
	var page []domain.Activity
	for i := len(all) - 1; i >= 0; i-- {
		a := all[i]
		if cursor != nil {
			if a.StartDate.After(cursor.StartDate) || (a.StartDate.Equal(cursor.StartDate) && a.ID >= cursor.ID) {
				continue
			}
		}
		page = append(page, a)
		if len(page) > limit {
			break
		}
	}
	var next *domain.ActivityCursor
	if len(page) > limit {
		page = page[:limit]
		last := page[len(page)-1]
		next = &domain.ActivityCursor{StartDate: last.StartDate, ID: last.ID}
	}
	return page, next, nil
}

func (s *Store) ActivitiesBetween(_ context.Context, athleteID int64, from, to time.Time) ([]domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Activity
	for _, a := range s.activities {
		if a.AthleteID != athleteID {
			continue
		}
		d := a.Day()
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDateLocal.Equal(out[j].StartDateLocal) {
			return out[i].StartDateLocal.Before(out[j].StartDateLocal)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ActivityDayRange(_ context.Context, athleteID int64) (time.Time, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first, last time.Time
	found := false
	for _, a := range s.activities {
		if a.AthleteID != athleteID {
			continue
		}
		d := a.Day()
		if !found || d.Before(first) {
			first = d
		}
		if !found || d.After(last) {
			last = d
		}
		found = true
	}
	return first, last, found, nil
}

func (s *Store) CountActivities(_ context.Context, athleteID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.activities {
		if a.AthleteID == athleteID {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateStress(_ context.Context, activityID int64, score, intensity float64, method domain.StressMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[activityID]
	if !ok {
		return domain.ErrNotFound
	}
	a.StressScore = score
	a.IntensityFactor = intensity
	a.StressMethod = method
	s.activities[activityID] = a
	return nil
}

func (s *Store) ActivitiesMissingStreams(_ context.Context, athleteID int64, since time.Time, limit int) ([]domain.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	has := make(map[int64]bool)
	for k := range s.streams {
		has[k.activityID] = true
	}
	all := s.athleteActivities(athleteID)
	var out []domain.Activity
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		a := all[i]
		if a.StartDate.Before(since) {
			break
		}
		if !has[a.ID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) UpsertStream(_ context.Context, stream domain.ActivityStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey{stream.ActivityID, stream.StreamType}
	if existing, ok := s.streams[key]; ok {
		stream.CreatedAt = existing.CreatedAt
	} else {
		stream.CreatedAt = s.now()
	}
	s.streams[key] = stream
	return nil
}

func (s *Store) GetStream(_ context.Context, activityID int64, streamType string) (*domain.ActivityStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[streamKey{activityID, streamType}]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// Streams returns every stored channel of an activity, ordered by name.
func (s *Store) Streams(activityID int64) []domain.ActivityStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ActivityStream
	for k, st := range s.streams {
		if k.activityID == activityID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamType < out[j].StreamType })
	return out
}

func (s *Store) LatestTrainingLoad(_ context.Context, athleteID int64) (*domain.TrainingLoadPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.TrainingLoadPoint
	for k, p := range s.loads {
		if k.athleteID != athleteID {
			continue
		}
		if latest == nil || p.Date.After(latest.Date) {
			p := p
			latest = &p
		}
	}
	return latest, nil
}

func (s *Store) TrainingLoadsBetween(_ context.Context, athleteID int64, from, to time.Time) ([]domain.TrainingLoadPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TrainingLoadPoint
	for k, p := range s.loads {
		if k.athleteID != athleteID || p.Date.Before(from) || p.Date.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) UpsertTrainingLoads(_ context.Context, points []domain.TrainingLoadPoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, p := range points {
		key := loadKey{p.AthleteID, domain.Day(p.Date)}
		if existing, ok := s.loads[key]; ok && existing.Equal(p) {
			continue
		}
		s.loads[key] = p
		changed++
	}
	return changed, nil
}

func (s *Store) GetSyncState(_ context.Context, athleteID int64) (*domain.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.syncStates[athleteID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *Store) ClaimSyncRun(_ context.Context, athleteID int64, runID string, startedAt, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.syncStates[athleteID]
	if !ok {
		st = domain.SyncState{AthleteID: athleteID}
	}
	if st.Running() && st.RunStartedAt != nil && st.RunStartedAt.After(staleBefore) {
		return false, nil
	}
	st.Status = domain.SyncRunning
	st.RunID = runID
	st.RunStartedAt = &startedAt
	st.UpdatedAt = startedAt
	s.syncStates[athleteID] = st
	return true, nil
}

func (s *Store) MarkRecompute(_ context.Context, athleteID int64, from time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.syncStates[athleteID]
	if !ok {
		st = domain.SyncState{AthleteID: athleteID, Status: domain.SyncIdle}
	}
	from = domain.Day(from)
	if st.RecomputeFrom == nil || from.Before(*st.RecomputeFrom) {
		st.RecomputeFrom = &from
	}
	s.syncStates[athleteID] = st
	return nil
}

func (s *Store) FinishSyncRun(_ context.Context, state domain.SyncState, events ...domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = s.now()
	s.syncStates[state.AthleteID] = state
	s.events = append(s.events, events...)
	return nil
}

// Events returns the outbox events recorded so far.
func (s *Store) Events() []domain.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.OutboxEvent(nil), s.events...)
}
