package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/events"
)

type featureStore struct {
	points  []domain.TrainingLoadPoint
	written []domain.TrainingFeature
	from    time.Time
	err     error
}

func (s *featureStore) TrainingLoadsBetween(_ context.Context, athleteID int64, from, to time.Time) ([]domain.TrainingLoadPoint, error) {
	s.from = from
	var out []domain.TrainingLoadPoint
	for _, p := range s.points {
		if p.AthleteID == athleteID && !p.Date.Before(from) && !p.Date.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *featureStore) UpsertFeatures(_ context.Context, f []domain.TrainingFeature) error {
	if s.err != nil {
		return s.err
	}
	s.written = append(s.written, f...)
	return nil
}

var featureDay = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

// series returns 40 days of 10 TSS a day, ending on featureDay+39.
func series() []domain.TrainingLoadPoint {
	var out []domain.TrainingLoadPoint
	for i := 0; i < 40; i++ {
		out = append(out, domain.TrainingLoadPoint{
			AthleteID: 7, Date: featureDay.AddDate(0, 0, i), DailyTSS: 10, CTL: float64(i), ATL: float64(2 * i), TSB: float64(-i),
		})
	}
	return out
}

func TestFeaturesRollingSums(t *testing.T) {
	feats := Features(7, series(), featureDay.AddDate(0, 0, 30))
	require.Len(t, feats, 10)
	assert.Equal(t, 70.0, feats[0].Stress7d)
	assert.Equal(t, 280.0, feats[0].Stress28d)
	assert.Equal(t, 30.0, feats[0].CTL)
	assert.Equal(t, -30.0, feats[0].TSB)

	// the first days of history have shorter windows
	early := Features(7, series()[:3], featureDay)
	require.Len(t, early, 3)
	assert.Equal(t, []float64{10, 20, 30}, []float64{early[0].Stress7d, early[1].Stress7d, early[2].Stress7d})
}

func TestFeatureHandlerWritesExtendedRange(t *testing.T) {
	store := &featureStore{points: series()}
	h := NewFeatureHandler(store)

	payload, err := json.Marshal(events.TrainingLoadExtended{AthleteID: 7, RunID: "r1", From: "2026-05-01", To: "2026-05-10"})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), Message{EventType: events.TypeTrainingLoadExtended, Payload: payload}))
	assert.Equal(t, featureDay.AddDate(0, 0, 30).AddDate(0, 0, -27), store.from, "loads four weeks of context")
	require.Len(t, store.written, 10)
	assert.Equal(t, featureDay.AddDate(0, 0, 30), store.written[0].Date)
	assert.Equal(t, 280.0, store.written[9].Stress28d)
}

func TestFeatureHandlerIgnoresOtherEvents(t *testing.T) {
	store := &featureStore{points: series()}
	h := NewFeatureHandler(store)
	require.NoError(t, h.Handle(context.Background(), Message{EventType: events.TypeSyncCompleted, Payload: []byte(`{}`)}))
	assert.Empty(t, store.written)
}

func TestFeatureHandlerErrors(t *testing.T) {
	h := NewFeatureHandler(&featureStore{points: series(), err: errors.New("db down")})
	ctx := context.Background()

	require.Error(t, h.Handle(ctx, Message{EventType: events.TypeTrainingLoadExtended, Payload: []byte(`not json`)}))
	require.Error(t, h.Handle(ctx, Message{EventType: events.TypeTrainingLoadExtended, Payload: []byte(`{"athlete_id":7,"from":"May 1","to":"2026-05-10"}`)}))
	require.ErrorContains(t, h.Handle(ctx, Message{EventType: events.TypeTrainingLoadExtended, Payload: []byte(`{"athlete_id":7,"from":"2026-05-01","to":"2026-05-10"}`)}), "db down")
}
