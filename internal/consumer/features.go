package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/events"
)

const day = 24 * time.Hour

// FeatureStore reads the training load series and writes the derived feature view.
type FeatureStore interface {
	TrainingLoadsBetween(ctx context.Context, athleteID int64, from, to time.Time) ([]domain.TrainingLoadPoint, error)
	UpsertFeatures(ctx context.Context, features []domain.TrainingFeature) error
}

// FeatureHandler maintains training_features from training_load.extended events. Other event
// types are acknowledged without work.
type FeatureHandler struct {
	store FeatureStore
}

func NewFeatureHandler(store FeatureStore) *FeatureHandler {
	return &FeatureHandler{store: store}
}

func (h *FeatureHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeTrainingLoadExtended {
		return nil
	}

	var evt events.TrainingLoadExtended
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	from, err := time.Parse(events.DateLayout, evt.From)
	if err != nil {
		return fmt.Errorf("invalid from date %q: %w", evt.From, err)
	}
	to, err := time.Parse(events.DateLayout, evt.To)
	if err != nil {
		return fmt.Errorf("invalid to date %q: %w", evt.To, err)
	}
	if to.Before(from) {
		return nil
	}

	points, err := h.store.TrainingLoadsBetween(ctx, evt.AthleteID, from.Add(-27*day), to)
	if err != nil {
		return fmt.Errorf("load training load: %w", err)
	}
	features := Features(evt.AthleteID, points, from)
	if len(features) == 0 {
		return nil
	}
	if err := h.store.UpsertFeatures(ctx, features); err != nil {
		return fmt.Errorf("write features: %w", err)
	}
	featuresWritten.Add(float64(len(features)))
	return nil
}

// Features derives rolling 7 and 28 day stress sums for every point on or after from.
// Missing days count as zero stress.
func Features(athleteID int64, points []domain.TrainingLoadPoint, from time.Time) []domain.TrainingFeature {
	stress := make(map[time.Time]float64, len(points))
	for _, p := range points {
		stress[domain.Day(p.Date)] = p.DailyTSS
	}

	var out []domain.TrainingFeature
	for _, p := range points {
		d := domain.Day(p.Date)
		if d.Before(from) {
			continue
		}
		f := domain.TrainingFeature{AthleteID: athleteID, Date: d, CTL: p.CTL, ATL: p.ATL, TSB: p.TSB}
		for i := 0; i < 28; i++ {
			s := stress[d.Add(-time.Duration(i)*day)]
			if i < 7 {
				f.Stress7d += s
			}
			f.Stress28d += s
		}
		out = append(out, f)
	}
	return out
}
