// Package ingest converts upstream payloads into canonical records and stores them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/observability"
	"example.com/trainingsync/internal/upstream"
)

// Defaults applied when the upstream payload omits a field. Numeric and boolean fields default to zero/false.
const (
	DefaultActivityName = "Untitled activity"
	DefaultActivityType = "Workout"
)

// Result summarizes one ingest call.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
	// Changed holds activities that were created or updated, in input order.
	Changed []domain.Activity
	// Vacated holds the former days of updated activities that moved to another day.
	Vacated []time.Time
	// Conflicts describes every skipped record.
	Conflicts []error
}

// Upserted is the number of rows written.
func (r Result) Upserted() int { return r.Created + r.Updated }

// Add folds another result into r.
func (r *Result) Add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Skipped += o.Skipped
	r.Changed = append(r.Changed, o.Changed...)
	r.Vacated = append(r.Vacated, o.Vacated...)
	r.Conflicts = append(r.Conflicts, o.Conflicts...)
}

// EarliestDay is the first local day whose stored activities differ from before the call.
func (r Result) EarliestDay() (time.Time, bool) {
	var earliest time.Time
	for _, a := range r.Changed {
		if d := a.Day(); earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	for _, d := range r.Vacated {
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest, !earliest.IsZero()
}

// ActivityIngester upserts canonical activities keyed by upstream id.
type ActivityIngester struct {
	repo domain.ActivityRepository
}

// NewActivityIngester constructs an ActivityIngester.
func NewActivityIngester(repo domain.ActivityRepository) *ActivityIngester {
	return &ActivityIngester{repo: repo}
}

// Ingest stores raws in order. Malformed records are counted and skipped; a storage error aborts
// and returns what was written so far.
func (i *ActivityIngester) Ingest(ctx context.Context, athleteID int64, raws []upstream.RawActivity) (Result, error) {
	var res Result
	log := logging.Ctx(ctx)
	for _, raw := range raws {
		act, err := Canonicalize(athleteID, raw)
		if err != nil {
			res.Skipped++
			res.Conflicts = append(res.Conflicts, err)
			observability.RecordActivity("skipped")
			log.Warn().Err(err).Int64("activity_id", raw.ID).Msg("skipping upstream activity")
			continue
		}
		outcome, prevDay, err := i.repo.UpsertActivity(ctx, act)
		if err != nil {
			return res, fmt.Errorf("%w: upsert activity %d: %v", domain.ErrPersistenceFailure, act.ID, err)
		}
		switch outcome {
		case domain.OutcomeCreated:
			res.Created++
			res.Changed = append(res.Changed, act)
			observability.RecordActivity("created")
		case domain.OutcomeUpdated:
			res.Updated++
			res.Changed = append(res.Changed, act)
			if !prevDay.IsZero() && !prevDay.Equal(act.Day()) {
				res.Vacated = append(res.Vacated, prevDay)
			}
			observability.RecordActivity("updated")
		default:
			res.Unchanged++
			observability.RecordActivity("unchanged")
		}
	}
	return res, nil
}

// Canonicalize maps a raw payload onto the canonical record, or fails with ErrIngestionConflict.
func Canonicalize(athleteID int64, raw upstream.RawActivity) (domain.Activity, error) {
	if raw.DecodeErr != nil {
		return domain.Activity{}, fmt.Errorf("%w: undecodable record: %v", domain.ErrIngestionConflict, raw.DecodeErr)
	}
	if raw.ID <= 0 {
		return domain.Activity{}, fmt.Errorf("%w: missing activity id", domain.ErrIngestionConflict)
	}
	if raw.Athlete.ID != 0 && raw.Athlete.ID != athleteID {
		return domain.Activity{}, fmt.Errorf("%w: activity %d belongs to athlete %d", domain.ErrIngestionConflict, raw.ID, raw.Athlete.ID)
	}
	start, err := time.Parse(time.RFC3339, raw.StartDate)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("%w: activity %d start_date %q", domain.ErrIngestionConflict, raw.ID, raw.StartDate)
	}
	start = start.UTC()
	local := start
	if raw.StartDateLocal != "" {
		// the local timestamp is wall-clock time tagged as UTC
		if local, err = time.Parse(time.RFC3339, raw.StartDateLocal); err != nil {
			return domain.Activity{}, fmt.Errorf("%w: activity %d start_date_local %q", domain.ErrIngestionConflict, raw.ID, raw.StartDateLocal)
		}
		local = local.UTC()
	}

	act := domain.Activity{
		ID:                   raw.ID,
		AthleteID:            athleteID,
		Name:                 str(raw.Name, DefaultActivityName),
		Type:                 str(raw.Type, DefaultActivityType),
		StartDate:            start,
		StartDateLocal:       local,
		Timezone:             normalizeTimezone(str(raw.Timezone, "")),
		Distance:             num(raw.Distance),
		MovingTime:           integer(raw.MovingTime),
		ElapsedTime:          integer(raw.ElapsedTime),
		TotalElevationGain:   num(raw.TotalElevationGain),
		AverageSpeed:         num(raw.AverageSpeed),
		MaxSpeed:             num(raw.MaxSpeed),
		AverageHeartRate:     num(raw.AverageHeartRate),
		MaxHeartRate:         num(raw.MaxHeartRate),
		AverageWatts:         num(raw.AverageWatts),
		MaxWatts:             num(raw.MaxWatts),
		WeightedAverageWatts: num(raw.WeightedAverageWatts),
		DeviceWatts:          flag(raw.DeviceWatts),
		Kilojoules:           num(raw.Kilojoules),
		AverageCadence:       num(raw.AverageCadence),
		Trainer:              flag(raw.Trainer),
		Commute:              flag(raw.Commute),
		Manual:               flag(raw.Manual),
		GearID:               str(raw.GearID, ""),
		StressMethod:         domain.StressPending,
	}
	act.SportType = str(raw.SportType, act.Type)
	if raw.HasHeartRate != nil {
		act.HasHeartRate = *raw.HasHeartRate
	} else {
		act.HasHeartRate = act.AverageHeartRate > 0
	}
	if act.ElapsedTime == 0 {
		act.ElapsedTime = act.MovingTime
	}

	if err := validate(act); err != nil {
		return domain.Activity{}, err
	}
	return act, nil
}

func validate(a domain.Activity) error {
	var errs []error
	if a.Distance < 0 {
		errs = append(errs, errors.New("negative distance"))
	}
	if a.MovingTime < 0 || a.ElapsedTime < 0 {
		errs = append(errs, errors.New("negative duration"))
	}
	if a.MovingTime > a.ElapsedTime && a.ElapsedTime > 0 {
		errs = append(errs, errors.New("moving time exceeds elapsed time"))
	}
	if a.AverageHeartRate < 0 || a.AverageWatts < 0 || a.WeightedAverageWatts < 0 {
		errs = append(errs, errors.New("negative intensity"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: activity %d: %w", domain.ErrIngestionConflict, a.ID, errors.Join(errs...))
}

// normalizeTimezone turns "(GMT+01:00) Europe/Paris" into "Europe/Paris".
func normalizeTimezone(tz string) string {
	if i := strings.LastIndex(tz, ") "); strings.HasPrefix(tz, "(") && i > 0 {
		return tz[i+2:]
	}
	return tz
}

func str(p *string, def string) string {
	if p == nil || strings.TrimSpace(*p) == "" {
		return def
	}
	return strings.TrimSpace(*p)
}

func num(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func integer(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func flag(p *bool) bool {
	return p != nil && *p
}
