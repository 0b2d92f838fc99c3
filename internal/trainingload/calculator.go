package trainingload

import (
	"context"
	"fmt"
	"time"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/observability"
)

const day = 24 * time.Hour

// Store is the storage the calculator reads activities from and writes points to.
type Store interface {
	domain.AthleteRepository
	domain.ActivityRepository
	domain.StreamRepository
	domain.TrainingLoadRepository
}

// Config tunes the calculator.
type Config struct {
	Constants       Constants
	FallbackPerHour float64
}

// Calculator extends the per-athlete daily series. It is the only writer of training load points.
type Calculator struct {
	store Store
	clock clock.Clock
	cfg   Config
}

// NewCalculator constructs a Calculator.
func NewCalculator(store Store, clk clock.Clock, cfg Config) *Calculator {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Constants.CTLDays <= 0 || cfg.Constants.ATLDays <= 0 {
		cfg.Constants = DefaultConstants()
	}
	if cfg.FallbackPerHour <= 0 {
		cfg.FallbackPerHour = DefaultFallbackPerHour
	}
	return &Calculator{store: store, clock: clk, cfg: cfg}
}

type extendOptions struct {
	from time.Time
}

// ExtendOption adjusts one Extend call.
type ExtendOption func(*extendOptions)

// RecomputeFrom re-derives every day from d onwards, used after activities on already computed days changed.
func RecomputeFrom(d time.Time) ExtendOption {
	return func(o *extendOptions) {
		d = domain.Day(d)
		if o.from.IsZero() || d.Before(o.from) {
			o.from = d
		}
	}
}

// Result describes one Extend call.
type Result struct {
	From    time.Time
	To      time.Time
	Points  []domain.TrainingLoadPoint
	Written int
}

// Extend computes points from the day after the latest stored point (or the first activity day)
// through today, processing days strictly in order. Days whose inputs did not change produce
// identical values, so repeated calls write nothing.
func (c *Calculator) Extend(ctx context.Context, athleteID int64, opts ...ExtendOption) (Result, error) {
	var o extendOptions
	for _, opt := range opts {
		opt(&o)
	}

	first, last, ok, err := c.store.ActivityDayRange(ctx, athleteID)
	if err != nil {
		return Result{}, persistence("activity range", err)
	}
	if !ok {
		return Result{}, nil
	}
	end := domain.Day(c.clock.Now())
	if last.After(end) {
		end = last
	}

	start := first
	latest, err := c.store.LatestTrainingLoad(ctx, athleteID)
	if err != nil {
		return Result{}, persistence("latest point", err)
	}
	if latest != nil && !latest.Date.Before(first) {
		start = domain.Day(latest.Date).Add(day)
	}
	if !o.from.IsZero() && o.from.Before(start) {
		start = o.from
		if start.Before(first) {
			start = first
		}
	}
	if start.After(end) {
		return Result{From: start, To: end}, nil
	}

	seed, ctlByDay, start, err := c.seed(ctx, athleteID, first, start)
	if err != nil {
		return Result{}, err
	}

	athlete, err := c.store.GetAthlete(ctx, athleteID)
	if err != nil {
		return Result{}, persistence("athlete", err)
	}
	if athlete == nil {
		athlete = &domain.Athlete{ID: athleteID}
	}

	acts, err := c.store.ActivitiesBetween(ctx, athleteID, start, end)
	if err != nil {
		return Result{}, persistence("activities", err)
	}
	stress := make(map[time.Time]float64)
	count := make(map[time.Time]int)
	// acts arrive ordered by local start then id, fixing the summation order
	for _, a := range acts {
		score, err := c.score(ctx, a, *athlete)
		if err != nil {
			return Result{}, err
		}
		d := a.Day()
		stress[d] += score.TSS
		count[d]++
	}

	var points []domain.TrainingLoadPoint
	cur := seed
	for d := start; !d.After(end); d = d.Add(day) {
		var tsb float64
		cur, tsb = c.cfg.Constants.Step(cur, stress[d])
		ctlByDay[d] = cur.CTL
		points = append(points, domain.TrainingLoadPoint{
			AthleteID:     athleteID,
			Date:          d,
			DailyTSS:      stress[d],
			CTL:           cur.CTL,
			ATL:           cur.ATL,
			TSB:           tsb,
			ActivityCount: count[d],
			CTLRampRate:   cur.CTL - ctlByDay[d.Add(-7*day)],
		})
	}

	written, err := c.store.UpsertTrainingLoads(ctx, points)
	if err != nil {
		return Result{}, persistence("write points", err)
	}
	observability.RecordTrainingLoadPoints(written)
	logging.Ctx(ctx).Debug().Time("from", start).Time("to", end).Int("written", written).Msg("training load extended")
	return Result{From: start, To: end, Points: points, Written: written}, nil
}

// seed loads the load values of the day before start and the CTL of the preceding week. When
// the stored history is not contiguous up to start, computation restarts from the first day.
func (c *Calculator) seed(ctx context.Context, athleteID int64, first, start time.Time) (Load, map[time.Time]float64, time.Time, error) {
	ctlByDay := make(map[time.Time]float64)
	if !start.After(first) {
		return Load{}, ctlByDay, first, nil
	}
	prior, err := c.store.TrainingLoadsBetween(ctx, athleteID, start.Add(-7*day), start.Add(-day))
	if err != nil {
		return Load{}, nil, time.Time{}, persistence("prior points", err)
	}
	if len(prior) == 0 || !domain.Day(prior[len(prior)-1].Date).Equal(start.Add(-day)) {
		logging.Ctx(ctx).Warn().Time("start", start).Msg("training load history has a gap, recomputing from first activity")
		return Load{}, ctlByDay, first, nil
	}
	for _, p := range prior {
		ctlByDay[domain.Day(p.Date)] = p.CTL
	}
	last := prior[len(prior)-1]
	return Load{CTL: last.CTL, ATL: last.ATL}, ctlByDay, start, nil
}

// score computes and, when it changed, persists an activity's stress.
func (c *Calculator) score(ctx context.Context, a domain.Activity, athlete domain.Athlete) (Score, error) {
	var np float64
	if a.WeightedAverageWatts == 0 && a.AverageWatts > 0 && athlete.FTP > 0 {
		if st, err := c.store.GetStream(ctx, a.ID, domain.StreamWatts); err == nil && st != nil {
			if watts, err := st.Floats(); err == nil {
				np = NormalizedPower(watts)
			}
		}
	}
	s := ScoreActivity(a, athlete, np, c.cfg.FallbackPerHour)
	if s.TSS != a.StressScore || s.IntensityFactor != a.IntensityFactor || s.Method != a.StressMethod {
		if err := c.store.UpdateStress(ctx, a.ID, s.TSS, s.IntensityFactor, s.Method); err != nil {
			return Score{}, persistence("update stress", err)
		}
	}
	return s, nil
}

func persistence(what string, err error) error {
	return fmt.Errorf("%w: training load %s: %v", domain.ErrPersistenceFailure, what, err)
}
