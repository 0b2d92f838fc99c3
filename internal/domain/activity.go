package domain

import "time"

// StressMethod records which input produced an activity's stress score.
type StressMethod string

const (
	StressPending   StressMethod = "pending"
	StressHeartRate StressMethod = "heart_rate"
	StressPower     StressMethod = "power"
	StressDuration  StressMethod = "duration"
)

// Activity is the canonical record of one exercise session. Zero values are the documented
// defaults for fields the upstream payload omits.
type Activity struct {
	ID                   int64
	AthleteID            int64
	Name                 string
	Type                 string
	SportType            string
	StartDate            time.Time
	StartDateLocal       time.Time
	Timezone             string
	Distance             float64 // meters
	MovingTime           int     // seconds
	ElapsedTime          int     // seconds
	TotalElevationGain   float64 // meters
	AverageSpeed         float64 // m/s
	MaxSpeed             float64 // m/s
	AverageHeartRate     float64
	MaxHeartRate         float64
	HasHeartRate         bool
	AverageWatts         float64
	MaxWatts             float64
	WeightedAverageWatts float64
	DeviceWatts          bool
	Kilojoules           float64
	AverageCadence       float64
	Trainer              bool
	Commute              bool
	Manual               bool
	GearID               string
	StressScore          float64
	IntensityFactor      float64
	StressMethod         StressMethod
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Day returns the calendar day the activity counts towards, taken from the athlete's local start.
func (a Activity) Day() time.Time {
	if a.StartDateLocal.IsZero() {
		return Day(a.StartDate)
	}
	return Day(a.StartDateLocal)
}

// Duration returns moving time, or elapsed time when moving time is missing.
func (a Activity) Duration() time.Duration {
	secs := a.MovingTime
	if secs <= 0 {
		secs = a.ElapsedTime
	}
	return time.Duration(secs) * time.Second
}

// HasPower reports whether the activity carries usable power summary data.
func (a Activity) HasPower() bool {
	return a.WeightedAverageWatts > 0 || a.AverageWatts > 0
}

// UpsertOutcome describes the effect of writing one activity.
type UpsertOutcome int

const (
	OutcomeUnchanged UpsertOutcome = iota
	OutcomeCreated
	OutcomeUpdated
)

// Day truncates t to a UTC calendar date using its own wall-clock fields.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameContent reports whether two records carry the same upstream-derived values. Bookkeeping
// timestamps and calculator-owned stress fields are ignored.
func (a Activity) SameContent(b Activity) bool {
	return a.content() == b.content()
}

func (a Activity) content() Activity {
	a.StartDate = a.StartDate.UTC()
	a.StartDateLocal = a.StartDateLocal.UTC()
	a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	a.StressScore, a.IntensityFactor, a.StressMethod = 0, 0, ""
	return a
}
