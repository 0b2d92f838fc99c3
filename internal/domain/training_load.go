package domain

import "time"

// TrainingLoadPoint is one calendar day of derived load metrics for an athlete.
type TrainingLoadPoint struct {
	AthleteID     int64
	Date          time.Time
	DailyTSS      float64
	CTL           float64
	ATL           float64
	TSB           float64
	ActivityCount int
	CTLRampRate   float64
}

// Equal reports whether two points carry bit-identical values.
func (p TrainingLoadPoint) Equal(o TrainingLoadPoint) bool {
	return p.AthleteID == o.AthleteID &&
		p.Date.Equal(o.Date) &&
		p.DailyTSS == o.DailyTSS &&
		p.CTL == o.CTL &&
		p.ATL == o.ATL &&
		p.TSB == o.TSB &&
		p.ActivityCount == o.ActivityCount &&
		p.CTLRampRate == o.CTLRampRate
}

// TrainingFeature is one row of the read-only feature view consumed by prediction models.
type TrainingFeature struct {
	AthleteID int64
	Date      time.Time
	Stress7d  float64
	Stress28d float64
	CTL       float64
	ATL       float64
	TSB       float64
}
