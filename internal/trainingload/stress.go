// Package trainingload derives per-activity stress scores and the daily CTL/ATL/TSB series.
package trainingload

import (
	"math"

	"example.com/trainingsync/internal/domain"
)

// DefaultFallbackPerHour is the stress credited per hour when neither heart rate nor power is usable.
const DefaultFallbackPerHour = 50

// Score is the stress attributed to one activity.
type Score struct {
	TSS             float64
	IntensityFactor float64
	Method          domain.StressMethod
}

// ScoreActivity picks heart rate first, then power, then the duration fallback. np is a
// normalized power derived from streams, used when the summary lacks weighted watts.
func ScoreActivity(a domain.Activity, athlete domain.Athlete, np, fallbackPerHour float64) Score {
	hours := a.Duration().Hours()
	if hours <= 0 {
		return Score{Method: domain.StressDuration}
	}
	if s, ok := heartRateScore(a, athlete, hours); ok {
		return s
	}
	if s, ok := powerScore(a, athlete, np, hours); ok {
		return s
	}
	return Score{TSS: hours * fallbackPerHour, Method: domain.StressDuration}
}

// heartRateScore uses the heart-rate reserve: IF = (avg - rest) / (threshold - rest).
func heartRateScore(a domain.Activity, athlete domain.Athlete, hours float64) (Score, bool) {
	if !a.HasHeartRate || a.AverageHeartRate <= 0 || athlete.MaxHeartRate <= 0 {
		return Score{}, false
	}
	rest := athlete.RestingHR()
	threshold := athlete.ThresholdHeartRate()
	if threshold <= rest {
		return Score{}, false
	}
	intensity := math.Max(0, (a.AverageHeartRate-rest)/(threshold-rest))
	return Score{
		TSS:             hours * intensity * intensity * 100,
		IntensityFactor: intensity,
		Method:          domain.StressHeartRate,
	}, true
}

// powerScore is hours * NP * IF / FTP * 100 with IF = NP / FTP.
func powerScore(a domain.Activity, athlete domain.Athlete, np, hours float64) (Score, bool) {
	if athlete.FTP <= 0 {
		return Score{}, false
	}
	switch {
	case a.WeightedAverageWatts > 0:
		np = a.WeightedAverageWatts
	case np > 0:
	case a.AverageWatts > 0:
		np = a.AverageWatts
	default:
		return Score{}, false
	}
	ftp := float64(athlete.FTP)
	intensity := np / ftp
	return Score{
		TSS:             hours * np * intensity / ftp * 100,
		IntensityFactor: intensity,
		Method:          domain.StressPower,
	}, true
}

// NormalizedPower is the fourth root of the mean fourth power of a 30-sample rolling average.
// Series shorter than the window fall back to their plain mean.
func NormalizedPower(watts []float64) float64 {
	const window = 30
	if len(watts) == 0 {
		return 0
	}
	if len(watts) < window {
		sum := 0.0
		for _, w := range watts {
			sum += w
		}
		return sum / float64(len(watts))
	}
	sum := 0.0
	for _, w := range watts[:window] {
		sum += w
	}
	var fourth float64
	n := 0
	for i := window; ; i++ {
		avg := sum / window
		fourth += avg * avg * avg * avg
		n++
		if i == len(watts) {
			break
		}
		sum += watts[i] - watts[i-window]
	}
	return math.Pow(fourth/float64(n), 0.25)
}
