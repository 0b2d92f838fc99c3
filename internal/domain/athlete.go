package domain

import "time"

// DefaultRestingHeartRate is assumed when the athlete never supplied one.
const DefaultRestingHeartRate = 60

// Athlete holds identity and physiological parameters for one authenticated user.
type Athlete struct {
	ID               int64
	Username         string
	FirstName        string
	LastName         string
	City             string
	Country          string
	Sex              string
	Weight           float64
	FTP              int
	MaxHeartRate     int
	RestingHeartRate int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ThresholdHeartRate estimates lactate threshold heart rate as 95% of max.
func (a Athlete) ThresholdHeartRate() float64 {
	return float64(a.MaxHeartRate) * 0.95
}

// RestingHR returns the resting heart rate, falling back to DefaultRestingHeartRate.
func (a Athlete) RestingHR() float64 {
	if a.RestingHeartRate <= 0 {
		return DefaultRestingHeartRate
	}
	return float64(a.RestingHeartRate)
}

// MergeProfile applies an upstream profile onto the stored athlete. Thresholds set locally
// survive when the upstream profile omits them.
func (a Athlete) MergeProfile(p Athlete) Athlete {
	out := a
	out.ID = p.ID
	out.Username = p.Username
	out.FirstName = p.FirstName
	out.LastName = p.LastName
	out.City = p.City
	out.Country = p.Country
	out.Sex = p.Sex
	if p.Weight > 0 {
		out.Weight = p.Weight
	}
	if p.FTP > 0 {
		out.FTP = p.FTP
	}
	if p.MaxHeartRate > 0 {
		out.MaxHeartRate = p.MaxHeartRate
	}
	if p.RestingHeartRate > 0 {
		out.RestingHeartRate = p.RestingHeartRate
	}
	return out
}
