package api

import (
	"time"

	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/events"
)

// TriggerSyncResponse acknowledges a started run.
type TriggerSyncResponse struct {
	AthleteID int64  `json:"athlete_id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
}

// SyncStateView is the watermark record surfaced to the UI.
type SyncStateView struct {
	AthleteID             int64      `json:"athlete_id"`
	Status                string     `json:"sync_status"`
	Error                 string     `json:"sync_error,omitempty"`
	LastFullSync          *time.Time `json:"last_full_sync,omitempty"`
	LastIncrementalSync   *time.Time `json:"last_incremental_sync,omitempty"`
	LastStreamSync        *time.Time `json:"last_stream_sync,omitempty"`
	TotalActivitiesSynced int        `json:"total_activities_synced"`
	RunID                 string     `json:"run_id,omitempty"`
	RunStartedAt          *time.Time `json:"run_started_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// TrainingLoadView is one day of the derived series.
type TrainingLoadView struct {
	Date          string  `json:"date"`
	DailyTSS      float64 `json:"daily_tss"`
	CTL           float64 `json:"ctl"`
	ATL           float64 `json:"atl"`
	TSB           float64 `json:"tsb"`
	ActivityCount int     `json:"activity_count"`
	CTLRampRate   float64 `json:"ctl_ramp_rate"`
}

// TrainingLoadResponse packages a date range of the series.
type TrainingLoadResponse struct {
	AthleteID int64              `json:"athlete_id"`
	From      string             `json:"from"`
	To        string             `json:"to"`
	Points    []TrainingLoadView `json:"points"`
}

// ActivityView exposes the canonical activity record.
type ActivityView struct {
	ActivityID       int64     `json:"activity_id"`
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	SportType        string    `json:"sport_type"`
	StartDate        time.Time `json:"start_date"`
	StartDateLocal   time.Time `json:"start_date_local"`
	Timezone         string    `json:"timezone"`
	Distance         float64   `json:"distance"`
	MovingTime       int       `json:"moving_time"`
	ElapsedTime      int       `json:"elapsed_time"`
	ElevationGain    float64   `json:"total_elevation_gain"`
	AverageHeartRate float64   `json:"average_heartrate,omitempty"`
	AverageWatts     float64   `json:"average_watts,omitempty"`
	StressScore      float64   `json:"stress_score"`
	IntensityFactor  float64   `json:"intensity_factor,omitempty"`
	StressMethod     string    `json:"stress_method"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ExchangeRequest carries an OAuth authorization code.
type ExchangeRequest struct {
	Code string `json:"code"`
}

// ExchangeResponse describes the connected athlete and its first run.
type ExchangeResponse struct {
	AthleteID int64  `json:"athlete_id"`
	Username  string `json:"username"`
	RunID     string `json:"run_id,omitempty"`
}

func toSyncStateView(st domain.SyncState) SyncStateView {
	return SyncStateView{
		AthleteID:             st.AthleteID,
		Status:                string(st.Status),
		Error:                 st.Error,
		LastFullSync:          st.LastFullSync,
		LastIncrementalSync:   st.LastIncrementalSync,
		LastStreamSync:        st.LastStreamSync,
		TotalActivitiesSynced: st.TotalActivitiesSynced,
		RunID:                 st.RunID,
		RunStartedAt:          st.RunStartedAt,
		UpdatedAt:             st.UpdatedAt,
	}
}

func toTrainingLoadView(p domain.TrainingLoadPoint) TrainingLoadView {
	return TrainingLoadView{
		Date:          p.Date.Format(events.DateLayout),
		DailyTSS:      p.DailyTSS,
		CTL:           p.CTL,
		ATL:           p.ATL,
		TSB:           p.TSB,
		ActivityCount: p.ActivityCount,
		CTLRampRate:   p.CTLRampRate,
	}
}

func toActivityView(a domain.Activity) ActivityView {
	return ActivityView{
		ActivityID:       a.ID,
		Name:             a.Name,
		Type:             a.Type,
		SportType:        a.SportType,
		StartDate:        a.StartDate,
		StartDateLocal:   a.StartDateLocal,
		Timezone:         a.Timezone,
		Distance:         a.Distance,
		MovingTime:       a.MovingTime,
		ElapsedTime:      a.ElapsedTime,
		ElevationGain:    a.TotalElevationGain,
		AverageHeartRate: a.AverageHeartRate,
		AverageWatts:     a.AverageWatts,
		StressScore:      a.StressScore,
		IntensityFactor:  a.IntensityFactor,
		StressMethod:     string(a.StressMethod),
	}
}
