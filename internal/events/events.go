// Package events defines the integration event payloads emitted by the sync engine.
package events

import (
	"fmt"
	"time"
)

// Event type names recorded in the outbox.
const (
	TypeSyncCompleted        = "sync.completed"
	TypeTrainingLoadExtended = "training_load.extended"
)

// DateLayout formats calendar days inside payloads.
const DateLayout = "2006-01-02"

// SyncCompleted is emitted once per finished run, whatever its outcome.
type SyncCompleted struct {
	AthleteID       int64     `json:"athlete_id"`
	RunID           string    `json:"run_id"`
	Mode            string    `json:"mode"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Created         int       `json:"created"`
	Updated         int       `json:"updated"`
	Unchanged       int       `json:"unchanged"`
	Skipped         int       `json:"skipped"`
	StreamsStored   int       `json:"streams_stored"`
	PointsWritten   int       `json:"points_written"`
	TotalActivities int       `json:"total_activities"`
}

// TrainingLoadDay is one day of the derived series as carried on the wire.
type TrainingLoadDay struct {
	Date          string  `json:"date"`
	DailyTSS      float64 `json:"daily_tss"`
	CTL           float64 `json:"ctl"`
	ATL           float64 `json:"atl"`
	TSB           float64 `json:"tsb"`
	ActivityCount int     `json:"activity_count"`
}

// TrainingLoadExtended announces that the series changed between From and To inclusive.
type TrainingLoadExtended struct {
	AthleteID int64             `json:"athlete_id"`
	RunID     string            `json:"run_id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Points    []TrainingLoadDay `json:"points"`
}

// Metadata describes how an event type is routed and framed.
type Metadata struct {
	Topic         string
	SchemaSubject string
	Schema        string
	AggregateType string
}

var catalog = map[string]Metadata{
	TypeSyncCompleted: {
		Topic:         "sync_events",
		SchemaSubject: "sync_events-value",
		Schema:        syncCompletedSchema,
		AggregateType: "sync_run",
	},
	TypeTrainingLoadExtended: {
		Topic:         "training_load_events",
		SchemaSubject: "training_load_events-value",
		Schema:        trainingLoadExtendedSchema,
		AggregateType: "training_load",
	},
}

// Lookup returns routing metadata for eventType.
func Lookup(eventType string) (Metadata, error) {
	meta, ok := catalog[eventType]
	if !ok {
		return Metadata{}, fmt.Errorf("unknown event type: %s", eventType)
	}
	return meta, nil
}

// Topics lists every topic the engine publishes to.
func Topics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, meta := range catalog {
		if !seen[meta.Topic] {
			seen[meta.Topic] = true
			out = append(out, meta.Topic)
		}
	}
	return out
}
