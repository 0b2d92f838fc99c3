package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// Stream channel names understood by the engine.
const (
	StreamTime      = "time"
	StreamDistance  = "distance"
	StreamLatLng    = "latlng"
	StreamAltitude  = "altitude"
	StreamHeartRate = "heartrate"
	StreamWatts     = "watts"
	StreamCadence   = "cadence"
	StreamVelocity  = "velocity_smooth"
	StreamTemp      = "temp"
)

// ActivityStream is one channel's ordered samples for an activity, stored as a single unit.
type ActivityStream struct {
	ActivityID   int64
	StreamType   string
	Data         json.RawMessage
	SeriesType   string
	OriginalSize int
	Resolution   string
	CreatedAt    time.Time
}

// Floats decodes the stream samples as numbers. Channels with composite samples (latlng) fail.
func (s ActivityStream) Floats() ([]float64, error) {
	var out []float64
	if err := json.Unmarshal(s.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
