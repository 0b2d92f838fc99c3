package upstream

import (
	"time"

	json "github.com/goccy/go-json"
)

// RawActivity is an activity summary as the upstream sends it. Optional values are pointers so
// the ingester can tell absence from zero. Records that failed to decode carry DecodeErr and Raw.
type RawActivity struct {
	ID                   int64    `json:"id"`
	Athlete              RawRef   `json:"athlete"`
	Name                 *string  `json:"name"`
	Type                 *string  `json:"type"`
	SportType            *string  `json:"sport_type"`
	StartDate            string   `json:"start_date"`
	StartDateLocal       string   `json:"start_date_local"`
	Timezone             *string  `json:"timezone"`
	Distance             *float64 `json:"distance"`
	MovingTime           *int     `json:"moving_time"`
	ElapsedTime          *int     `json:"elapsed_time"`
	TotalElevationGain   *float64 `json:"total_elevation_gain"`
	AverageSpeed         *float64 `json:"average_speed"`
	MaxSpeed             *float64 `json:"max_speed"`
	AverageHeartRate     *float64 `json:"average_heartrate"`
	MaxHeartRate         *float64 `json:"max_heartrate"`
	HasHeartRate         *bool    `json:"has_heartrate"`
	AverageWatts         *float64 `json:"average_watts"`
	MaxWatts             *float64 `json:"max_watts"`
	WeightedAverageWatts *float64 `json:"weighted_average_watts"`
	DeviceWatts          *bool    `json:"device_watts"`
	Kilojoules           *float64 `json:"kilojoules"`
	AverageCadence       *float64 `json:"average_cadence"`
	Trainer              *bool    `json:"trainer"`
	Commute              *bool    `json:"commute"`
	Manual               *bool    `json:"manual"`
	GearID               *string  `json:"gear_id"`

	Raw       json.RawMessage `json:"-"`
	DecodeErr error           `json:"-"`
}

// RawRef is a nested object reference.
type RawRef struct {
	ID int64 `json:"id"`
}

// RawAthlete is the authenticated athlete's profile.
type RawAthlete struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	FirstName string  `json:"firstname"`
	LastName  string  `json:"lastname"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
	Sex       string  `json:"sex"`
	Weight    float64 `json:"weight"`
	FTP       *int    `json:"ftp"`
}

// RawStream is one channel of a streams response.
type RawStream struct {
	Data         json.RawMessage `json:"data"`
	SeriesType   string          `json:"series_type"`
	OriginalSize int             `json:"original_size"`
	Resolution   string          `json:"resolution"`

	DecodeErr error `json:"-"`
}

// ListParams bounds an activity listing page. Zero times are omitted.
type ListParams struct {
	After   time.Time
	Before  time.Time
	Page    int
	PerPage int
}

// decodeActivities decodes a listing page record by record so one malformed record does not
// poison the page.
func decodeActivities(body []byte) ([]RawActivity, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	out := make([]RawActivity, 0, len(items))
	for _, item := range items {
		out = append(out, decodeActivity(item))
	}
	return out, nil
}

func decodeActivity(item []byte) RawActivity {
	var a RawActivity
	if err := json.Unmarshal(item, &a); err != nil {
		a = RawActivity{DecodeErr: err}
	}
	a.Raw = item
	return a
}

func decodeStreams(body []byte) (map[string]RawStream, error) {
	var channels map[string]json.RawMessage
	if err := json.Unmarshal(body, &channels); err != nil {
		return nil, err
	}
	out := make(map[string]RawStream, len(channels))
	for name, item := range channels {
		var s RawStream
		if err := json.Unmarshal(item, &s); err != nil {
			s = RawStream{DecodeErr: err}
		}
		out[name] = s
	}
	return out, nil
}

func unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
