package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/observability"
	"example.com/trainingsync/internal/upstream"
)

// DefaultStreamChannels are requested when the caller names none.
var DefaultStreamChannels = []string{
	domain.StreamTime, domain.StreamDistance, domain.StreamAltitude, domain.StreamHeartRate,
	domain.StreamWatts, domain.StreamCadence, domain.StreamVelocity, domain.StreamTemp,
}

// StreamFetcher retrieves the channels of one activity.
type StreamFetcher interface {
	GetStreams(ctx context.Context, activityID int64, channels []string, resolution string) (map[string]upstream.RawStream, error)
}

// StreamConfig bounds stream ingestion.
type StreamConfig struct {
	RecencyWindow time.Duration
	Channels      []string
	Resolution    string
}

// StreamIngester stores per-activity time series for recent activities.
type StreamIngester struct {
	repo  domain.StreamRepository
	clock clock.Clock
	cfg   StreamConfig
}

// NewStreamIngester constructs a StreamIngester.
func NewStreamIngester(repo domain.StreamRepository, clk clock.Clock, cfg StreamConfig) *StreamIngester {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 90 * 24 * time.Hour
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultStreamChannels
	}
	if cfg.Resolution == "" {
		cfg.Resolution = "medium"
	}
	return &StreamIngester{repo: repo, clock: clk, cfg: cfg}
}

// Since is the earliest start date still inside the recency window.
func (s *StreamIngester) Since() time.Time {
	return s.clock.Now().Add(-s.cfg.RecencyWindow)
}

// Eligible reports whether an activity is inside the recency window.
func (s *StreamIngester) Eligible(a domain.Activity) bool {
	return !a.StartDate.Before(s.Since())
}

// IngestStreams fetches and stores channels for one activity. Each channel is written on its
// own; failures are collected and returned alongside the number stored. An activity without
// streams upstream stores nothing and is not an error.
func (s *StreamIngester) IngestStreams(ctx context.Context, api StreamFetcher, activityID int64, channels []string) (int, error) {
	if len(channels) == 0 {
		channels = s.cfg.Channels
	}
	fetched, err := api.GetStreams(ctx, activityID, channels, s.cfg.Resolution)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(fetched))
	for name := range fetched {
		names = append(names, name)
	}
	sort.Strings(names)

	stored := 0
	var errs []error
	for _, name := range names {
		if err := s.storeChannel(ctx, activityID, name, fetched[name]); err != nil {
			errs = append(errs, err)
			observability.RecordStream("failed")
			logging.Ctx(ctx).Warn().Err(err).Int64("activity_id", activityID).Str("channel", name).Msg("stream channel not stored")
			continue
		}
		stored++
		observability.RecordStream("stored")
	}
	return stored, errors.Join(errs...)
}

func (s *StreamIngester) storeChannel(ctx context.Context, activityID int64, name string, raw upstream.RawStream) error {
	if raw.DecodeErr != nil {
		return fmt.Errorf("%w: stream %s: %v", domain.ErrIngestionConflict, name, raw.DecodeErr)
	}
	if len(raw.Data) == 0 || !json.Valid(raw.Data) || raw.Data[0] != '[' {
		return fmt.Errorf("%w: stream %s has no sample array", domain.ErrIngestionConflict, name)
	}
	stream := domain.ActivityStream{
		ActivityID:   activityID,
		StreamType:   name,
		Data:         json.RawMessage(raw.Data),
		SeriesType:   raw.SeriesType,
		OriginalSize: raw.OriginalSize,
		Resolution:   raw.Resolution,
	}
	if err := s.repo.UpsertStream(ctx, stream); err != nil {
		return fmt.Errorf("%w: stream %s: %v", domain.ErrPersistenceFailure, name, err)
	}
	return nil
}
