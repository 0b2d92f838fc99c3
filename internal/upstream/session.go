package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/observability"
	"example.com/trainingsync/internal/tokens"
)

// Session is the athlete-scoped view of the upstream API.
type Session struct {
	athleteID int64
	baseURL   string
	source    *tokens.Source
	http      *http.Client
}

// AthleteID returns the athlete the session acts for.
func (s *Session) AthleteID() int64 { return s.athleteID }

// Tokens exposes the session's token source.
func (s *Session) Tokens() *tokens.Source { return s.source }

// Authorize makes sure a usable access token exists, refreshing it when it is due.
func (s *Session) Authorize(ctx context.Context) error {
	_, _, err := s.source.Token(ctx)
	return err
}

// ListActivities returns one page of activity summaries in ascending start order when After is set.
func (s *Session) ListActivities(ctx context.Context, p ListParams) ([]RawActivity, error) {
	q := url.Values{}
	if !p.After.IsZero() {
		q.Set("after", strconv.FormatInt(p.After.Unix(), 10))
	}
	if !p.Before.IsZero() {
		q.Set("before", strconv.FormatInt(p.Before.Unix(), 10))
	}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(p.PerPage))
	}
	body, err := s.get(ctx, "list_activities", "/athlete/activities", q)
	if err != nil {
		return nil, err
	}
	acts, err := decodeActivities(body)
	if err != nil {
		return nil, fmt.Errorf("decode activity page: %w", err)
	}
	return acts, nil
}

// GetActivity fetches one activity's detail.
func (s *Session) GetActivity(ctx context.Context, id int64) (RawActivity, error) {
	body, err := s.get(ctx, "get_activity", "/activities/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return RawActivity{}, err
	}
	return decodeActivity(body), nil
}

// GetStreams fetches the requested channels of one activity keyed by channel name.
func (s *Session) GetStreams(ctx context.Context, activityID int64, channels []string, resolution string) (map[string]RawStream, error) {
	q := url.Values{}
	q.Set("keys", strings.Join(channels, ","))
	q.Set("key_by_type", "true")
	if resolution != "" {
		q.Set("resolution", resolution)
	}
	body, err := s.get(ctx, "get_streams", "/activities/"+strconv.FormatInt(activityID, 10)+"/streams", q)
	if err != nil {
		return nil, err
	}
	streams, err := decodeStreams(body)
	if err != nil {
		return nil, fmt.Errorf("decode streams for %d: %w", activityID, err)
	}
	return streams, nil
}

// GetAthlete fetches the authenticated athlete's profile.
func (s *Session) GetAthlete(ctx context.Context) (RawAthlete, error) {
	body, err := s.get(ctx, "get_athlete", "/athlete", nil)
	if err != nil {
		return RawAthlete{}, err
	}
	var a RawAthlete
	if err := unmarshal(body, &a); err != nil {
		return RawAthlete{}, fmt.Errorf("decode athlete: %w", err)
	}
	return a, nil
}

func (s *Session) get(ctx context.Context, endpoint, path string, q url.Values) ([]byte, error) {
	reqURL := s.baseURL + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	logging.Ctx(ctx).Debug().Str("endpoint", endpoint).Str("path", path).Msg("upstream request")
	resp, err := s.http.Do(req)
	if err != nil {
		observability.RecordUpstreamRequest(endpoint, "error")
		return nil, err
	}
	defer resp.Body.Close()
	observability.RecordUpstreamRequest(endpoint, statusClass(resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp.StatusCode, path, strings.TrimSpace(string(body)))
	}
	return body, nil
}
