// Package api exposes the HTTP surface of the sync engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"example.com/trainingsync/internal/auth"
	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/events"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/persistence"
	"example.com/trainingsync/internal/syncer"
)

const (
	defaultLoadDays = 90
	maxLoadDays     = 3 * 366
	defaultPageSize = 20
	maxPageSize     = 200
)

// SyncService starts runs and reads their results.
type SyncService interface {
	Trigger(ctx context.Context, athleteID int64, mode domain.SyncMode) (string, error)
	State(ctx context.Context, athleteID int64) (domain.SyncState, error)
	TrainingLoad(ctx context.Context, athleteID int64, from, to time.Time) ([]domain.TrainingLoadPoint, error)
}

// ActivityLister pages through stored activities, newest first.
type ActivityLister interface {
	ListActivities(ctx context.Context, athleteID int64, cursor *domain.ActivityCursor, limit int) ([]domain.Activity, *domain.ActivityCursor, error)
}

// AthleteConnector completes the OAuth onboarding of an athlete.
type AthleteConnector interface {
	Connect(ctx context.Context, code string) (domain.Athlete, error)
}

// Handler coordinates HTTP requests with the sync engine.
type Handler struct {
	sync       SyncService
	activities ActivityLister
	connector  AthleteConnector
	now        func() time.Time
}

func NewHandler(sync SyncService, activities ActivityLister, connector AthleteConnector) *Handler {
	return &Handler{
		sync:       sync,
		activities: activities,
		connector:  connector,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/athletes/{id}/sync", h.triggerSync)
	mux.HandleFunc("GET /v1/athletes/{id}/sync", h.syncState)
	mux.HandleFunc("GET /v1/athletes/{id}/training-load", h.trainingLoad)
	mux.HandleFunc("GET /v1/athletes/{id}/activities", h.listActivities)
	mux.HandleFunc("POST /v1/oauth/exchange", h.exchange)
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := authorize(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	mode := domain.SyncMode(r.URL.Query().Get("mode"))
	switch mode {
	case syncer.SyncAuto, domain.SyncFull, domain.SyncIncremental:
	default:
		writeError(w, http.StatusBadRequest, "validation_failed", "mode must be full or incremental")
		return
	}

	runID, err := h.sync.Trigger(r.Context(), athleteID, mode)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerSyncResponse{AthleteID: athleteID, RunID: runID, Status: string(domain.SyncRunning)})
}

func (h *Handler) syncState(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := authorize(w, r, auth.ScopeSyncRead)
	if !ok {
		return
	}
	st, err := h.sync.State(r.Context(), athleteID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncStateView(st))
}

func (h *Handler) trainingLoad(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := authorize(w, r, auth.ScopeSyncRead)
	if !ok {
		return
	}

	to := domain.Day(h.now())
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(events.DateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "to must be YYYY-MM-DD")
			return
		}
		to = parsed
	}
	from := to.AddDate(0, 0, -(defaultLoadDays - 1))
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(events.DateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "from must be YYYY-MM-DD")
			return
		}
		from = parsed
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "validation_failed", "from must not be after to")
		return
	}
	if to.Sub(from) > maxLoadDays*24*time.Hour {
		writeError(w, http.StatusBadRequest, "validation_failed", "range is limited to three years")
		return
	}

	points, err := h.sync.TrainingLoad(r.Context(), athleteID, from, to)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp := TrainingLoadResponse{
		AthleteID: athleteID,
		From:      from.Format(events.DateLayout),
		To:        to.Format(events.DateLayout),
		Points:    make([]TrainingLoadView, 0, len(points)),
	}
	for _, p := range points {
		resp.Points = append(resp.Points, toTrainingLoadView(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	athleteID, ok := authorize(w, r, auth.ScopeSyncRead)
	if !ok {
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	acts, next, err := h.activities.ListActivities(r.Context(), athleteID, cursor, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	items := make([]ActivityView, 0, len(acts))
	for _, a := range acts {
		items = append(items, toActivityView(a))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) exchange(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeConnect) && !claims.HasScope(auth.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope athletes:connect required")
		return
	}

	var req ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "code is required")
		return
	}

	athlete, err := h.connector.Connect(r.Context(), req.Code)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := ExchangeResponse{AthleteID: athlete.ID, Username: athlete.Username}
	runID, err := h.sync.Trigger(r.Context(), athlete.ID, syncer.SyncAuto)
	switch {
	case err == nil:
		resp.RunID = runID
	case errors.Is(err, domain.ErrSyncInProgress):
	default:
		logging.Ctx(r.Context()).Warn().Err(err).Int64("athlete_id", athlete.ID).Msg("initial sync not started")
	}
	writeJSON(w, http.StatusCreated, resp)
}

// authorize resolves the athlete in the path and checks the caller may act on it with scope.
func authorize(w http.ResponseWriter, r *http.Request, scope string) (int64, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return 0, false
	}
	athleteID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || athleteID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid athlete id")
		return 0, false
	}
	if !claims.HasScope(scope) && !claims.HasScope(auth.ScopeAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return 0, false
	}
	if !claims.CanAccess(athleteID) {
		writeError(w, http.StatusForbidden, "forbidden", "athlete belongs to another account")
		return 0, false
	}
	return athleteID, true
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync_in_progress", err.Error())
	case errors.Is(err, domain.ErrAuthExpired):
		writeError(w, http.StatusUnauthorized, "upstream_auth_expired", err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, domain.ErrUpstreamUnavailable), errors.Is(err, domain.ErrIngestionConflict):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
