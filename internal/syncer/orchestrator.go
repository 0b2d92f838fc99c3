// Package syncer drives full and incremental synchronisation runs for one athlete at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"example.com/trainingsync/internal/clock"
	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/events"
	"example.com/trainingsync/internal/ingest"
	"example.com/trainingsync/internal/logging"
	"example.com/trainingsync/internal/observability"
	"example.com/trainingsync/internal/ratelimit"
	"example.com/trainingsync/internal/tokens"
	"example.com/trainingsync/internal/trainingload"
	"example.com/trainingsync/internal/upstream"
)

// SyncAuto lets the orchestrator pick full or incremental from the stored watermarks.
const SyncAuto domain.SyncMode = ""

// API is the athlete-scoped upstream surface a run needs.
type API interface {
	ingest.StreamFetcher
	Authorize(ctx context.Context) error
	GetAthlete(ctx context.Context) (upstream.RawAthlete, error)
	ListActivities(ctx context.Context, p upstream.ListParams) ([]upstream.RawActivity, error)
}

// Sessions opens an API bound to one athlete's credentials and rate budget.
type Sessions interface {
	Open(athleteID int64) API
}

// ClientSessions opens upstream sessions backed by the token store and limiter registry.
type ClientSessions struct {
	Client   *upstream.Client
	Tokens   *tokens.Store
	Limiters *ratelimit.Registry
}

func (s ClientSessions) Open(athleteID int64) API {
	return s.Client.NewSession(athleteID, s.Tokens, s.Limiters.For(athleteID))
}

// Config tunes a run.
type Config struct {
	PageSize      int
	Overlap       time.Duration
	StreamLimit   int
	StaleRunAfter time.Duration
	Streams       ingest.StreamConfig
	TrainingLoad  trainingload.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:      50,
		Overlap:       24 * time.Hour,
		StreamLimit:   50,
		StaleRunAfter: 2 * time.Hour,
		Streams: ingest.StreamConfig{
			RecencyWindow: 90 * 24 * time.Hour,
			Channels:      ingest.DefaultStreamChannels,
			Resolution:    "medium",
		},
		TrainingLoad: trainingload.Config{
			Constants:       trainingload.DefaultConstants(),
			FallbackPerHour: trainingload.DefaultFallbackPerHour,
		},
	}
}

// Report summarises one run.
type Report struct {
	RunID         string
	AthleteID     int64
	Mode          domain.SyncMode
	Status        domain.SyncStatus
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
	Activities    ingest.Result
	StreamsStored int
	PointsWritten int
}

// Orchestrator sequences token validation, listing, ingestion, stream backfill and the
// training load calculator, and persists progress after every run.
type Orchestrator struct {
	store      domain.Store
	sessions   Sessions
	activities *ingest.ActivityIngester
	streams    *ingest.StreamIngester
	calculator *trainingload.Calculator
	clock      clock.Clock
	cfg        Config

	mu     sync.Mutex
	active map[int64]context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(store domain.Store, sessions Sessions, clk clock.Clock, cfg Config) *Orchestrator {
	if clk == nil {
		clk = clock.Real{}
	}
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.StreamLimit < 0 {
		cfg.StreamLimit = 0
	}
	if cfg.StaleRunAfter <= 0 {
		cfg.StaleRunAfter = def.StaleRunAfter
	}
	return &Orchestrator{
		store:      store,
		sessions:   sessions,
		activities: ingest.NewActivityIngester(store),
		streams:    ingest.NewStreamIngester(store, clk, cfg.Streams),
		calculator: trainingload.NewCalculator(store, clk, cfg.TrainingLoad),
		clock:      clk,
		cfg:        cfg,
		active:     make(map[int64]context.CancelFunc),
	}
}

// run is a claimed execution waiting to be carried out.
type run struct {
	report Report
	prev   domain.SyncState
	// recomputeFrom is the earliest day the training load series has to be re-derived from.
	recomputeFrom time.Time
}

// Run claims the athlete and executes a run synchronously. The returned error is the run's
// failure cause; the report is populated either way once the claim succeeded.
func (o *Orchestrator) Run(ctx context.Context, athleteID int64, mode domain.SyncMode) (Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r, err := o.claim(ctx, athleteID, mode, cancel)
	if err != nil {
		return Report{}, err
	}
	defer o.release(athleteID)
	return o.execute(ctx, r)
}

// Trigger claims the athlete and executes the run in the background. It returns once the run
// holds the athlete, so a concurrent request is rejected with ErrSyncInProgress.
func (o *Orchestrator) Trigger(ctx context.Context, athleteID int64, mode domain.SyncMode) (string, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r, err := o.claim(runCtx, athleteID, mode, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.release(athleteID)
		_, _ = o.execute(runCtx, r)
	}()
	return r.report.RunID, nil
}

// Cancel asks the athlete's in-flight run to stop at the next page boundary.
func (o *Orchestrator) Cancel(athleteID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.active[athleteID]
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every background run and waits for them to record their state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the athlete's persisted sync state.
func (o *Orchestrator) State(ctx context.Context, athleteID int64) (domain.SyncState, error) {
	st, err := o.store.GetSyncState(ctx, athleteID)
	if err != nil {
		return domain.SyncState{}, fmt.Errorf("%w: load sync state: %v", domain.ErrPersistenceFailure, err)
	}
	if st == nil {
		return domain.SyncState{}, domain.ErrNotFound
	}
	return *st, nil
}

// TrainingLoad returns the athlete's daily series between from and to inclusive.
func (o *Orchestrator) TrainingLoad(ctx context.Context, athleteID int64, from, to time.Time) ([]domain.TrainingLoadPoint, error) {
	from, to = domain.Day(from), domain.Day(to)
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s is after %s", from.Format(events.DateLayout), to.Format(events.DateLayout))
	}
	points, err := o.store.TrainingLoadsBetween(ctx, athleteID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: load training load: %v", domain.ErrPersistenceFailure, err)
	}
	return points, nil
}

func (o *Orchestrator) claim(ctx context.Context, athleteID int64, mode domain.SyncMode, cancel context.CancelFunc) (*run, error) {
	if mode != SyncAuto && mode != domain.SyncFull && mode != domain.SyncIncremental {
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}

	o.mu.Lock()
	if _, busy := o.active[athleteID]; busy {
		o.mu.Unlock()
		return nil, domain.ErrSyncInProgress
	}
	o.active[athleteID] = cancel
	o.mu.Unlock()

	r, err := o.claimStored(ctx, athleteID, mode)
	if err != nil {
		o.release(athleteID)
		return nil, err
	}
	return r, nil
}

func (o *Orchestrator) claimStored(ctx context.Context, athleteID int64, mode domain.SyncMode) (*run, error) {
	prev, err := o.store.GetSyncState(ctx, athleteID)
	if err != nil {
		return nil, fmt.Errorf("%w: load sync state: %v", domain.ErrPersistenceFailure, err)
	}
	if prev == nil {
		prev = &domain.SyncState{AthleteID: athleteID, Status: domain.SyncIdle}
	}

	started := o.clock.Now()
	runID := uuid.NewString()
	ok, err := o.store.ClaimSyncRun(ctx, athleteID, runID, started, started.Add(-o.cfg.StaleRunAfter))
	if err != nil {
		return nil, fmt.Errorf("%w: claim sync run: %v", domain.ErrPersistenceFailure, err)
	}
	if !ok {
		return nil, domain.ErrSyncInProgress
	}

	r := &run{
		prev: *prev,
		report: Report{
			RunID:     runID,
			AthleteID: athleteID,
			Mode:      resolveMode(mode, *prev),
			Status:    domain.SyncRunning,
			StartedAt: started,
		},
	}
	if prev.RecomputeFrom != nil {
		r.recomputeFrom = domain.Day(*prev.RecomputeFrom)
	}
	return r, nil
}

func (o *Orchestrator) release(athleteID int64) {
	o.mu.Lock()
	delete(o.active, athleteID)
	o.mu.Unlock()
}

// resolveMode falls back to a full sync whenever no watermark exists to be incremental from.
func resolveMode(requested domain.SyncMode, prev domain.SyncState) domain.SyncMode {
	if requested == domain.SyncFull {
		return domain.SyncFull
	}
	if prev.LastIncrementalSync == nil && prev.LastFullSync == nil {
		return domain.SyncFull
	}
	return domain.SyncIncremental
}

// watermark is the latest point up to which the previous runs confirmed completeness.
func watermark(st domain.SyncState) time.Time {
	var w time.Time
	if st.LastFullSync != nil {
		w = *st.LastFullSync
	}
	if st.LastIncrementalSync != nil && st.LastIncrementalSync.After(w) {
		w = *st.LastIncrementalSync
	}
	return w
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (Report, error) {
	rep := &r.report
	ctx = logging.WithRun(logging.WithAthlete(ctx, rep.AthleteID), rep.RunID)
	log := logging.Ctx(ctx).With().Str("mode", string(rep.Mode)).Logger()
	log.Info().Time("watermark", watermark(r.prev)).Msg("sync run started")

	api := o.sessions.Open(rep.AthleteID)

	var (
		runErr    error
		committed time.Time
		changed   []domain.Activity
		streamErr error
		streamed  bool
		calc      trainingload.Result
		extended  bool
	)

	runErr = api.Authorize(ctx)
	if runErr == nil && rep.Mode == domain.SyncFull {
		runErr = o.refreshProfile(ctx, api, rep.AthleteID)
	}
	if runErr == nil {
		committed, changed, runErr = o.ingestPages(ctx, api, r, &log)
	}
	if runErr == nil {
		streamed, streamErr = o.ingestStreams(ctx, api, rep, changed, &log)
		if errors.Is(streamErr, domain.ErrAuthExpired) {
			runErr = streamErr
		}
	}
	if shouldExtend(runErr, changed, committed) {
		var opts []trainingload.ExtendOption
		if !r.recomputeFrom.IsZero() {
			opts = append(opts, trainingload.RecomputeFrom(r.recomputeFrom))
		}
		var calcErr error
		calc, calcErr = o.calculator.Extend(ctx, rep.AthleteID, opts...)
		switch {
		case calcErr == nil:
			extended = true
		case runErr == nil:
			runErr = calcErr
			committed = time.Time{}
		}
		rep.PointsWritten = calc.Written
	}

	// state is recorded even when the run was cancelled
	finishCtx := context.WithoutCancel(ctx)
	rep.FinishedAt = o.clock.Now()
	rep.Status = classify(runErr)
	if rep.Status == domain.SyncSuccess && abortsStreams(streamErr) {
		rep.Status = domain.SyncPartialFailure
	}
	rep.Error = errorDetail(runErr, streamErr, rep.Activities.Skipped)

	state := o.nextState(finishCtx, r, runErr, committed, streamed, &log)
	state.RecomputeFrom = nil
	if !extended && !r.recomputeFrom.IsZero() {
		from := r.recomputeFrom
		state.RecomputeFrom = &from
	}
	if err := o.store.FinishSyncRun(finishCtx, state, o.outboxEvents(r, state.TotalActivitiesSynced, calc)...); err != nil {
		log.Error().Err(err).Msg("failed to record sync state")
		observability.RecordSyncRun(string(rep.Mode), string(domain.SyncPartialFailure), rep.StartedAt, rep.FinishedAt)
		return *rep, fmt.Errorf("%w: record sync state: %v", domain.ErrPersistenceFailure, err)
	}
	observability.RecordSyncRun(string(rep.Mode), string(rep.Status), rep.StartedAt, rep.FinishedAt)

	ev := log.Info()
	if runErr != nil {
		ev = log.Warn().Err(runErr)
	}
	ev.Str("status", string(rep.Status)).
		Int("created", rep.Activities.Created).
		Int("updated", rep.Activities.Updated).
		Int("unchanged", rep.Activities.Unchanged).
		Int("skipped", rep.Activities.Skipped).
		Int("streams", rep.StreamsStored).
		Int("points", rep.PointsWritten).
		Dur("duration", rep.FinishedAt.Sub(rep.StartedAt)).
		Msg("sync run finished")
	return *rep, runErr
}

func (o *Orchestrator) refreshProfile(ctx context.Context, api API, athleteID int64) error {
	raw, err := api.GetAthlete(ctx)
	if err != nil {
		return fmt.Errorf("refresh profile: %w", err)
	}
	existing, err := o.store.GetAthlete(ctx, athleteID)
	if err != nil {
		return fmt.Errorf("%w: load athlete: %v", domain.ErrPersistenceFailure, err)
	}
	base := domain.Athlete{ID: athleteID}
	if existing != nil {
		base = *existing
	}
	profile := raw.ToDomain()
	profile.ID = athleteID
	if err := o.store.UpsertAthlete(ctx, base.MergeProfile(profile)); err != nil {
		return fmt.Errorf("%w: save athlete: %v", domain.ErrPersistenceFailure, err)
	}
	return nil
}

// ingestPages lists and ingests pages in upstream order. committed is the start time up to
// which every record is known to be stored: the first record of a page whose ingestion
// failed, or the newest record of the last page that was fully written.
func (o *Orchestrator) ingestPages(ctx context.Context, api API, r *run, log *zerolog.Logger) (committed time.Time, changed []domain.Activity, err error) {
	rep := &r.report
	// an explicit lower bound keeps the listing in ascending start order
	after := time.Unix(0, 0).UTC()
	if rep.Mode == domain.SyncIncremental {
		after = watermark(r.prev).Add(-o.cfg.Overlap)
	}

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return committed, changed, err
		}

		raws, err := api.ListActivities(ctx, upstream.ListParams{After: after, Page: page, PerPage: o.cfg.PageSize})
		if err != nil {
			return committed, changed, fmt.Errorf("list page %d: %w", page, err)
		}

		res, err := o.activities.Ingest(ctx, rep.AthleteID, raws)
		rep.Activities.Add(res)
		changed = append(changed, res.Changed...)
		if markErr := o.markRecompute(ctx, r, res); markErr != nil {
			return committed, changed, markErr
		}
		if err != nil {
			if first, ok := firstStart(raws); ok {
				committed = first
			}
			return committed, changed, fmt.Errorf("ingest page %d: %w", page, err)
		}
		if last, ok := lastStart(raws); ok && last.After(committed) {
			committed = last
		}
		log.Debug().Int("page", page).Int("records", len(raws)).Int("changed", len(res.Changed)).Msg("page ingested")

		if len(raws) < o.cfg.PageSize {
			return committed, changed, nil
		}
	}
}

// markRecompute persists the earliest day touched by a page before the calculator runs, so days
// whose activities were committed by a run that stops early are still re-derived by a later one.
func (o *Orchestrator) markRecompute(ctx context.Context, r *run, res ingest.Result) error {
	d, ok := res.EarliestDay()
	if !ok || (!r.recomputeFrom.IsZero() && !d.Before(r.recomputeFrom)) {
		return nil
	}
	r.recomputeFrom = d
	if err := o.store.MarkRecompute(context.WithoutCancel(ctx), r.report.AthleteID, d); err != nil {
		return fmt.Errorf("%w: mark recompute: %v", domain.ErrPersistenceFailure, err)
	}
	return nil
}

// ingestStreams stores channels for changed activities in the recency window plus recent
// activities that never got streams, bounded by StreamLimit. Upstream trouble ends the phase
// early; the skipped activities are picked up by a later run.
func (o *Orchestrator) ingestStreams(ctx context.Context, api API, rep *Report, changed []domain.Activity, log *zerolog.Logger) (bool, error) {
	if o.cfg.StreamLimit == 0 {
		return false, nil
	}
	seen := make(map[int64]bool)
	var targets []int64
	for i := len(changed) - 1; i >= 0 && len(targets) < o.cfg.StreamLimit; i-- {
		a := changed[i]
		if !seen[a.ID] && o.streams.Eligible(a) {
			seen[a.ID] = true
			targets = append(targets, a.ID)
		}
	}
	if len(targets) < o.cfg.StreamLimit {
		missing, err := o.store.ActivitiesMissingStreams(ctx, rep.AthleteID, o.streams.Since(), o.cfg.StreamLimit)
		if err != nil {
			return false, fmt.Errorf("%w: activities missing streams: %v", domain.ErrPersistenceFailure, err)
		}
		for _, a := range missing {
			if len(targets) >= o.cfg.StreamLimit {
				break
			}
			if !seen[a.ID] {
				seen[a.ID] = true
				targets = append(targets, a.ID)
			}
		}
	}

	var conflicts []error
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		n, err := o.streams.IngestStreams(ctx, api, id, nil)
		rep.StreamsStored += n
		if err == nil {
			continue
		}
		if errors.Is(err, domain.ErrIngestionConflict) && !abortsStreams(err) {
			conflicts = append(conflicts, err)
			continue
		}
		log.Warn().Err(err).Int64("activity_id", id).Msg("stream phase stopped")
		return false, err
	}
	return true, errors.Join(conflicts...)
}

func abortsStreams(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrAuthExpired) ||
		errors.Is(err, domain.ErrUpstreamUnavailable) ||
		errors.Is(err, domain.ErrPersistenceFailure)
}

// shouldExtend runs the calculator after a clean listing, or after a partial one that still
// committed records. Storage failures and cancellation skip it.
func shouldExtend(runErr error, changed []domain.Activity, committed time.Time) bool {
	if runErr == nil {
		return true
	}
	if errors.Is(runErr, domain.ErrPersistenceFailure) || errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return false
	}
	return len(changed) > 0 || !committed.IsZero()
}

func (o *Orchestrator) nextState(ctx context.Context, r *run, runErr error, committed time.Time, streamed bool, log *zerolog.Logger) domain.SyncState {
	rep := r.report
	state := r.prev
	state.AthleteID = rep.AthleteID
	state.Status = rep.Status
	state.Error = rep.Error
	state.RunID = rep.RunID
	started := rep.StartedAt
	state.RunStartedAt = &started

	switch {
	case runErr == nil:
		state.LastIncrementalSync = &started
		if rep.Mode == domain.SyncFull {
			state.LastFullSync = &started
		}
		if streamed {
			state.LastStreamSync = &started
		}
	case !committed.IsZero() && committed.After(watermark(r.prev)):
		mark := committed
		state.LastIncrementalSync = &mark
	}

	if total, err := o.store.CountActivities(ctx, rep.AthleteID); err == nil {
		state.TotalActivitiesSynced = total
	} else {
		log.Warn().Err(err).Msg("count activities")
	}
	return state
}

func (o *Orchestrator) outboxEvents(r *run, total int, calc trainingload.Result) []domain.OutboxEvent {
	rep := r.report
	out := []domain.OutboxEvent{{
		Type:      events.TypeSyncCompleted,
		AthleteID: rep.AthleteID,
		Payload: events.SyncCompleted{
			AthleteID:       rep.AthleteID,
			RunID:           rep.RunID,
			Mode:            string(rep.Mode),
			Status:          string(rep.Status),
			Error:           rep.Error,
			StartedAt:       rep.StartedAt,
			FinishedAt:      rep.FinishedAt,
			Created:         rep.Activities.Created,
			Updated:         rep.Activities.Updated,
			Unchanged:       rep.Activities.Unchanged,
			Skipped:         rep.Activities.Skipped,
			StreamsStored:   rep.StreamsStored,
			PointsWritten:   rep.PointsWritten,
			TotalActivities: total,
		},
	}}
	if calc.Written == 0 || len(calc.Points) == 0 {
		return out
	}

	days := make([]events.TrainingLoadDay, 0, len(calc.Points))
	for _, p := range calc.Points {
		days = append(days, events.TrainingLoadDay{
			Date:          p.Date.Format(events.DateLayout),
			DailyTSS:      p.DailyTSS,
			CTL:           p.CTL,
			ATL:           p.ATL,
			TSB:           p.TSB,
			ActivityCount: p.ActivityCount,
		})
	}
	return append(out, domain.OutboxEvent{
		Type:      events.TypeTrainingLoadExtended,
		AthleteID: rep.AthleteID,
		Payload: events.TrainingLoadExtended{
			AthleteID: rep.AthleteID,
			RunID:     rep.RunID,
			From:      calc.From.Format(events.DateLayout),
			To:        calc.To.Format(events.DateLayout),
			Points:    days,
		},
	})
}

// classify maps a run error onto the persisted outcome.
func classify(err error) domain.SyncStatus {
	switch {
	case err == nil:
		return domain.SyncSuccess
	case errors.Is(err, domain.ErrAuthExpired):
		return domain.SyncFatal
	default:
		return domain.SyncPartialFailure
	}
}

func errorDetail(runErr, streamErr error, skipped int) string {
	var detail string
	switch {
	case errors.Is(runErr, context.Canceled):
		detail = "sync cancelled"
	case runErr != nil:
		detail = runErr.Error()
	case streamErr != nil:
		detail = "streams incomplete: " + streamErr.Error()
	}
	if skipped > 0 {
		note := fmt.Sprintf("%d malformed activities skipped", skipped)
		if detail == "" {
			return note
		}
		detail += "; " + note
	}
	return detail
}

func firstStart(raws []upstream.RawActivity) (time.Time, bool) {
	for _, raw := range raws {
		if t, err := time.Parse(time.RFC3339, raw.StartDate); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func lastStart(raws []upstream.RawActivity) (time.Time, bool) {
	for i := len(raws) - 1; i >= 0; i-- {
		if t, err := time.Parse(time.RFC3339, raws[i].StartDate); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
