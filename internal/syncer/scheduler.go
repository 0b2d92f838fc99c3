package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/trainingsync/internal/domain"
	"example.com/trainingsync/internal/logging"
)

// Runner executes one run for an athlete.
type Runner interface {
	Run(ctx context.Context, athleteID int64, mode domain.SyncMode) (Report, error)
}

// Roster lists the athletes the scheduler keeps in sync and their last recorded state.
type Roster interface {
	ListTokenHolders(ctx context.Context) ([]int64, error)
	GetSyncState(ctx context.Context, athleteID int64) (*domain.SyncState, error)
}

// SchedulerConfig holds configuration for the periodic sync scheduler.
type SchedulerConfig struct {
	// Interval between sweeps over all connected athletes.
	Interval time.Duration
	// MaxConcurrent bounds how many athletes sync at once.
	MaxConcurrent int
	// ExecutionTimeout caps a single run.
	ExecutionTimeout time.Duration
	// FullResyncInterval forces a full run when the last one is older. Zero disables it.
	FullResyncInterval time.Duration
	Enabled            bool
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:         15 * time.Minute,
		MaxConcurrent:    4,
		ExecutionTimeout: 30 * time.Minute,
		Enabled:          true,
	}
}

// Scheduler periodically syncs every athlete holding a token. It runs as a supervised service.
type Scheduler struct {
	runner Runner
	roster Roster
	now    func() time.Time
	logger zerolog.Logger
	config SchedulerConfig
}

func NewScheduler(runner Runner, roster Roster, now func() time.Time, config SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.ExecutionTimeout <= 0 {
		config.ExecutionTimeout = def.ExecutionTimeout
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		runner: runner,
		roster: roster,
		now:    now,
		logger: logging.Logger().With().Str("component", "sync-scheduler").Logger(),
		config: config,
	}
}

// Serve runs a sweep immediately and then on every interval until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info().Msg("sync scheduler disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Int("max_concurrent", s.config.MaxConcurrent).
		Dur("full_resync_interval", s.config.FullResyncInterval).
		Msg("starting sync scheduler")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Scheduler) String() string { return "sync-scheduler" }

// Sweep syncs every connected athlete once and waits for the runs to finish.
// It returns the number of runs that were started.
func (s *Scheduler) Sweep(ctx context.Context) int {
	athletes, err := s.roster.ListTokenHolders(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list connected athletes")
		return 0
	}
	if len(athletes) == 0 {
		return 0
	}

	sem := make(chan struct{}, s.config.MaxConcurrent)
	var wg sync.WaitGroup
	started := 0

	for _, id := range athletes {
		if ctx.Err() != nil {
			break
		}
		mode, ok := s.modeFor(ctx, id)
		if !ok {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		started++
		wg.Add(1)
		go func(athleteID int64, mode domain.SyncMode) {
			defer wg.Done()
			defer func() { <-sem }()
			s.execute(ctx, athleteID, mode)
		}(id, mode)
	}

	wg.Wait()
	return started
}

// modeFor picks the run mode and skips athletes that cannot be synced unattended.
func (s *Scheduler) modeFor(ctx context.Context, athleteID int64) (domain.SyncMode, bool) {
	st, err := s.roster.GetSyncState(ctx, athleteID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("athlete_id", athleteID).Msg("failed to load sync state")
		return "", false
	}
	if st == nil {
		return SyncAuto, true
	}
	// a fatal run needs the athlete to reconnect first
	if st.Status == domain.SyncFatal {
		return "", false
	}
	if s.config.FullResyncInterval > 0 && st.LastFullSync != nil &&
		s.now().Sub(*st.LastFullSync) >= s.config.FullResyncInterval {
		return domain.SyncFull, true
	}
	return SyncAuto, true
}

func (s *Scheduler) execute(ctx context.Context, athleteID int64, mode domain.SyncMode) {
	runCtx, cancel := context.WithTimeout(logging.ContextWithCorrelationID(ctx, ""), s.config.ExecutionTimeout)
	defer cancel()

	rep, err := s.runner.Run(runCtx, athleteID, mode)
	switch {
	case errors.Is(err, domain.ErrSyncInProgress):
		s.logger.Debug().Int64("athlete_id", athleteID).Msg("sync already running, skipped")
	case err != nil && rep.RunID == "":
		s.logger.Error().Err(err).Int64("athlete_id", athleteID).Msg("scheduled sync not started")
	case err != nil:
		s.logger.Warn().Err(err).Int64("athlete_id", athleteID).Str("status", string(rep.Status)).Msg("scheduled sync incomplete")
	}
}
