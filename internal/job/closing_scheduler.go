package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mlmledger/internal/config"
	"mlmledger/internal/model"
	"mlmledger/internal/service"
	"mlmledger/pkg/period"

	"github.com/robfig/cron"
	"github.com/rs/zerolog/log"
)

// Closer is the part of the closing service the scheduler drives.
type Closer interface {
	Close(ctx context.Context, periodKey, category, triggeredBy string) (*model.ClosingRun, error)
}

// ClosingScheduler closes the previous month and the previous quarter on the
// configured cron specs (seconds first) in the closing timezone.
type ClosingScheduler struct {
	cron    *cron.Cron
	closer  Closer
	loc     *time.Location
	ctx     context.Context
	now     func() time.Time
	timeout time.Duration
}

func NewClosingScheduler(ctx context.Context, closer Closer, cfg *config.Config) (*ClosingScheduler, error) {
	loc := cfg.Closing.Location()
	s := &ClosingScheduler{
		cron:    cron.NewWithLocation(loc),
		closer:  closer,
		loc:     loc,
		ctx:     ctx,
		now:     time.Now,
		timeout: 6 * time.Hour,
	}
	if err := s.cron.AddFunc(cfg.Closing.MonthlySchedule, func() { s.run(model.ClosingMonthly) }); err != nil {
		return nil, fmt.Errorf("monthly schedule %q: %w", cfg.Closing.MonthlySchedule, err)
	}
	if err := s.cron.AddFunc(cfg.Closing.QuarterlySchedule, func() { s.run(model.ClosingQuarterly) }); err != nil {
		return nil, fmt.Errorf("quarterly schedule %q: %w", cfg.Closing.QuarterlySchedule, err)
	}
	return s, nil
}

func (s *ClosingScheduler) Start() {
	log.Info().Str("section", "scheduler").Str("timezone", s.loc.String()).Msg("closing scheduler started")
	s.cron.Start()
}

func (s *ClosingScheduler) Stop() {
	s.cron.Stop()
	log.Info().Str("section", "scheduler").Msg("closing scheduler stopped")
}

// Due returns the period a run of category triggered at now should close.
func Due(now time.Time, loc *time.Location, category string) string {
	local := now.In(loc)
	if category == model.ClosingQuarterly {
		return period.QuarterOf(local).Previous().String()
	}
	return period.MonthOf(local).Previous().String()
}

func (s *ClosingScheduler) run(category string) {
	periodKey := Due(s.now(), s.loc, category)
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	logger := log.With().Str("section", "scheduler").Str("period", periodKey).Str("category", category).Logger()
	run, err := s.closer.Close(ctx, periodKey, category, "scheduler")
	var partial *service.PartialBatchFailure
	switch {
	case err == nil:
		logger.Info().Str("run_no", run.RunNo).Str("state", run.State).Msg("scheduled closing done")
	case errors.Is(err, service.ErrClosingInProgress):
		logger.Info().Msg("closing already running elsewhere")
	case errors.As(err, &partial):
		logger.Error().Str("run_no", partial.RunNo).Strs("failed", partial.FailedEventIDs).Msg("scheduled closing left failed events")
	default:
		logger.Error().Err(err).Msg("scheduled closing failed")
	}
}
