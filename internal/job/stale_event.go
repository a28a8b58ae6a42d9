package job

import (
	"context"
	"time"

	"mlmledger/internal/config"
	"mlmledger/internal/service"

	"github.com/rs/zerolog/log"
)

// StaleEventJob re-applies non-deferred cycle events that were ingested but
// never reached the ledger, for instance because the process died between
// storing the event and applying it.
type StaleEventJob struct {
	payout    *service.PayoutService
	stopCh    chan struct{}
	interval  time.Duration
	olderThan time.Duration
	batchSize int
}

func NewStaleEventJob(payout *service.PayoutService, cfg *config.Config) *StaleEventJob {
	interval := cfg.Business.StaleEventInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	olderThan := cfg.Business.StaleEventAfter
	if olderThan <= 0 {
		olderThan = 2 * time.Minute
	}
	return &StaleEventJob{
		payout:    payout,
		stopCh:    make(chan struct{}),
		interval:  interval,
		olderThan: olderThan,
		batchSize: 100,
	}
}

func (j *StaleEventJob) Start(ctx context.Context) {
	log.Info().Str("section", "stale_events").Dur("interval", j.interval).Msg("stale event job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("section", "stale_events").Msg("stale event job stopped by context")
			return
		case <-j.stopCh:
			log.Info().Str("section", "stale_events").Msg("stale event job stopped")
			return
		case <-ticker.C:
			j.reprocess(ctx)
		}
	}
}

func (j *StaleEventJob) Stop() {
	close(j.stopCh)
}

func (j *StaleEventJob) reprocess(ctx context.Context) {
	applied, err := j.payout.ReprocessStale(ctx, j.olderThan, j.batchSize)
	if err != nil {
		log.Error().Err(err).Str("section", "stale_events").Msg("reprocess stale events")
	}
	if applied > 0 {
		log.Info().Str("section", "stale_events").Int("applied", applied).Msg("stale events applied")
	}
}
