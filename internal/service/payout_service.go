package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mlmledger/internal/compensation"
	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/metrics"
	"mlmledger/internal/model"
	"mlmledger/internal/repository"
	"mlmledger/pkg/period"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// PayoutService turns cycle events into ledger batches. Each event id is
// applied at most once: concurrent callers in this process share one
// execution and the ledger refId rejects everything else.
type PayoutService struct {
	db         *gorm.DB
	cfg        *config.Config
	ledger     *LedgerService
	network    *NetworkService
	configs    *ConfigService
	eventRepo  *repository.CycleEventRepository
	careerRepo *repository.CareerRepository
	flight     singleflight.Group
}

func NewPayoutService(db *gorm.DB, cfg *config.Config, ledger *LedgerService, network *NetworkService, configs *ConfigService) *PayoutService {
	return &PayoutService{
		db:         db,
		cfg:        cfg,
		ledger:     ledger,
		network:    network,
		configs:    configs,
		eventRepo:  repository.NewCycleEventRepository(db),
		careerRepo: repository.NewCareerRepository(db),
	}
}

type CycleEventInput struct {
	EventID      string    `json:"event_id" binding:"required,max=64"`
	ConsultantID int64     `json:"consultant_id" binding:"required,gt=0"`
	MatrixID     string    `json:"matrix_id" binding:"required"`
	Source       string    `json:"source"`
	Value        int64     `json:"value" binding:"gte=0"`
	CycleNumber  int       `json:"cycle_number" binding:"gte=0"`
	OccurredAt   time.Time `json:"occurred_at"`
	Deferred     bool      `json:"deferred"`
}

type IngestResult struct {
	Event   *model.CycleEvent `json:"event"`
	Created bool              `json:"created"`
	Payout  *AppendResult     `json:"payout,omitempty"`
}

// Ingest records a cycle event and, unless it is deferred to the closing run,
// applies it right away. Re-sending a known event id never pays twice.
func (s *PayoutService) Ingest(ctx context.Context, in *CycleEventInput) (*IngestResult, error) {
	source := strings.ToUpper(strings.TrimSpace(in.Source))
	if source == "" {
		source = model.CycleSourceMatrix
	}
	switch source {
	case model.CycleSourceMatrix, model.CycleSourceSaleReferral, model.CycleSourceSaleShop:
	default:
		return nil, fmt.Errorf("%w: unknown event source %q", ErrInvalidEntry, in.Source)
	}
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	cycleNumber := in.CycleNumber
	if cycleNumber < 1 {
		cycleNumber = 1
	}

	event := &model.CycleEvent{
		ID:           in.EventID,
		ConsultantID: in.ConsultantID,
		MatrixID:     in.MatrixID,
		Source:       source,
		Deferred:     in.Deferred,
		Period:       period.MonthOf(occurred.In(s.cfg.Closing.Location())).String(),
		Value:        in.Value,
		CycleNumber:  cycleNumber,
		OccurredAt:   occurred,
		Status:       model.CycleEventPending,
	}
	created, err := s.eventRepo.Create(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("record cycle event %s: %w", in.EventID, err)
	}
	stored, err := s.eventRepo.Get(ctx, nil, in.EventID)
	if err != nil {
		return nil, err
	}
	if stored.ConsultantID != event.ConsultantID || stored.MatrixID != event.MatrixID || stored.Source != event.Source {
		return nil, fmt.Errorf("%w: event id %s was already used for another trigger", ErrInvalidEntry, in.EventID)
	}

	result := &IngestResult{Event: stored, Created: created}
	if stored.Deferred {
		return result, nil
	}

	cfg, err := s.configs.Matrix(ctx, stored.MatrixID)
	if err != nil {
		return nil, err
	}
	payout, err := s.Apply(ctx, stored, cfg)
	if err != nil {
		if markErr := s.eventRepo.MarkFailed(context.WithoutCancel(ctx), stored.ID, err); markErr != nil {
			log.Error().Err(markErr).Str("section", "payout").Str("event_id", stored.ID).Msg("mark event failed")
		}
		return nil, err
	}
	result.Payout = payout
	if fresh, err := s.eventRepo.Get(ctx, nil, stored.ID); err == nil {
		result.Event = fresh
	}
	return result, nil
}

// Apply computes and appends the payout batch of event under cfg.
func (s *PayoutService) Apply(ctx context.Context, event *model.CycleEvent, cfg *compensation.MatrixConfig) (*AppendResult, error) {
	v, err, _ := s.flight.Do(event.ID, func() (interface{}, error) {
		return s.apply(ctx, event, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AppendResult), nil
}

func (s *PayoutService) apply(ctx context.Context, event *model.CycleEvent, cfg *compensation.MatrixConfig) (*AppendResult, error) {
	if cfg.MatrixID != event.MatrixID {
		return nil, fmt.Errorf("%w: event %s is for matrix %s, got %s", ErrConfigurationInvalid, event.ID, event.MatrixID, cfg.MatrixID)
	}
	snap, err := s.network.Snapshot(ctx, event.ConsultantID, event.Period)
	if err != nil {
		if errors.Is(err, repository.ErrConsultantNotFound) {
			return nil, &compensation.TreeIntegrityError{ConsultantID: event.ConsultantID, Reason: "unknown consultant"}
		}
		return nil, err
	}
	batch, err := compensation.Calculate(event, cfg, snap)
	if err != nil {
		return nil, err
	}

	result, err := s.ledger.Append(ctx, &AppendRequest{
		RefID:      batch.RefID,
		Source:     batch.Source,
		OccurredAt: batch.OccurredAt,
		Entries:    batch.Entries,
		AfterApply: func(ctx context.Context, tx *gorm.DB) error {
			if event.Source == model.CycleSourceMatrix {
				if err := s.countCycle(ctx, tx, event, snap); err != nil {
					return err
				}
			}
			return s.eventRepo.MarkApplied(ctx, tx, event.ID, batch.RefID)
		},
	})
	if err != nil {
		return nil, err
	}

	if result.Replayed {
		if event.Status != model.CycleEventApplied {
			if err := s.eventRepo.MarkApplied(ctx, nil, event.ID, batch.RefID); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	metrics.CyclePayouts.Add(float64(result.Credits))
	log.Info().
		Str("section", "payout").
		Str("event_id", event.ID).
		Str("ref_id", batch.RefID).
		Int64("consultant_id", event.ConsultantID).
		Int("config_version", cfg.Version).
		Int("entries", len(result.Entries)).
		Int64("credits", result.Credits).
		Msg("cycle applied")
	return result, nil
}

// countCycle credits one cycle to every ancestor on the frontline it came
// through, and to the consultant itself as a personal line.
func (s *PayoutService) countCycle(ctx context.Context, tx *gorm.DB, event *model.CycleEvent, snap *compensation.Snapshot) error {
	trigger := snap.Trigger.ConsultantID
	if err := s.careerRepo.Increment(ctx, tx, trigger, event.Period, trigger, 1); err != nil {
		return err
	}
	line := trigger
	for _, up := range snap.Uplines {
		if err := s.careerRepo.Increment(ctx, tx, up.ConsultantID, event.Period, line, 1); err != nil {
			return err
		}
		line = up.ConsultantID
	}
	return nil
}

// ReprocessStale re-applies non-deferred events that were recorded but never
// reached the ledger, e.g. after a crash between ingest and apply. A failed
// event is retried until it has failed business.stale_event_max_attempts
// times; after that only a closing run picks it up.
func (s *PayoutService) ReprocessStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	maxAttempts := s.cfg.Business.StaleEventMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	events, err := s.eventRepo.ListStale(ctx, time.Now().Add(-olderThan), maxAttempts, limit)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		cfg, err := s.configs.Matrix(ctx, event.MatrixID)
		if err == nil {
			_, err = s.Apply(ctx, event, cfg)
		}
		if err != nil {
			log.Warn().Err(err).Str("section", "payout").Str("event_id", event.ID).Msg("stale event still failing")
			if markErr := s.eventRepo.MarkFailed(ctx, event.ID, err); markErr != nil {
				return applied, markErr
			}
			continue
		}
		applied++
	}
	return applied, nil
}
