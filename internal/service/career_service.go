package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"mlmledger/internal/compensation"
	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/metrics"
	"mlmledger/internal/model"
	"mlmledger/internal/repository"
	"mlmledger/pkg/period"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type CareerService struct {
	db             *gorm.DB
	cfg            *config.Config
	ledger         *LedgerService
	configs        *ConfigService
	careerRepo     *repository.CareerRepository
	consultantRepo *repository.ConsultantRepository
	accountRepo    *repository.AccountRepository
	outboxRepo     *repository.OutboxRepository
}

func NewCareerService(db *gorm.DB, cfg *config.Config, ledger *LedgerService, configs *ConfigService) *CareerService {
	return &CareerService{
		db:             db,
		cfg:            cfg,
		ledger:         ledger,
		configs:        configs,
		careerRepo:     repository.NewCareerRepository(db),
		consultantRepo: repository.NewConsultantRepository(db),
		accountRepo:    repository.NewAccountRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

type CareerResult struct {
	ConsultantID int64                     `json:"consultant_id"`
	Period       string                    `json:"period"`
	PlanVersion  int                       `json:"plan_version"`
	PreviousRank int                       `json:"previous_rank"`
	Rank         int                       `json:"rank"`
	Lines        []compensation.LineCycles `json:"lines"`
	Promotions   []*model.RankPromotion    `json:"promotions"`
}

// Evaluate checks the consultant's cumulative line counters up to the end of
// periodKey against plan and pays every tier newly reached. A nil plan uses
// the latest stored one. Re-evaluating never pays a tier twice and never
// lowers the rank.
func (s *CareerService) Evaluate(ctx context.Context, consultantID int64, periodKey string, plan *compensation.CareerPlan) (*CareerResult, error) {
	p, err := period.Parse(periodKey)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		if plan, err = s.configs.Career(ctx); err != nil {
			return nil, err
		}
	}
	consultant, err := s.consultantRepo.Get(ctx, nil, consultantID)
	if err != nil {
		return nil, err
	}
	totals, err := s.careerRepo.LineTotals(ctx, nil, consultantID, p.LastMonth().String())
	if err != nil {
		return nil, err
	}
	lines := make([]compensation.LineCycles, 0, len(totals))
	for id, cycles := range totals {
		lines = append(lines, compensation.LineCycles{LineID: id, Cycles: cycles})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].LineID < lines[j].LineID })

	ev := compensation.EvaluateCareer(plan, consultant.Rank, lines)
	result := &CareerResult{
		ConsultantID: consultantID,
		Period:       p.String(),
		PlanVersion:  plan.Version,
		PreviousRank: consultant.Rank,
		Rank:         ev.ReachedRank,
		Lines:        lines,
	}
	if len(ev.Promotions) == 0 {
		return result, nil
	}

	account, err := s.accountRepo.GetOrCreate(ctx, nil, consultantID)
	if err != nil {
		return nil, err
	}
	for _, tier := range ev.Promotions {
		promo, err := s.promote(ctx, consultantID, account.ID, tier, plan.Version, p.String())
		if err != nil {
			return nil, fmt.Errorf("promote %d to rank %d: %w", consultantID, tier.Rank, err)
		}
		if promo != nil {
			result.Promotions = append(result.Promotions, promo)
		}
	}
	return result, nil
}

func (s *CareerService) promote(ctx context.Context, consultantID, accountID int64, tier compensation.CareerTier, planVersion int, periodKey string) (*model.RankPromotion, error) {
	batch := compensation.PromotionBatch(consultantID, accountID, tier, planVersion, periodKey, time.Now())
	promo := &model.RankPromotion{
		ConsultantID: consultantID,
		Rank:         tier.Rank,
		RankName:     tier.Name,
		Period:       periodKey,
		Reward:       tier.Reward,
		RefID:        batch.RefID,
		PlanVersion:  planVersion,
	}

	result, err := s.ledger.Append(ctx, &AppendRequest{
		RefID:      batch.RefID,
		Source:     batch.Source,
		OccurredAt: batch.OccurredAt,
		Entries:    batch.Entries,
		AfterApply: func(ctx context.Context, tx *gorm.DB) error {
			if _, err := s.careerRepo.CreatePromotion(ctx, tx, promo); err != nil {
				return err
			}
			if err := s.consultantRepo.RaiseRank(ctx, tx, consultantID, tier.Rank); err != nil {
				return err
			}
			msg, err := model.NewOutboxMessage(s.cfg.Kafka.Topic.Career, model.EventRankPromoted, batch.RefID, map[string]interface{}{
				"consultant_id": consultantID,
				"rank":          tier.Rank,
				"rank_code":     tier.Code,
				"reward":        tier.Reward,
				"period":        periodKey,
				"plan_version":  planVersion,
			})
			if err != nil {
				return err
			}
			return s.outboxRepo.Create(ctx, tx, msg)
		},
	})
	if err != nil {
		return nil, err
	}
	if result.Replayed {
		// the rank may still lag when a previous run died after the batch
		return nil, s.consultantRepo.RaiseRank(ctx, nil, consultantID, tier.Rank)
	}

	metrics.CyclePayouts.Add(float64(tier.Reward))
	log.Info().
		Str("section", "career").
		Int64("consultant_id", consultantID).
		Int("rank", tier.Rank).
		Str("code", tier.Code).
		Int64("reward", tier.Reward).
		Msg("rank promoted")
	return promo, nil
}

// SetRank is the administrative override. It may lower the rank and never
// pays rewards.
func (s *CareerService) SetRank(ctx context.Context, consultantID int64, rank int, actor string) (*model.Consultant, error) {
	if rank < 0 {
		return nil, ErrInvalidRank
	}
	if rank > 0 {
		plan, err := s.configs.Career(ctx)
		if err != nil {
			if errors.Is(err, repository.ErrConfigNotFound) {
				return nil, ErrInvalidRank
			}
			return nil, err
		}
		if _, ok := plan.Tier(rank); !ok {
			return nil, ErrInvalidRank
		}
	}
	c, err := s.consultantRepo.Get(ctx, nil, consultantID)
	if err != nil {
		return nil, err
	}
	if err := s.consultantRepo.SetRank(ctx, nil, consultantID, rank); err != nil {
		return nil, err
	}

	log.Warn().
		Str("section", "career").
		Int64("consultant_id", consultantID).
		Int("from", c.Rank).
		Int("to", rank).
		Str("actor", actor).
		Msg("rank set by administrator")
	c.Rank = rank
	return c, nil
}

func (s *CareerService) Promotions(ctx context.Context, consultantID int64) ([]*model.RankPromotion, error) {
	if _, err := s.consultantRepo.Get(ctx, nil, consultantID); err != nil {
		return nil, err
	}
	return s.careerRepo.Promotions(ctx, consultantID)
}
