package service

import (
	"context"
	"encoding/json"
	"fmt"

	"mlmledger/internal/compensation"
	"mlmledger/internal/model"
	"mlmledger/internal/repository"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ConfigService stores matrix configurations and career plans as immutable
// versions. Only validated payloads are ever written.
type ConfigService struct {
	configRepo *repository.ConfigRepository
}

func NewConfigService(db *gorm.DB) *ConfigService {
	return &ConfigService{configRepo: repository.NewConfigRepository(db)}
}

func (s *ConfigService) PutMatrix(ctx context.Context, cfg *compensation.MatrixConfig, actor string) (*compensation.MatrixConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stored := *cfg
	stored.Version = 0
	payload, err := json.Marshal(&stored)
	if err != nil {
		return nil, err
	}
	row := &model.MatrixConfigVersion{MatrixID: cfg.MatrixID, Payload: string(payload), CreatedBy: actor}
	if err := s.configRepo.CreateMatrix(ctx, row); err != nil {
		return nil, fmt.Errorf("store matrix %s: %w", cfg.MatrixID, err)
	}
	stored.Version = row.Version

	log.Info().
		Str("section", "config").
		Str("matrix_id", cfg.MatrixID).
		Int("version", row.Version).
		Str("actor", actor).
		Msg("matrix configuration stored")
	return &stored, nil
}

func (s *ConfigService) Matrix(ctx context.Context, matrixID string) (*compensation.MatrixConfig, error) {
	row, err := s.configRepo.LatestMatrix(ctx, matrixID)
	if err != nil {
		return nil, err
	}
	return decodeMatrix(row)
}

// Matrices returns the latest version of every configured matrix.
func (s *ConfigService) Matrices(ctx context.Context) (map[string]*compensation.MatrixConfig, error) {
	rows, err := s.configRepo.LatestMatrices(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*compensation.MatrixConfig, len(rows))
	for _, row := range rows {
		cfg, err := decodeMatrix(row)
		if err != nil {
			return nil, err
		}
		out[cfg.MatrixID] = cfg
	}
	return out, nil
}

func decodeMatrix(row *model.MatrixConfigVersion) (*compensation.MatrixConfig, error) {
	var cfg compensation.MatrixConfig
	if err := json.Unmarshal([]byte(row.Payload), &cfg); err != nil {
		return nil, fmt.Errorf("decode matrix %s v%d: %w", row.MatrixID, row.Version, err)
	}
	cfg.MatrixID = row.MatrixID
	cfg.Version = row.Version
	return &cfg, nil
}

func (s *ConfigService) PutCareer(ctx context.Context, plan *compensation.CareerPlan, actor string) (*compensation.CareerPlan, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	stored := *plan
	stored.Version = 0
	payload, err := json.Marshal(&stored)
	if err != nil {
		return nil, err
	}
	row := &model.CareerPlanVersion{Payload: string(payload), CreatedBy: actor}
	if err := s.configRepo.CreateCareer(ctx, row); err != nil {
		return nil, fmt.Errorf("store career plan: %w", err)
	}
	stored.Version = row.Version

	log.Info().
		Str("section", "config").
		Int("version", row.Version).
		Int("tiers", len(plan.Tiers)).
		Str("actor", actor).
		Msg("career plan stored")
	return &stored, nil
}

func (s *ConfigService) Career(ctx context.Context) (*compensation.CareerPlan, error) {
	row, err := s.configRepo.LatestCareer(ctx)
	if err != nil {
		return nil, err
	}
	var plan compensation.CareerPlan
	if err := json.Unmarshal([]byte(row.Payload), &plan); err != nil {
		return nil, fmt.Errorf("decode career plan v%d: %w", row.Version, err)
	}
	plan.Version = row.Version
	return &plan, nil
}
