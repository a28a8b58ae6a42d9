package repository

import (
	"context"
	"errors"
	"time"

	"mlmledger/internal/model"

	"gorm.io/gorm"
)

type ClosingRepository struct {
	db *gorm.DB
}

func NewClosingRepository(db *gorm.DB) *ClosingRepository {
	return &ClosingRepository{db: db}
}

// Create inserts a run in the live slot. A second live run for the same
// (period, category) fails with ErrDuplicate.
func (r *ClosingRepository) Create(ctx context.Context, run *model.ClosingRun) error {
	run.Slot = model.ClosingSlotLive
	err := r.db.WithContext(ctx).Create(run).Error
	if IsDuplicateKey(err) {
		return ErrDuplicate
	}
	return err
}

// GetLive returns the non-failed run of (period, category) or nil.
func (r *ClosingRepository) GetLive(ctx context.Context, period, category string) (*model.ClosingRun, error) {
	var run model.ClosingRun
	err := r.db.WithContext(ctx).
		Where("period = ? AND category = ? AND slot = ?", period, category, model.ClosingSlotLive).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// LatestFailed returns the most recent failed run of (period, category) or nil.
func (r *ClosingRepository) LatestFailed(ctx context.Context, period, category string) (*model.ClosingRun, error) {
	var run model.ClosingRun
	err := r.db.WithContext(ctx).
		Where("period = ? AND category = ? AND state = ?", period, category, model.ClosingFailed).
		Order("id DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// Transition is a compare-and-set on state. Failed runs leave the live slot
// so a retry can claim it; retried runs move back into it, which fails with
// ErrDuplicate if another run got there first.
func (r *ClosingRepository) Transition(ctx context.Context, run *model.ClosingRun, to string, updates map[string]interface{}) error {
	if !model.CanTransitionTo(model.ClosingTransitions, run.State, to) {
		return ErrInvalidTransition
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["state"] = to
	switch to {
	case model.ClosingFailed:
		updates["slot"] = run.RunNo
	case model.ClosingRunning:
		updates["slot"] = model.ClosingSlotLive
		updates["started_at"] = time.Now()
		updates["attempt"] = gorm.Expr("attempt + 1")
	case model.ClosingCompleted:
		updates["completed_at"] = time.Now()
	}

	result := r.db.WithContext(ctx).
		Model(&model.ClosingRun{}).
		Where("id = ? AND state = ?", run.ID, run.State).
		Updates(updates)
	if result.Error != nil {
		if IsDuplicateKey(result.Error) {
			return ErrDuplicate
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return r.db.WithContext(ctx).Where("id = ?", run.ID).First(run).Error
}

// SaveProgress stores counters of a running run without touching its state.
func (r *ClosingRepository) SaveProgress(ctx context.Context, run *model.ClosingRun, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&model.ClosingRun{}).
		Where("id = ? AND state = ?", run.ID, model.ClosingRunning).
		Updates(updates).Error
}

func (r *ClosingRepository) List(ctx context.Context, page, pageSize int) ([]*model.ClosingRun, int64, error) {
	var runs []*model.ClosingRun
	var total int64
	query := r.db.WithContext(ctx).Model(&model.ClosingRun{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&runs).Error
	return runs, total, err
}
