package repository

import (
	"context"
	"errors"
	"time"

	"mlmledger/internal/model"

	"gorm.io/gorm"
)

type WithdrawalRepository struct {
	db *gorm.DB
}

func NewWithdrawalRepository(db *gorm.DB) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

func (r *WithdrawalRepository) Create(ctx context.Context, tx *gorm.DB, w *model.WithdrawalRequest) error {
	return use(r.db, tx).WithContext(ctx).Create(w).Error
}

func (r *WithdrawalRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	err := use(r.db, tx).WithContext(ctx).Where("id = ?", id).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetByRequestID returns nil, nil for an unknown idempotency key.
func (r *WithdrawalRepository) GetByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	err := use(r.db, tx).WithContext(ctx).Where("request_id = ?", requestID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// PendingTotal is the amount plus fee earmarked by pending requests.
func (r *WithdrawalRepository) PendingTotal(ctx context.Context, tx *gorm.DB, accountID int64) (int64, error) {
	var sum int64
	err := use(r.db, tx).WithContext(ctx).
		Model(&model.WithdrawalRequest{}).
		Where("account_id = ? AND status = ?", accountID, model.WithdrawalStatusPending).
		Select("COALESCE(SUM(amount + fee), 0)").
		Scan(&sum).Error
	return sum, err
}

// Decide moves a request out of fromStatus. Zero rows affected means another
// caller decided it first.
func (r *WithdrawalRepository) Decide(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus, decidedBy, reason, refID string) error {
	if !model.CanTransitionTo(model.WithdrawalTransitions, fromStatus, toStatus) {
		return ErrInvalidTransition
	}
	now := time.Now()
	result := use(r.db, tx).WithContext(ctx).
		Model(&model.WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":     toStatus,
			"decided_at": &now,
			"decided_by": decidedBy,
			"reason":     reason,
			"ref_id":     refID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *WithdrawalRepository) List(ctx context.Context, accountID int64, status string, page, pageSize int) ([]*model.WithdrawalRequest, int64, error) {
	var list []*model.WithdrawalRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WithdrawalRequest{})
	if accountID > 0 {
		query = query.Where("account_id = ?", accountID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&list).Error
	return list, total, err
}
