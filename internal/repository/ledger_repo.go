package repository

import (
	"context"
	"errors"
	"time"

	"mlmledger/internal/model"

	"gorm.io/gorm"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// LedgerFilter narrows an account statement. Zero values mean no filter.
type LedgerFilter struct {
	Types    []string
	From     time.Time
	To       time.Time
	RefID    string
	Page     int
	PageSize int
}

// GetBatch returns nil, nil when refID was never applied.
func (r *LedgerRepository) GetBatch(ctx context.Context, tx *gorm.DB, refID string) (*model.LedgerBatch, error) {
	var batch model.LedgerBatch
	err := use(r.db, tx).WithContext(ctx).Where("ref_id = ?", refID).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}

// BatchesExist returns the subset of refIDs that have an applied batch.
func (r *LedgerRepository) BatchesExist(ctx context.Context, refIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(refIDs))
	if len(refIDs) == 0 {
		return out, nil
	}
	var found []string
	err := r.db.WithContext(ctx).
		Model(&model.LedgerBatch{}).
		Where("ref_id IN ?", refIDs).
		Pluck("ref_id", &found).Error
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (r *LedgerRepository) CreateBatch(ctx context.Context, tx *gorm.DB, batch *model.LedgerBatch, entries []*model.LedgerEntry) error {
	if err := tx.WithContext(ctx).Create(batch).Error; err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(entries).Error
}

// MarkReversed flips an applied batch to reversed exactly once.
func (r *LedgerRepository) MarkReversed(ctx context.Context, tx *gorm.DB, refID, reversedBy string) error {
	result := tx.WithContext(ctx).
		Model(&model.LedgerBatch{}).
		Where("ref_id = ? AND status = ?", refID, model.BatchStatusApplied).
		Updates(map[string]interface{}{
			"status":      model.BatchStatusReversed,
			"reversed_by": reversedBy,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *LedgerRepository) ListByRefID(ctx context.Context, tx *gorm.DB, refID string) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := use(r.db, tx).WithContext(ctx).
		Where("ref_id = ?", refID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *LedgerRepository) ListByAccount(ctx context.Context, accountID int64, f LedgerFilter) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("account_id = ?", accountID)
	if len(f.Types) > 0 {
		query = query.Where("type IN ?", f.Types)
	}
	if !f.From.IsZero() {
		query = query.Where("occurred_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		query = query.Where("occurred_at < ?", f.To)
	}
	if f.RefID != "" {
		query = query.Where("ref_id = ?", f.RefID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("seq ASC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&entries).Error
	return entries, total, err
}

// ScanAccount returns up to limit entries of an account with seq > afterSeq.
func (r *LedgerRepository) ScanAccount(ctx context.Context, accountID, afterSeq int64, limit int) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND seq > ?", accountID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ReversedRefIDs returns which of refIDs belong to reversed batches.
func (r *LedgerRepository) ReversedRefIDs(ctx context.Context, refIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(refIDs) == 0 {
		return out, nil
	}
	var found []string
	err := r.db.WithContext(ctx).
		Model(&model.LedgerBatch{}).
		Where("ref_id IN ? AND status = ?", refIDs, model.BatchStatusReversed).
		Pluck("ref_id", &found).Error
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// PendingSum adds up the entries of an account still in PENDING state.
func (r *LedgerRepository) PendingSum(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("account_id = ? AND state = ?", accountID, model.EntryStatePending).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// SumCredits totals the credits of the applied batches among refIDs.
func (r *LedgerRepository) SumCredits(ctx context.Context, refIDs []string) (int64, error) {
	if len(refIDs) == 0 {
		return 0, nil
	}
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerBatch{}).
		Where("ref_id IN ?", refIDs).
		Select("COALESCE(SUM(total_credit), 0)").
		Scan(&sum).Error
	return sum, err
}
