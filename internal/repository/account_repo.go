package repository

import (
	"context"
	"errors"
	"sort"

	"mlmledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Account, error) {
	var account model.Account
	err := use(r.db, tx).WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByConsultantID(ctx context.Context, tx *gorm.DB, consultantID int64) (*model.Account, error) {
	var account model.Account
	err := use(r.db, tx).WithContext(ctx).Where("consultant_id = ?", consultantID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// AccountIDsByConsultant maps consultant ids to account ids; consultants
// without an account are absent from the result.
func (r *AccountRepository) AccountIDsByConsultant(ctx context.Context, tx *gorm.DB, consultantIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(consultantIDs))
	if len(consultantIDs) == 0 {
		return out, nil
	}
	var accounts []model.Account
	err := use(r.db, tx).WithContext(ctx).
		Select("id", "consultant_id").
		Where("consultant_id IN ?", consultantIDs).
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		out[a.ConsultantID] = a.ID
	}
	return out, nil
}

// LockByIDs loads the accounts with a row lock, always in ascending id order
// so concurrent batches touching overlapping accounts cannot deadlock.
func (r *AccountRepository) LockByIDs(ctx context.Context, tx *gorm.DB, ids []int64) (map[int64]*model.Account, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var accounts []*model.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", sorted).
		Order("id ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*model.Account, len(accounts))
	for _, a := range accounts {
		out[a.ID] = a
	}
	for _, id := range sorted {
		if _, ok := out[id]; !ok {
			return nil, ErrAccountNotFound
		}
	}
	return out, nil
}

// Advance moves the cached balance and last seq after entries were appended.
// The version guard turns a concurrent writer into ErrStatusConflict.
func (r *AccountRepository) Advance(ctx context.Context, tx *gorm.DB, account *model.Account, balance, lastSeq int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(map[string]interface{}{
			"balance":  balance,
			"last_seq": lastSeq,
			"version":  gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	account.Balance = balance
	account.LastSeq = lastSeq
	account.Version++
	return nil
}

// SetBalance overwrites the cached balance, used after a replay found drift.
func (r *AccountRepository) SetBalance(ctx context.Context, tx *gorm.DB, id, balance, lastSeq int64) error {
	return use(r.db, tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"balance":  balance,
			"last_seq": lastSeq,
			"version":  gorm.Expr("version + 1"),
		}).Error
}

// GetOrCreate returns the account of consultantID, creating it when missing.
func (r *AccountRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, consultantID int64) (*model.Account, error) {
	account, err := r.GetByConsultantID(ctx, tx, consultantID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	err = use(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "consultant_id"}},
			DoNothing: true,
		}).
		Create(&model.Account{ConsultantID: consultantID}).Error
	if err != nil {
		return nil, err
	}
	return r.GetByConsultantID(ctx, tx, consultantID)
}

func (r *AccountRepository) ListIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
