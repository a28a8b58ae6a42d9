package repository

import (
	"context"
	"errors"

	"mlmledger/internal/model"

	"gorm.io/gorm"
)

type ConfigRepository struct {
	db *gorm.DB
}

func NewConfigRepository(db *gorm.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

func (r *ConfigRepository) LatestMatrix(ctx context.Context, matrixID string) (*model.MatrixConfigVersion, error) {
	var v model.MatrixConfigVersion
	err := r.db.WithContext(ctx).
		Where("matrix_id = ?", matrixID).
		Order("version DESC").
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return &v, nil
}

// LatestMatrices returns the newest version of every matrix.
func (r *ConfigRepository) LatestMatrices(ctx context.Context) ([]*model.MatrixConfigVersion, error) {
	var list []*model.MatrixConfigVersion
	sub := r.db.Model(&model.MatrixConfigVersion{}).
		Select("matrix_id, MAX(version) AS version").
		Group("matrix_id")
	err := r.db.WithContext(ctx).
		Joins("JOIN (?) latest ON latest.matrix_id = matrix_config_version.matrix_id AND latest.version = matrix_config_version.version", sub).
		Order("matrix_config_version.matrix_id ASC").
		Find(&list).Error
	return list, err
}

// CreateMatrix stores the next version; a concurrent writer of the same
// version loses on the unique index.
func (r *ConfigRepository) CreateMatrix(ctx context.Context, v *model.MatrixConfigVersion) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int
		err := tx.Model(&model.MatrixConfigVersion{}).
			Where("matrix_id = ?", v.MatrixID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&current).Error
		if err != nil {
			return err
		}
		v.Version = current + 1
		return tx.Create(v).Error
	})
}

func (r *ConfigRepository) LatestCareer(ctx context.Context) (*model.CareerPlanVersion, error) {
	var v model.CareerPlanVersion
	err := r.db.WithContext(ctx).Order("version DESC").First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (r *ConfigRepository) CreateCareer(ctx context.Context, v *model.CareerPlanVersion) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int
		err := tx.Model(&model.CareerPlanVersion{}).
			Select("COALESCE(MAX(version), 0)").
			Scan(&current).Error
		if err != nil {
			return err
		}
		v.Version = current + 1
		return tx.Create(v).Error
	})
}
