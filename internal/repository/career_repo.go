package repository

import (
	"context"

	"mlmledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CareerRepository struct {
	db *gorm.DB
}

func NewCareerRepository(db *gorm.DB) *CareerRepository {
	return &CareerRepository{db: db}
}

// Increment adds cycles to a counter, creating it on first use.
func (r *CareerRepository) Increment(ctx context.Context, tx *gorm.DB, consultantID int64, period string, lineID, cycles int64) error {
	counter := &model.CareerCounter{ConsultantID: consultantID, Period: period, LineID: lineID, Cycles: cycles}
	return use(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "consultant_id"}, {Name: "period"}, {Name: "line_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"cycles": gorm.Expr("career_counter.cycles + ?", cycles),
			}),
		}).
		Create(counter).Error
}

// LineTotals sums the counters of a consultant per line across periods
// up to and including upTo. Periods compare lexically ("2024-07" < "2024-08").
func (r *CareerRepository) LineTotals(ctx context.Context, tx *gorm.DB, consultantID int64, upTo string) (map[int64]int64, error) {
	var rows []struct {
		LineID int64
		Total  int64
	}
	err := use(r.db, tx).WithContext(ctx).
		Model(&model.CareerCounter{}).
		Select("line_id, SUM(cycles) AS total").
		Where("consultant_id = ? AND period <= ?", consultantID, upTo).
		Group("line_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(rows))
	for _, row := range rows {
		out[row.LineID] = row.Total
	}
	return out, nil
}

// ConsultantsWithCounters lists consultants that have counters in any of periods.
func (r *CareerRepository) ConsultantsWithCounters(ctx context.Context, periods []string) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.CareerCounter{}).
		Where("period IN ?", periods).
		Order("consultant_id ASC").
		Distinct().
		Pluck("consultant_id", &ids).Error
	return ids, err
}

// CreatePromotion records a promotion; false means it was already recorded.
func (r *CareerRepository) CreatePromotion(ctx context.Context, tx *gorm.DB, p *model.RankPromotion) (bool, error) {
	result := use(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(p)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *CareerRepository) Promotions(ctx context.Context, consultantID int64) ([]*model.RankPromotion, error) {
	var list []*model.RankPromotion
	err := r.db.WithContext(ctx).
		Where("consultant_id = ?", consultantID).
		Order("career_rank ASC").
		Find(&list).Error
	return list, err
}
