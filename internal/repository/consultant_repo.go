package repository

import (
	"context"
	"errors"

	"mlmledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSponsorCycle is returned when walking up the tree revisits a consultant.
var ErrSponsorCycle = errors.New("sponsorship cycle")

type ConsultantRepository struct {
	db *gorm.DB
}

func NewConsultantRepository(db *gorm.DB) *ConsultantRepository {
	return &ConsultantRepository{db: db}
}

func (r *ConsultantRepository) Get(ctx context.Context, tx *gorm.DB, id int64) (*model.Consultant, error) {
	var c model.Consultant
	err := use(r.db, tx).WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConsultantNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *ConsultantRepository) GetMany(ctx context.Context, tx *gorm.DB, ids []int64) (map[int64]*model.Consultant, error) {
	out := make(map[int64]*model.Consultant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var list []*model.Consultant
	if err := use(r.db, tx).WithContext(ctx).Where("id IN ?", ids).Find(&list).Error; err != nil {
		return nil, err
	}
	for _, c := range list {
		out[c.ID] = c
	}
	return out, nil
}

// Save inserts the consultant or updates its profile and sponsor edge.
// Rank is not touched here.
func (r *ConsultantRepository) Save(ctx context.Context, tx *gorm.DB, c *model.Consultant) error {
	return use(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "sponsor_id", "cpf", "email", "phone", "active", "updated_at"}),
		}).
		Create(c).Error
}

// Ancestors returns the sponsor chain of id, nearest first, at most maxDepth
// long. The walk is an explicit loop; revisiting a consultant yields
// ErrSponsorCycle.
func (r *ConsultantRepository) Ancestors(ctx context.Context, tx *gorm.DB, id int64, maxDepth int) ([]*model.Consultant, error) {
	start, err := r.Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	visited := map[int64]struct{}{start.ID: {}}
	chain := make([]*model.Consultant, 0, maxDepth)
	next := start.SponsorID
	for next != nil && len(chain) < maxDepth {
		if _, seen := visited[*next]; seen {
			return chain, ErrSponsorCycle
		}
		visited[*next] = struct{}{}
		sponsor, err := r.Get(ctx, tx, *next)
		if err != nil {
			return chain, err
		}
		chain = append(chain, sponsor)
		next = sponsor.SponsorID
	}
	return chain, nil
}

// CountDirects returns the number of active direct recruits per sponsor.
func (r *ConsultantRepository) CountDirects(ctx context.Context, tx *gorm.DB, sponsorIDs []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(sponsorIDs))
	if len(sponsorIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		SponsorID int64
		Total     int
	}
	err := use(r.db, tx).WithContext(ctx).
		Model(&model.Consultant{}).
		Select("sponsor_id, COUNT(*) AS total").
		Where("sponsor_id IN ? AND active = ?", sponsorIDs, true).
		Group("sponsor_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.SponsorID] = row.Total
	}
	return out, nil
}

func (r *ConsultantRepository) SetConsumption(ctx context.Context, tx *gorm.DB, consultantID int64, period string, amount int64) error {
	rec := &model.ConsumptionRecord{ConsultantID: consultantID, Period: period, Amount: amount}
	return use(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "consultant_id"}, {Name: "period"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
		}).
		Create(rec).Error
}

func (r *ConsultantRepository) Consumption(ctx context.Context, tx *gorm.DB, ids []int64, period string) (map[int64]int64, error) {
	out := make(map[int64]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var recs []model.ConsumptionRecord
	err := use(r.db, tx).WithContext(ctx).
		Where("consultant_id IN ? AND period = ?", ids, period).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		out[rec.ConsultantID] = rec.Amount
	}
	return out, nil
}

// RaiseRank sets rank only if it is higher than the stored one.
func (r *ConsultantRepository) RaiseRank(ctx context.Context, tx *gorm.DB, id int64, rank int) error {
	return use(r.db, tx).WithContext(ctx).
		Model(&model.Consultant{}).
		Where("id = ? AND career_rank < ?", id, rank).
		Update("career_rank", rank).Error
}

// SetRank overwrites the rank unconditionally.
func (r *ConsultantRepository) SetRank(ctx context.Context, tx *gorm.DB, id int64, rank int) error {
	return use(r.db, tx).WithContext(ctx).
		Model(&model.Consultant{}).
		Where("id = ?", id).
		Update("career_rank", rank).Error
}
