package repository

import (
	"context"
	"errors"
	"time"

	"mlmledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CycleEventRepository struct {
	db *gorm.DB
}

func NewCycleEventRepository(db *gorm.DB) *CycleEventRepository {
	return &CycleEventRepository{db: db}
}

// Create inserts the event unless its id is already known. The returned
// flag tells whether this call created it.
func (r *CycleEventRepository) Create(ctx context.Context, event *model.CycleEvent) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *CycleEventRepository) Get(ctx context.Context, tx *gorm.DB, id string) (*model.CycleEvent, error) {
	var event model.CycleEvent
	err := use(r.db, tx).WithContext(ctx).Where("id = ?", id).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// ListUnapplied pages through the events of the given periods that have not
// been applied, in id order.
func (r *CycleEventRepository) ListUnapplied(ctx context.Context, periods []string, afterID string, limit int) ([]*model.CycleEvent, error) {
	var events []*model.CycleEvent
	err := r.db.WithContext(ctx).
		Where("period IN ? AND status <> ? AND id > ?", periods, model.CycleEventApplied, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// ListStale returns non-deferred events the ledger never took: pending ones
// created before the cutoff and failed ones last touched before it that have
// fewer than maxAttempts failures.
func (r *CycleEventRepository) ListStale(ctx context.Context, before time.Time, maxAttempts, limit int) ([]*model.CycleEvent, error) {
	var events []*model.CycleEvent
	err := r.db.WithContext(ctx).
		Where("deferred = ?", false).
		Where(r.db.
			Where("status = ? AND created_at < ?", model.CycleEventPending, before).
			Or("status = ? AND attempts < ? AND updated_at < ?", model.CycleEventFailed, maxAttempts, before)).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *CycleEventRepository) MarkApplied(ctx context.Context, tx *gorm.DB, id, refID string) error {
	now := time.Now()
	return use(r.db, tx).WithContext(ctx).
		Model(&model.CycleEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.CycleEventApplied,
			"ref_id":     refID,
			"applied_at": &now,
			"last_error": "",
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
}

func (r *CycleEventRepository) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return r.db.WithContext(ctx).
		Model(&model.CycleEvent{}).
		Where("id = ? AND status <> ?", id, model.CycleEventApplied).
		Updates(map[string]interface{}{
			"status":     model.CycleEventFailed,
			"last_error": msg,
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
}

// AppliedMatrixCycles returns the applied matrix cycles of a period with only
// the columns the monthly pools need.
func (r *CycleEventRepository) AppliedMatrixCycles(ctx context.Context, period string) ([]*model.CycleEvent, error) {
	var events []*model.CycleEvent
	err := r.db.WithContext(ctx).
		Select("id", "matrix_id", "consultant_id", "cycle_number").
		Where("period = ? AND source = ? AND status = ?", period, model.CycleSourceMatrix, model.CycleEventApplied).
		Order("matrix_id ASC, consultant_id ASC, id ASC").
		Find(&events).Error
	return events, err
}
