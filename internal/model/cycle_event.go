package model

import (
	"time"
)

const (
	CycleSourceMatrix       = "MATRIX"
	CycleSourceSaleReferral = "SALE_REFERRAL"
	CycleSourceSaleShop     = "SALE_SHOP"
)

const (
	CycleEventPending = "PENDING"
	CycleEventApplied = "APPLIED"
	CycleEventFailed  = "FAILED"
)

// CycleEvent is a cycle-completion trigger. It is consumed exactly once;
// its ID is the idempotency key of the resulting ledger batch.
type CycleEvent struct {
	ID           string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConsultantID int64      `gorm:"index;not null" json:"consultant_id"`
	MatrixID     string     `gorm:"type:varchar(64);not null" json:"matrix_id"`
	Source       string     `gorm:"type:varchar(20);not null" json:"source"`
	Deferred     bool       `gorm:"not null;default:false" json:"deferred"`
	Period       string     `gorm:"type:varchar(16);index:idx_event_period_status,priority:1;not null" json:"period"`
	Value        int64      `gorm:"not null;default:0" json:"value"`
	CycleNumber  int        `gorm:"not null;default:1" json:"cycle_number"`
	OccurredAt   time.Time  `gorm:"not null" json:"occurred_at"`
	Status       string     `gorm:"type:varchar(20);index:idx_event_period_status,priority:2;not null" json:"status"`
	RefID        string     `gorm:"type:varchar(96)" json:"ref_id,omitempty"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
	LastError    string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	AppliedAt    *time.Time `json:"applied_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CycleEvent) TableName() string {
	return "cycle_event"
}

// EntryType maps the trigger source to the payout entry type.
func (e *CycleEvent) EntryType() string {
	switch e.Source {
	case CycleSourceSaleReferral:
		return EntryTypeCommissionReferral
	case CycleSourceSaleShop:
		return EntryTypeCommissionShop
	default:
		return EntryTypeBonus
	}
}
