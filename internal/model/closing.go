package model

import (
	"time"
)

const (
	ClosingMonthly   = "MONTHLY"
	ClosingQuarterly = "QUARTERLY"
)

const (
	ClosingScheduled = "SCHEDULED"
	ClosingRunning   = "RUNNING"
	ClosingCompleted = "COMPLETED"
	ClosingFailed    = "FAILED"
)

// ClosingSlotLive is the slot of every non-failed run. Failed runs move to a
// slot of their own, so (period, category, slot) allows a single live run.
const ClosingSlotLive = "live"

var ClosingTransitions = map[string][]string{
	ClosingScheduled: {ClosingRunning},
	ClosingRunning:   {ClosingCompleted, ClosingFailed},
	ClosingFailed:    {ClosingRunning},
}

type ClosingRun struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunNo          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"run_no"`
	Period         string     `gorm:"type:varchar(16);uniqueIndex:uk_closing_slot,priority:1;not null" json:"period"`
	Category       string     `gorm:"type:varchar(16);uniqueIndex:uk_closing_slot,priority:2;not null" json:"category"`
	Slot           string     `gorm:"type:varchar(64);uniqueIndex:uk_closing_slot,priority:3;not null" json:"-"`
	State          string     `gorm:"type:varchar(20);index;not null" json:"state"`
	Attempt        int        `gorm:"not null;default:0" json:"attempt"`
	EventsTotal    int        `gorm:"not null;default:0" json:"events_total"`
	EventsApplied  int        `gorm:"not null;default:0" json:"events_applied"`
	EventsSkipped  int        `gorm:"not null;default:0" json:"events_skipped"`
	EventsFailed   int        `gorm:"not null;default:0" json:"events_failed"`
	FailedEventIDs string     `gorm:"type:text" json:"failed_event_ids"`
	Promotions     int        `gorm:"not null;default:0" json:"promotions"`
	TotalPaid      int64      `gorm:"not null;default:0" json:"total_paid"`
	Error          string     `gorm:"type:varchar(512)" json:"error,omitempty"`
	TriggeredBy    string     `gorm:"type:varchar(64)" json:"triggered_by"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ClosingRun) TableName() string {
	return "closing_run"
}
