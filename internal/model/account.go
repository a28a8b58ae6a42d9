package model

import (
	"time"
)

// Account is the ledger account of one consultant.
// Balance caches the sum of every LedgerEntry amount up to LastSeq and can
// always be rebuilt from the entries.
type Account struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConsultantID int64     `gorm:"uniqueIndex;not null" json:"consultant_id"`
	Balance      int64     `gorm:"not null;default:0" json:"balance"`
	LastSeq      int64     `gorm:"not null;default:0" json:"last_seq"`
	Version      int       `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
