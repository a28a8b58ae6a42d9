package model

import (
	"time"
)

// ============================================================================
// Entry types and states
// ============================================================================

const (
	EntryTypeCommissionShop     = "commission_shop"
	EntryTypeCommissionReferral = "commission_referral"
	EntryTypeBonus              = "bonus"
	EntryTypePurchase           = "purchase"
	EntryTypeWithdrawal         = "withdrawal"
	EntryTypeTransfer           = "transfer"
	EntryTypeFee                = "fee"
	EntryTypeAdjustment         = "adjustment"
	EntryTypeChargeback         = "chargeback"
	EntryTypePaymentReceived    = "payment_received"
)

var entryTypes = map[string]struct{}{
	EntryTypeCommissionShop:     {},
	EntryTypeCommissionReferral: {},
	EntryTypeBonus:              {},
	EntryTypePurchase:           {},
	EntryTypeWithdrawal:         {},
	EntryTypeTransfer:           {},
	EntryTypeFee:                {},
	EntryTypeAdjustment:         {},
	EntryTypeChargeback:         {},
	EntryTypePaymentReceived:    {},
}

// IsEntryType reports whether t is one of the known ledger entry types.
func IsEntryType(t string) bool {
	_, ok := entryTypes[t]
	return ok
}

const (
	EntryStatePending   = "PENDING"
	EntryStateCompleted = "COMPLETED"
	EntryStateReversed  = "REVERSED"
)

const (
	BatchStatusApplied  = "APPLIED"
	BatchStatusReversed = "REVERSED"
)

// ============================================================================
// Ledger entities
// ============================================================================

// LedgerEntry is one immutable balance movement. (account_id, seq) is unique
// and contiguous from 1; rows are never updated or deleted.
type LedgerEntry struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID     int64     `gorm:"uniqueIndex:uk_account_seq,priority:1;not null" json:"account_id"`
	Seq           int64     `gorm:"uniqueIndex:uk_account_seq,priority:2;not null" json:"seq"`
	RefID         string    `gorm:"type:varchar(96);index;not null" json:"ref_id"`
	Type          string    `gorm:"type:varchar(32);index;not null" json:"type"`
	Amount        int64     `gorm:"not null" json:"amount"`
	Fee           int64     `gorm:"not null;default:0" json:"fee"`
	State         string    `gorm:"type:varchar(20);not null" json:"state"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	BalanceExempt bool      `gorm:"not null;default:false" json:"balance_exempt"`
	OccurredAt    time.Time `gorm:"index;not null" json:"occurred_at"`
	Detail        string    `gorm:"type:text" json:"detail"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

// LedgerBatch records that every entry of a refId has been applied.
// Its unique ref_id is the idempotency key of the whole batch.
type LedgerBatch struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RefID       string    `gorm:"type:varchar(96);uniqueIndex;not null" json:"ref_id"`
	Source      string    `gorm:"type:varchar(32);not null" json:"source"`
	EntryCount  int       `gorm:"not null" json:"entry_count"`
	TotalCredit int64     `gorm:"not null;default:0" json:"total_credit"`
	TotalDebit  int64     `gorm:"not null;default:0" json:"total_debit"`
	Status      string    `gorm:"type:varchar(20);not null" json:"status"`
	ReversedBy  string    `gorm:"type:varchar(96)" json:"reversed_by,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LedgerBatch) TableName() string {
	return "ledger_batch"
}

// EntryDraft is a ledger entry before it is sequenced onto an account.
type EntryDraft struct {
	AccountID int64             `json:"account_id"`
	Type      string            `json:"type"`
	Amount    int64             `json:"amount"`
	Fee       int64             `json:"fee,omitempty"`
	State     string            `json:"state,omitempty"`
	Exempt    bool              `json:"exempt,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}
