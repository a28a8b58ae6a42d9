package model

import (
	"time"
)

const (
	WithdrawalStatusPending  = "PENDING"
	WithdrawalStatusPaid     = "PAID"
	WithdrawalStatusRejected = "REJECTED"
)

const (
	PayoutKeyCPF    = "CPF"
	PayoutKeyEmail  = "EMAIL"
	PayoutKeyPhone  = "PHONE"
	PayoutKeyRandom = "RANDOM"
)

// WithdrawalTransitions lists the allowed moves; PAID and REJECTED are terminal.
var WithdrawalTransitions = map[string][]string{
	WithdrawalStatusPending: {WithdrawalStatusPaid, WithdrawalStatusRejected},
}

// WithdrawalRequest earmarks Amount+Fee from the available balance while
// PENDING and becomes a withdrawal ledger entry once PAID.
type WithdrawalRequest struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestNo    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_no"`
	RequestID    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	AccountID    int64      `gorm:"index;not null" json:"account_id"`
	ConsultantID int64      `gorm:"not null" json:"consultant_id"`
	Amount       int64      `gorm:"not null" json:"amount"`
	Fee          int64      `gorm:"not null;default:0" json:"fee"`
	KeyType      string     `gorm:"type:varchar(16);not null" json:"key_type"`
	KeyValue     string     `gorm:"type:varchar(128);not null" json:"key_value"`
	Status       string     `gorm:"type:varchar(20);index;not null" json:"status"`
	Reason       string     `gorm:"type:varchar(256)" json:"reason,omitempty"`
	RefID        string     `gorm:"type:varchar(96)" json:"ref_id,omitempty"`
	RequestedAt  time.Time  `gorm:"not null" json:"requested_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	DecidedBy    string     `gorm:"type:varchar(64)" json:"decided_by,omitempty"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WithdrawalRequest) TableName() string {
	return "withdrawal_request"
}

// Total is the amount debited from the ledger when the request is paid.
func (w *WithdrawalRequest) Total() int64 {
	return w.Amount + w.Fee
}
