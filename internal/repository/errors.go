package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrConsultantNotFound = errors.New("consultant not found")
	ErrEventNotFound      = errors.New("cycle event not found")
	ErrWithdrawalNotFound = errors.New("withdrawal request not found")
	ErrConfigNotFound     = errors.New("configuration not found")
	ErrStatusConflict     = errors.New("status changed concurrently")
	ErrInvalidTransition  = errors.New("status transition not allowed")
	ErrDuplicate          = errors.New("duplicate key")
)

// IsDuplicateKey reports a unique-index violation from either the translated
// gorm error or the raw driver message.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrDuplicate) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "unique constraint")
}

func use(db, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return db
	}
	return tx
}
