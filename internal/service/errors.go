package service

import (
	"errors"
	"fmt"
	"strings"

	"mlmledger/internal/compensation"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrConfigurationInvalid = compensation.ErrConfigurationInvalid
	ErrTreeIntegrity        = compensation.ErrTreeIntegrity
	ErrPayoutKeyMismatch    = errors.New("payout key does not match the account holder's registered data")
	ErrInvalidKeyType       = errors.New("unknown payout key type")
	ErrWithdrawalDecided    = errors.New("withdrawal request already decided")
	ErrClosingInProgress    = errors.New("closing run already in progress")
	ErrClosingCancelled     = errors.New("closing run cancelled")
	ErrPartialBatchFailure  = errors.New("closing run finished with failed events")
	ErrBatchNotFound        = errors.New("ledger batch not found")
	ErrAlreadyReversed      = errors.New("ledger batch already reversed")
	ErrInvalidEntry         = errors.New("invalid ledger entry")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrBelowMinimum         = errors.New("amount below the minimum withdrawal")
	ErrInvalidCategory      = errors.New("period does not match closing category")
	ErrAccountBusy          = errors.New("account is busy, try again")
	ErrSeqGap               = errors.New("ledger sequence is not contiguous")
	ErrInvalidRank          = errors.New("rank not defined by the career plan")
)

// InsufficientBalanceError names the account and the shortfall.
type InsufficientBalanceError struct {
	AccountID int64
	Available int64
	Required  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: account %d has %d available, %d required", ErrInsufficientBalance, e.AccountID, e.Available, e.Required)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// PartialBatchFailure lists the event ids a closing run could not apply.
type PartialBatchFailure struct {
	RunNo          string
	FailedEventIDs []string
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("%s: run %s, %d failed: %s", ErrPartialBatchFailure, e.RunNo, len(e.FailedEventIDs), strings.Join(e.FailedEventIDs, ","))
}

func (e *PartialBatchFailure) Is(target error) bool {
	return target == ErrPartialBatchFailure
}
