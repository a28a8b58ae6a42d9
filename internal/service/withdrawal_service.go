package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mlmledger/internal/compensation"
	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/lock"
	"mlmledger/internal/infrastructure/metrics"
	"mlmledger/internal/model"
	"mlmledger/internal/repository"
	"mlmledger/pkg/idgen"

	"github.com/nyaruka/phonenumbers"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type WithdrawalService struct {
	db             *gorm.DB
	cfg            *config.Config
	locker         lock.Locker
	ledger         *LedgerService
	feePercent     decimal.Decimal
	withdrawalRepo *repository.WithdrawalRepository
	accountRepo    *repository.AccountRepository
	consultantRepo *repository.ConsultantRepository
	outboxRepo     *repository.OutboxRepository
}

func NewWithdrawalService(db *gorm.DB, locker lock.Locker, cfg *config.Config, ledger *LedgerService) (*WithdrawalService, error) {
	fee, err := decimal.NewFromString(cfg.Withdrawal.FeePercent)
	if err != nil || fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: withdrawal fee percent %q", ErrConfigurationInvalid, cfg.Withdrawal.FeePercent)
	}
	return &WithdrawalService{
		db:             db,
		cfg:            cfg,
		locker:         locker,
		ledger:         ledger,
		feePercent:     fee,
		withdrawalRepo: repository.NewWithdrawalRepository(db),
		accountRepo:    repository.NewAccountRepository(db),
		consultantRepo: repository.NewConsultantRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}, nil
}

// ============================================================================
// Payout key validation
// ============================================================================

// ValidateKey checks that a payout key belongs to the account holder. CPF
// keys compare digits, e-mail keys compare case-insensitively, phone keys
// compare in E.164 and random keys only need to be present.
func (s *WithdrawalService) ValidateKey(holder *model.Consultant, keyType, keyValue string) error {
	keyValue = strings.TrimSpace(keyValue)
	if keyValue == "" {
		return fmt.Errorf("%w: empty key", ErrPayoutKeyMismatch)
	}
	switch strings.ToUpper(keyType) {
	case model.PayoutKeyCPF:
		key := digitsOnly(keyValue)
		if len(key) != 11 || key != digitsOnly(holder.CPF) {
			return fmt.Errorf("%w: cpf", ErrPayoutKeyMismatch)
		}
	case model.PayoutKeyEmail:
		if holder.Email == "" || !strings.EqualFold(keyValue, strings.TrimSpace(holder.Email)) {
			return fmt.Errorf("%w: email", ErrPayoutKeyMismatch)
		}
	case model.PayoutKeyPhone:
		key, err := s.e164(keyValue)
		if err != nil {
			return fmt.Errorf("%w: phone: %v", ErrPayoutKeyMismatch, err)
		}
		registered, err := s.e164(holder.Phone)
		if err != nil || key != registered {
			return fmt.Errorf("%w: phone", ErrPayoutKeyMismatch)
		}
	case model.PayoutKeyRandom:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKeyType, keyType)
	}
	return nil
}

func (s *WithdrawalService) e164(raw string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), s.cfg.Withdrawal.DefaultRegion)
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("not a valid number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Fee is fee_percent of amount, floored, plus the fixed fee.
func (s *WithdrawalService) Fee(amount int64) int64 {
	return compensation.PercentOf(amount, s.feePercent) + s.cfg.Withdrawal.FeeFixed
}

// ============================================================================
// Lifecycle
// ============================================================================

type WithdrawalInput struct {
	RequestID string `json:"request_id" binding:"required,max=64"`
	AccountID int64  `json:"account_id" binding:"required,gt=0"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	KeyType   string `json:"key_type" binding:"required"`
	KeyValue  string `json:"key_value" binding:"required"`
}

// Request opens a PENDING withdrawal. Amount plus fee must fit the available
// balance, which already excludes every other pending request.
func (s *WithdrawalService) Request(ctx context.Context, in *WithdrawalInput) (*model.WithdrawalRequest, error) {
	if existing, err := s.withdrawalRepo.GetByRequestID(ctx, nil, in.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.Amount < s.cfg.Withdrawal.MinAmount {
		return nil, fmt.Errorf("%w: minimum is %d", ErrBelowMinimum, s.cfg.Withdrawal.MinAmount)
	}

	account, err := s.accountRepo.GetByID(ctx, nil, in.AccountID)
	if err != nil {
		return nil, err
	}
	holder, err := s.consultantRepo.Get(ctx, nil, account.ConsultantID)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateKey(holder, in.KeyType, in.KeyValue); err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.Lock.WaitTimeout)
	release, err := s.locker.Acquire(lockCtx, lock.AccountKeys([]int64{account.ID}))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountBusy, err)
	}
	defer release()

	w := &model.WithdrawalRequest{
		RequestNo:    idgen.GenerateWithdrawalNo(),
		RequestID:    in.RequestID,
		AccountID:    account.ID,
		ConsultantID: holder.ID,
		Amount:       in.Amount,
		Fee:          s.Fee(in.Amount),
		KeyType:      strings.ToUpper(in.KeyType),
		KeyValue:     strings.TrimSpace(in.KeyValue),
		Status:       model.WithdrawalStatusPending,
		RequestedAt:  time.Now(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.accountRepo.LockByIDs(ctx, tx, []int64{account.ID})
		if err != nil {
			return err
		}
		earmarked, err := s.withdrawalRepo.PendingTotal(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		available := locked[account.ID].Balance - earmarked
		if w.Total() > available {
			return &InsufficientBalanceError{AccountID: account.ID, Available: available, Required: w.Total()}
		}
		if err := s.withdrawalRepo.Create(ctx, tx, w); err != nil {
			return err
		}
		return s.announce(ctx, tx, w, model.EventWithdrawalRequested)
	})
	if err != nil {
		if repository.IsDuplicateKey(err) {
			if existing, getErr := s.withdrawalRepo.GetByRequestID(ctx, nil, in.RequestID); getErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	metrics.Withdrawals.WithLabelValues(model.WithdrawalStatusPending).Inc()
	log.Info().
		Str("section", "withdrawal").
		Str("request_no", w.RequestNo).
		Int64("account_id", w.AccountID).
		Int64("amount", w.Amount).
		Int64("fee", w.Fee).
		Msg("withdrawal requested")
	return w, nil
}

type DecisionInput struct {
	ID        int64  `json:"-"`
	Decision  string `json:"decision" binding:"required,oneof=PAID REJECTED"`
	Reason    string `json:"reason"`
	DecidedBy string `json:"-"`
}

// Decide settles a PENDING request. PAID re-validates the payout key and
// writes the withdrawal entry; REJECTED releases the earmark. A decided
// request accepts no further decision.
func (s *WithdrawalService) Decide(ctx context.Context, in *DecisionInput) (*model.WithdrawalRequest, error) {
	w, err := s.withdrawalRepo.GetByID(ctx, nil, in.ID)
	if err != nil {
		return nil, err
	}
	if w.Status != model.WithdrawalStatusPending {
		return nil, ErrWithdrawalDecided
	}

	switch in.Decision {
	case model.WithdrawalStatusRejected:
		err = s.reject(ctx, w, in)
	case model.WithdrawalStatusPaid:
		err = s.pay(ctx, w, in)
	default:
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidTransition, in.Decision)
	}
	if err != nil {
		return nil, err
	}

	metrics.Withdrawals.WithLabelValues(in.Decision).Inc()
	log.Info().
		Str("section", "withdrawal").
		Str("request_no", w.RequestNo).
		Str("decision", in.Decision).
		Str("decided_by", in.DecidedBy).
		Msg("withdrawal decided")
	return s.withdrawalRepo.GetByID(ctx, nil, w.ID)
}

func (s *WithdrawalService) reject(ctx context.Context, w *model.WithdrawalRequest, in *DecisionInput) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.withdrawalRepo.Decide(ctx, tx, w.ID, model.WithdrawalStatusPending, model.WithdrawalStatusRejected, in.DecidedBy, in.Reason, "")
		if errors.Is(err, repository.ErrStatusConflict) {
			return ErrWithdrawalDecided
		}
		if err != nil {
			return err
		}
		w.Status = model.WithdrawalStatusRejected
		return s.announce(ctx, tx, w, model.EventWithdrawalDecided)
	})
}

func (s *WithdrawalService) pay(ctx context.Context, w *model.WithdrawalRequest, in *DecisionInput) error {
	holder, err := s.consultantRepo.Get(ctx, nil, w.ConsultantID)
	if err != nil {
		return err
	}
	if err := s.ValidateKey(holder, w.KeyType, w.KeyValue); err != nil {
		return err
	}

	refID := "WDR-" + w.RequestNo
	result, err := s.ledger.Append(ctx, &AppendRequest{
		RefID:      refID,
		Source:     SourceWithdrawal,
		OccurredAt: time.Now(),
		Entries: []model.EntryDraft{{
			AccountID: w.AccountID,
			Type:      model.EntryTypeWithdrawal,
			Amount:    -w.Total(),
			Fee:       w.Fee,
			Detail: map[string]string{
				"kind":       "withdrawal",
				"request_no": w.RequestNo,
				"key_type":   w.KeyType,
				"decided_by": in.DecidedBy,
			},
		}},
		EarmarkRelease: map[int64]int64{w.AccountID: w.Total()},
		AfterApply:     func(ctx context.Context, tx *gorm.DB) error {
			err := s.withdrawalRepo.Decide(ctx, tx, w.ID, model.WithdrawalStatusPending, model.WithdrawalStatusPaid, in.DecidedBy, in.Reason, refID)
			if errors.Is(err, repository.ErrStatusConflict) {
				return ErrWithdrawalDecided
			}
			if err != nil {
				return err
			}
			w.Status = model.WithdrawalStatusPaid
			return s.announce(ctx, tx, w, model.EventWithdrawalDecided)
		},
	})
	if err != nil {
		return err
	}
	if result.Replayed {
		return ErrWithdrawalDecided
	}
	return nil
}

func (s *WithdrawalService) announce(ctx context.Context, tx *gorm.DB, w *model.WithdrawalRequest, eventType string) error {
	msg, err := model.NewOutboxMessage(s.cfg.Kafka.Topic.Withdrawal, eventType, w.RequestNo, map[string]interface{}{
		"request_no": w.RequestNo,
		"account_id": w.AccountID,
		"amount":     w.Amount,
		"fee":        w.Fee,
		"status":     w.Status,
	})
	if err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}

type WithdrawalPage struct {
	Total int64                      `json:"total"`
	Items []*model.WithdrawalRequest `json:"items"`
}

func (s *WithdrawalService) List(ctx context.Context, accountID int64, status string, page, pageSize int) (*WithdrawalPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	items, total, err := s.withdrawalRepo.List(ctx, accountID, strings.ToUpper(status), page, pageSize)
	if err != nil {
		return nil, err
	}
	return &WithdrawalPage{Total: total, Items: items}, nil
}
