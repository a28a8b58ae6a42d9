package service

import (
	"context"
	"fmt"

	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/lock"
	"mlmledger/internal/repository"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const replayPageSize = 1000

type BalanceService struct {
	db             *gorm.DB
	cfg            *config.Config
	locker         lock.Locker
	accountRepo    *repository.AccountRepository
	ledgerRepo     *repository.LedgerRepository
	withdrawalRepo *repository.WithdrawalRepository
}

func NewBalanceService(db *gorm.DB, locker lock.Locker, cfg *config.Config) *BalanceService {
	return &BalanceService{
		db:             db,
		cfg:            cfg,
		locker:         locker,
		accountRepo:    repository.NewAccountRepository(db),
		ledgerRepo:     repository.NewLedgerRepository(db),
		withdrawalRepo: repository.NewWithdrawalRepository(db),
	}
}

// Balance is the projection of one account. Ledger is the signed sum of all
// its entries; Pending covers pending credits and unpaid withdrawal requests;
// Available is what a new withdrawal may still take.
type Balance struct {
	AccountID    int64 `json:"account_id"`
	ConsultantID int64 `json:"consultant_id"`
	Ledger       int64 `json:"ledger"`
	Pending      int64 `json:"pending"`
	Earmarked    int64 `json:"earmarked"`
	Available    int64 `json:"available"`
	LastSeq      int64 `json:"last_seq"`
}

func (s *BalanceService) Balance(ctx context.Context, accountID int64) (*Balance, error) {
	account, err := s.accountRepo.GetByID(ctx, nil, accountID)
	if err != nil {
		return nil, err
	}
	pendingCredits, err := s.ledgerRepo.PendingSum(ctx, accountID)
	if err != nil {
		return nil, err
	}
	earmarked, err := s.withdrawalRepo.PendingTotal(ctx, nil, accountID)
	if err != nil {
		return nil, err
	}
	if pendingCredits < 0 {
		pendingCredits = 0
	}
	return &Balance{
		AccountID:    account.ID,
		ConsultantID: account.ConsultantID,
		Ledger:       account.Balance,
		Pending:      pendingCredits + earmarked,
		Earmarked:    earmarked,
		Available:    account.Balance - pendingCredits - earmarked,
		LastSeq:      account.LastSeq,
	}, nil
}

func (s *BalanceService) Available(ctx context.Context, accountID int64) (int64, error) {
	b, err := s.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}

func (s *BalanceService) Pending(ctx context.Context, accountID int64) (int64, error) {
	b, err := s.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return b.Pending, nil
}

// ReplayReport compares the cached balance with a full fold of the ledger.
type ReplayReport struct {
	AccountID     int64 `json:"account_id"`
	Entries       int64 `json:"entries"`
	LastSeq       int64 `json:"last_seq"`
	Replayed      int64 `json:"replayed"`
	Cached        int64 `json:"cached"`
	CachedLastSeq int64 `json:"cached_last_seq"`
	Consistent    bool  `json:"consistent"`
	Repaired      bool  `json:"repaired"`
}

// Replay folds every entry of the account in seq order and reports whether
// the cached balance agrees. A gap in the seq chain is an error.
func (s *BalanceService) Replay(ctx context.Context, accountID int64) (*ReplayReport, error) {
	account, err := s.accountRepo.GetByID(ctx, nil, accountID)
	if err != nil {
		return nil, err
	}
	report, err := s.fold(ctx, accountID)
	if err != nil {
		return nil, err
	}
	report.Cached = account.Balance
	report.CachedLastSeq = account.LastSeq
	report.Consistent = report.Replayed == account.Balance && report.LastSeq == account.LastSeq
	return report, nil
}

func (s *BalanceService) fold(ctx context.Context, accountID int64) (*ReplayReport, error) {
	report := &ReplayReport{AccountID: accountID}
	var after int64
	for {
		entries, err := s.ledgerRepo.ScanAccount(ctx, accountID, after, replayPageSize)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Seq != report.LastSeq+1 {
				return nil, fmt.Errorf("%w: account %d expected seq %d, found %d", ErrSeqGap, accountID, report.LastSeq+1, e.Seq)
			}
			report.Replayed += e.Amount
			report.LastSeq = e.Seq
			report.Entries++
			after = e.Seq
		}
		if len(entries) < replayPageSize {
			return report, nil
		}
	}
}

// Rebuild replays the account under its lock and overwrites the cached
// balance when it drifted.
func (s *BalanceService) Rebuild(ctx context.Context, accountID int64) (*ReplayReport, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.Lock.WaitTimeout)
	release, err := s.locker.Acquire(lockCtx, lock.AccountKeys([]int64{accountID}))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountBusy, err)
	}
	defer release()

	report, err := s.Replay(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if report.Consistent {
		return report, nil
	}

	if err := s.accountRepo.SetBalance(ctx, nil, accountID, report.Replayed, report.LastSeq); err != nil {
		return nil, err
	}
	report.Repaired = true
	log.Warn().
		Str("section", "balance").
		Int64("account_id", accountID).
		Int64("cached", report.Cached).
		Int64("replayed", report.Replayed).
		Msg("cached balance repaired")
	return report, nil
}

// ReplayAll checks every account and returns the ones whose cache drifted.
func (s *BalanceService) ReplayAll(ctx context.Context, repair bool) ([]*ReplayReport, error) {
	var drifted []*ReplayReport
	var after int64
	for {
		ids, err := s.accountRepo.ListIDs(ctx, after, replayPageSize)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			check := s.Replay
			if repair {
				check = s.Rebuild
			}
			report, err := check(ctx, id)
			if err != nil {
				return nil, err
			}
			if !report.Consistent {
				drifted = append(drifted, report)
			}
			after = id
		}
		if len(ids) < replayPageSize {
			return drifted, nil
		}
	}
}
