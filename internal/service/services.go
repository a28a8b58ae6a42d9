package service

import (
	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/lock"

	"gorm.io/gorm"
)

// Services is every service of the ledger wired over one database and one
// locker.
type Services struct {
	Ledger     *LedgerService
	Balance    *BalanceService
	Network    *NetworkService
	Configs    *ConfigService
	Payout     *PayoutService
	Career     *CareerService
	Withdrawal *WithdrawalService
	Closing    *ClosingService
}

func NewServices(db *gorm.DB, locker lock.Locker, cfg *config.Config) (*Services, error) {
	s := &Services{
		Ledger:  NewLedgerService(db, locker, cfg),
		Balance: NewBalanceService(db, locker, cfg),
		Network: NewNetworkService(db, cfg),
		Configs: NewConfigService(db),
	}
	s.Payout = NewPayoutService(db, cfg, s.Ledger, s.Network, s.Configs)
	s.Career = NewCareerService(db, cfg, s.Ledger, s.Configs)
	withdrawal, err := NewWithdrawalService(db, locker, cfg, s.Ledger)
	if err != nil {
		return nil, err
	}
	s.Withdrawal = withdrawal
	s.Closing = NewClosingService(db, locker, cfg, s.Ledger, s.Payout, s.Career, s.Network, s.Configs)
	return s, nil
}
