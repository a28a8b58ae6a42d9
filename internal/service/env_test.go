package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mlmledger/internal/compensation"
	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/database"
	"mlmledger/internal/infrastructure/lock"
	"mlmledger/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	t          *testing.T
	ctx        context.Context
	db         *gorm.DB
	cfg        *config.Config
	locker     *lock.LocalLocker
	ledger     *LedgerService
	balance    *BalanceService
	network    *NetworkService
	configs    *ConfigService
	payout     *PayoutService
	career     *CareerService
	withdrawal *WithdrawalService
	closing    *ClosingService
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{
			Ledger:     "mlm.ledger",
			Withdrawal: "mlm.withdrawal",
			Career:     "mlm.career",
			Closing:    "mlm.closing",
		}},
		Lock: config.LockConfig{WaitTimeout: 5 * time.Second},
		Business: config.BusinessConfig{
			MaxRetryCount:  3,
			RetryInitial:   time.Millisecond,
			MaxUplineDepth: 64,
		},
		Closing: config.ClosingConfig{
			Workers:      4,
			EventTimeout: 10 * time.Second,
			PageSize:     2,
			Timezone:     "UTC",
		},
		Withdrawal: config.WithdrawalConfig{
			FeePercent:    "2",
			FeeFixed:      50,
			MinAmount:     1000,
			DefaultRegion: "BR",
		},
	}
}

// newTestEnv wires every service over a private in-memory SQLite database.
// A single connection keeps SQLite's writer lock out of the way; code running
// inside a transaction must only use that transaction.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	cfg := testConfig()
	locker := lock.NewLocalLocker()
	env := &testEnv{t: t, ctx: context.Background(), db: db, cfg: cfg, locker: locker}
	svc, err := NewServices(db, locker, cfg)
	require.NoError(t, err)
	env.ledger = svc.Ledger
	env.balance = svc.Balance
	env.network = svc.Network
	env.configs = svc.Configs
	env.payout = svc.Payout
	env.career = svc.Career
	env.withdrawal = svc.Withdrawal
	env.closing = svc.Closing
	return env
}

func pcts(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

// sigma pays 30% of 36000 over six levels: 756, 864, 1080, 1620, 2700, 3780.
func sigmaMatrix() *compensation.MatrixConfig {
	return &compensation.MatrixConfig{
		MatrixID:         "sigma",
		ActivationValue:  36000,
		RequiredDirects:  1,
		MinConsumption:   6000,
		PointsPercentage: decimal.NewFromInt(30),
		DepthLevels:      pcts(7, 8, 10, 15, 25, 35),
	}
}

var sigmaLevels = []int64{756, 864, 1080, 1620, 2700, 3780}

func (e *testEnv) putMatrix(cfg *compensation.MatrixConfig) *compensation.MatrixConfig {
	e.t.Helper()
	stored, err := e.configs.PutMatrix(e.ctx, cfg, "test")
	require.NoError(e.t, err)
	return stored
}

const testMonth = "2024-07"

var testTime = time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

// seedChain creates consultants 1..n where i is sponsored by i+1, all active
// and qualified for testMonth. It returns their account ids by consultant.
func (e *testEnv) seedChain(n int) map[int64]int64 {
	e.t.Helper()
	accounts := make(map[int64]int64, n)
	for i := int64(n); i >= 1; i-- {
		in := &ConsultantInput{
			ID:     i,
			Name:   fmt.Sprintf("Consultant %d", i),
			CPF:    fmt.Sprintf("529.982.247-%02d", i),
			Email:  fmt.Sprintf("c%d@example.com", i),
			Phone:  fmt.Sprintf("+55 11 98765-43%02d", i),
			Active: true,
		}
		if i < int64(n) {
			sponsor := i + 1
			in.SponsorID = &sponsor
		}
		view, err := e.network.Upsert(e.ctx, in)
		require.NoError(e.t, err)
		accounts[i] = view.AccountID
		require.NoError(e.t, e.network.RecordConsumption(e.ctx, &ConsumptionInput{ConsultantID: i, Period: testMonth, Amount: 6000}))
	}
	return accounts
}

func (e *testEnv) credit(accountID, amount int64) {
	e.t.Helper()
	_, err := e.ledger.Adjust(e.ctx, &AdjustmentRequest{
		RequestID:   uuid.NewString(),
		AccountID:   accountID,
		Direction:   DirectionCredit,
		Amount:      amount,
		Description: "seed",
		Actor:       "test",
	})
	require.NoError(e.t, err)
}

func (e *testEnv) balanceOf(accountID int64) int64 {
	e.t.Helper()
	b, err := e.balance.Balance(e.ctx, accountID)
	require.NoError(e.t, err)
	return b.Ledger
}

func (e *testEnv) countRows(m interface{}, query string, args ...interface{}) int64 {
	e.t.Helper()
	var n int64
	require.NoError(e.t, e.db.Model(m).Where(query, args...).Count(&n).Error)
	return n
}

func cycleInput(id string, consultantID int64) *CycleEventInput {
	return &CycleEventInput{
		EventID:      id,
		ConsultantID: consultantID,
		MatrixID:     "sigma",
		Source:       model.CycleSourceMatrix,
		CycleNumber:  1,
		OccurredAt:   testTime,
	}
}
