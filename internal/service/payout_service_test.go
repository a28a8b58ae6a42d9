package service

import (
	"errors"
	"sync"
	"testing"

	"mlmledger/internal/compensation"
	"mlmledger/internal/model"
	"mlmledger/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestPaysEveryQualifiedLevel(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(7)
	env.putMatrix(sigmaMatrix())

	result, err := env.payout.Ingest(env.ctx, cycleInput("evt-1", 1))
	require.NoError(t, err)
	assert.True(t, result.Created)
	require.NotNil(t, result.Payout)
	assert.Equal(t, int64(10800), result.Payout.Credits)
	assert.Equal(t, model.CycleEventApplied, result.Event.Status)
	assert.Equal(t, "CYC-evt-1", result.Event.RefID)

	for level, amount := range sigmaLevels {
		assert.Equal(t, amount, env.balanceOf(accounts[int64(level+2)]), "level %d", level+1)
	}
	assert.Equal(t, int64(0), env.balanceOf(accounts[1]))

	summary, err := env.ledger.PayoutSummary(env.ctx, "CYC-evt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10800), summary.TotalPaid)
	assert.Equal(t, 6, summary.LevelsPaid)
	assert.Equal(t, compensation.SourceCycle, summary.Source)
}

func TestIngestIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(3)
	env.putMatrix(sigmaMatrix())

	_, err := env.payout.Ingest(env.ctx, cycleInput("evt-2", 1))
	require.NoError(t, err)
	again, err := env.payout.Ingest(env.ctx, cycleInput("evt-2", 1))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.True(t, again.Payout.Replayed)

	assert.Equal(t, int64(756), env.balanceOf(accounts[2]))
	assert.Equal(t, int64(864), env.balanceOf(accounts[3]))

	reused := cycleInput("evt-2", 2)
	_, err = env.payout.Ingest(env.ctx, reused)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestConcurrentIngestPaysOnce(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(4)
	env.putMatrix(sigmaMatrix())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.payout.Ingest(env.ctx, cycleInput("evt-3", 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), env.countRows(&model.LedgerBatch{}, "ref_id = ?", "CYC-evt-3"))
	assert.Equal(t, int64(756), env.balanceOf(accounts[2]))
	assert.Equal(t, int64(1080), env.balanceOf(accounts[4]))
}

func TestCompressionSkipsUnqualifiedUplines(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(5)
	env.putMatrix(sigmaMatrix())
	require.NoError(t, env.network.RecordConsumption(env.ctx, &ConsumptionInput{ConsultantID: 3, Period: testMonth, Amount: 100}))

	_, err := env.payout.Ingest(env.ctx, cycleInput("evt-4", 1))
	require.NoError(t, err)

	assert.Equal(t, int64(756), env.balanceOf(accounts[2]))
	assert.Equal(t, int64(0), env.balanceOf(accounts[3]))
	assert.Equal(t, int64(864), env.balanceOf(accounts[4]))
	assert.Equal(t, int64(1080), env.balanceOf(accounts[5]))
}

func TestIngestRejectsBrokenTree(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(3)
	env.putMatrix(sigmaMatrix())

	// close a loop behind the service's back: 3 -> 1
	require.NoError(t, env.db.Model(&model.Consultant{}).Where("id = ?", 3).Update("sponsor_id", 1).Error)

	_, err := env.payout.Ingest(env.ctx, cycleInput("evt-5", 1))
	require.Error(t, err)
	var tie *compensation.TreeIntegrityError
	assert.True(t, errors.As(err, &tie))
	assert.Equal(t, int64(0), env.balanceOf(accounts[2]))

	event, err := env.payout.eventRepo.Get(env.ctx, nil, "evt-5")
	require.NoError(t, err)
	assert.Equal(t, model.CycleEventFailed, event.Status)
	assert.NotEmpty(t, event.LastError)
}

func TestUpsertRejectsSponsorCycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(3)

	sponsor := int64(1)
	_, err := env.network.Upsert(env.ctx, &ConsultantInput{ID: 3, Name: "Root", SponsorID: &sponsor, Active: true})
	assert.ErrorIs(t, err, ErrTreeIntegrity)

	self := int64(2)
	_, err = env.network.Upsert(env.ctx, &ConsultantInput{ID: 2, Name: "Self", SponsorID: &self, Active: true})
	assert.ErrorIs(t, err, ErrTreeIntegrity)

	missing := int64(99)
	_, err = env.network.Upsert(env.ctx, &ConsultantInput{ID: 4, Name: "Orphan", SponsorID: &missing, Active: true})
	assert.ErrorIs(t, err, ErrTreeIntegrity)
}

func TestReentryDebitsTheCycler(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(2)
	cfg := sigmaMatrix()
	cfg.CycleBonusPercent = pcts(10)[0]
	cfg.Reentry = compensation.Reentry{Automatic: true, EveryCycles: 1, Cost: 3000}
	env.putMatrix(cfg)

	result, err := env.payout.Ingest(env.ctx, cycleInput("evt-6", 1))
	require.NoError(t, err)
	entries := result.Payout.Entries
	require.Len(t, entries, 3)
	assert.Equal(t, model.EntryTypePurchase, entries[2].Type)
	// 3600 cycle bonus minus 3000 re-entry
	assert.Equal(t, int64(600), env.balanceOf(accounts[1]))
	assert.Equal(t, int64(756), env.balanceOf(accounts[2]))
}

func TestReentryWithoutFundsFailsTheEvent(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(2)
	cfg := sigmaMatrix()
	cfg.Reentry = compensation.Reentry{Automatic: true, EveryCycles: 1}
	env.putMatrix(cfg)

	_, err := env.payout.Ingest(env.ctx, cycleInput("evt-7", 1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(0), env.balanceOf(accounts[2]))
	assert.Equal(t, int64(0), env.countRows(&model.LedgerBatch{}, "ref_id = ?", "CYC-evt-7"))
}

func TestReentryCannotSpendEarmarkedFunds(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(2)
	cfg := sigmaMatrix()
	cfg.CycleBonusPercent = pcts(10)[0]
	cfg.Reentry = compensation.Reentry{Automatic: true, EveryCycles: 1, Cost: 6000}
	env.putMatrix(cfg)

	env.credit(accounts[1], 10000)
	_, err := env.withdrawal.Request(env.ctx, withdrawalInput("w-hold", accounts[1], 8000))
	require.NoError(t, err)

	// 10000 + 3600 - 6000 leaves 7600, short of the 8210 on hold
	_, err = env.payout.Ingest(env.ctx, cycleInput("evt-8", 1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(10000), env.balanceOf(accounts[1]))
	assert.Equal(t, int64(0), env.balanceOf(accounts[2]))

	b, err := env.balance.Balance(env.ctx, accounts[1])
	require.NoError(t, err)
	assert.Equal(t, int64(1790), b.Available)
}

func TestSnapshotWalksToTheRootWithinTheBound(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(9)
	env.putMatrix(sigmaMatrix())
	env.cfg.Business.MaxUplineDepth = 8

	snap, err := env.network.Snapshot(env.ctx, 1, testMonth)
	require.NoError(t, err)
	require.Len(t, snap.Uplines, 8)
	assert.Equal(t, int64(9), snap.Uplines[7].ConsultantID)

	env.cfg.Business.MaxUplineDepth = 7
	_, err = env.network.Snapshot(env.ctx, 1, testMonth)
	assert.ErrorIs(t, err, ErrTreeIntegrity)
	snap, err = env.network.Snapshot(env.ctx, 2, testMonth)
	require.NoError(t, err)
	assert.Len(t, snap.Uplines, 7)

	_, err = env.payout.Ingest(env.ctx, cycleInput("evt-deep", 1))
	assert.ErrorIs(t, err, ErrTreeIntegrity)
	assert.Equal(t, int64(0), env.balanceOf(accounts[2]))
}

func TestSaleEventsPayCommissionOnSaleValue(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(2)
	env.putMatrix(sigmaMatrix())

	in := cycleInput("sale-1", 1)
	in.Source = model.CycleSourceSaleReferral
	in.Value = 10000
	result, err := env.payout.Ingest(env.ctx, in)
	require.NoError(t, err)
	// 30% of 10000 is 3000; level 1 takes 7%
	assert.Equal(t, int64(210), env.balanceOf(accounts[2]))
	assert.Equal(t, model.EntryTypeCommissionReferral, result.Payout.Entries[0].Type)
	assert.Equal(t, int64(0), env.countRows(&model.CareerCounter{}, "1 = 1"))
}

func TestDeferredEventWaitsForClosing(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(2)
	env.putMatrix(sigmaMatrix())

	in := cycleInput("evt-8", 1)
	in.Deferred = true
	result, err := env.payout.Ingest(env.ctx, in)
	require.NoError(t, err)
	assert.Nil(t, result.Payout)
	assert.Equal(t, model.CycleEventPending, result.Event.Status)
	assert.Equal(t, int64(0), env.balanceOf(accounts[2]))
}

func TestMatrixCyclesFeedCareerCounters(t *testing.T) {
	env := newTestEnv(t)
	env.seedChain(3)
	env.putMatrix(sigmaMatrix())

	_, err := env.payout.Ingest(env.ctx, cycleInput("evt-9", 1))
	require.NoError(t, err)

	totals, err := env.career.careerRepo.LineTotals(env.ctx, nil, 3, testMonth)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{2: 1}, totals)

	totals, err = env.career.careerRepo.LineTotals(env.ctx, nil, 1, testMonth)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{1: 1}, totals)
}

func TestReprocessStaleAppliesLeftovers(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(2)
	env.putMatrix(sigmaMatrix())

	event := &model.CycleEvent{
		ID:           "evt-10",
		ConsultantID: 1,
		MatrixID:     "sigma",
		Source:       model.CycleSourceMatrix,
		Period:       testMonth,
		CycleNumber:  1,
		OccurredAt:   testTime,
		Status:       model.CycleEventPending,
	}
	_, err := env.payout.eventRepo.Create(env.ctx, event)
	require.NoError(t, err)

	applied, err := env.payout.ReprocessStale(env.ctx, -1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(756), env.balanceOf(accounts[2]))
}

func TestReprocessStaleRetriesFailedEventsUpToTheCap(t *testing.T) {
	env := newTestEnv(t)
	accounts := env.seedChain(2)
	env.cfg.Business.StaleEventMaxAttempts = 3

	in := cycleInput("evt-omega", 1)
	in.MatrixID = "omega"
	_, err := env.payout.Ingest(env.ctx, in)
	assert.ErrorIs(t, err, repository.ErrConfigNotFound)

	ghost := cycleInput("evt-ghost", 1)
	ghost.MatrixID = "ghost"
	ghost.CycleNumber = 2
	_, err = env.payout.Ingest(env.ctx, ghost)
	require.Error(t, err)

	for i := 0; i < 2; i++ {
		applied, err := env.payout.ReprocessStale(env.ctx, -1, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, applied)
	}
	event, err := env.payout.eventRepo.Get(env.ctx, nil, "evt-omega")
	require.NoError(t, err)
	assert.Equal(t, model.CycleEventFailed, event.Status)
	assert.Equal(t, 2, event.Attempts)

	omega := sigmaMatrix()
	omega.MatrixID = "omega"
	env.putMatrix(omega)

	applied, err := env.payout.ReprocessStale(env.ctx, -1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(756), env.balanceOf(accounts[2]))
	event, err = env.payout.eventRepo.Get(env.ctx, nil, "evt-omega")
	require.NoError(t, err)
	assert.Equal(t, model.CycleEventApplied, event.Status)

	// ghost has now failed three times and is left for the closing run
	applied, err = env.payout.ReprocessStale(env.ctx, -1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	event, err = env.payout.eventRepo.Get(env.ctx, nil, "evt-ghost")
	require.NoError(t, err)
	assert.Equal(t, model.CycleEventFailed, event.Status)
	assert.Equal(t, 3, event.Attempts)
}
