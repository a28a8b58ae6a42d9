package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mlmledger/internal/config"
	"mlmledger/internal/infrastructure/database"
	"mlmledger/internal/infrastructure/mq"
	"mlmledger/internal/model"
	"mlmledger/internal/service"

	"github.com/IBM/sarama/mocks"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

func seedOutbox(t *testing.T, db *gorm.DB, n int) []*model.OutboxMessage {
	t.Helper()
	var out []*model.OutboxMessage
	for i := 0; i < n; i++ {
		msg, err := model.NewOutboxMessage("mlm.ledger", model.EventLedgerBatchApplied, fmt.Sprintf("CYC-%d", i), map[string]int{"n": i})
		require.NoError(t, err)
		require.NoError(t, db.Create(msg).Error)
		out = append(out, msg)
	}
	return out
}

func statusOf(t *testing.T, db *gorm.DB, id int64) *model.OutboxMessage {
	t.Helper()
	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg, id).Error)
	return &msg
}

func senderConfig(maxRetries int) *config.Config {
	return &config.Config{Business: config.BusinessConfig{MaxRetryCount: maxRetries, OutboxBatchSize: 10}}
}

func TestOutboxSenderKeepsOrderOnFailure(t *testing.T) {
	db := openDB(t)
	messages := seedOutbox(t, db, 3)

	producer := mocks.NewSyncProducer(t, nil)
	defer func() { assert.NoError(t, producer.Close()) }()
	sender := NewOutboxSender(db, senderConfig(3), mq.NewKafkaPublisher(producer))

	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(errors.New("broker down"))
	assert.Equal(t, 1, sender.processPendingMessages(context.Background()))

	assert.Equal(t, model.OutboxStatusSent, statusOf(t, db, messages[0].ID).Status)
	second := statusOf(t, db, messages[1].ID)
	assert.Equal(t, model.OutboxStatusPending, second.Status)
	assert.Equal(t, 1, second.RetryCount)
	assert.Equal(t, 0, statusOf(t, db, messages[2].ID).RetryCount)

	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	assert.Equal(t, 2, sender.processPendingMessages(context.Background()))
	for _, m := range messages {
		assert.Equal(t, model.OutboxStatusSent, statusOf(t, db, m.ID).Status)
	}
}

func TestOutboxSenderParksExhaustedMessages(t *testing.T) {
	db := openDB(t)
	messages := seedOutbox(t, db, 2)

	producer := mocks.NewSyncProducer(t, nil)
	defer func() { assert.NoError(t, producer.Close()) }()
	sender := NewOutboxSender(db, senderConfig(1), mq.NewKafkaPublisher(producer))

	producer.ExpectSendMessageAndFail(errors.New("message too large"))
	producer.ExpectSendMessageAndSucceed()
	assert.Equal(t, 1, sender.processPendingMessages(context.Background()))

	assert.Equal(t, model.OutboxStatusFailed, statusOf(t, db, messages[0].ID).Status)
	assert.Equal(t, model.OutboxStatusSent, statusOf(t, db, messages[1].ID).Status)
}

func TestMessageIDIsStable(t *testing.T) {
	msg := &model.OutboxMessage{ID: 7, Topic: "mlm.ledger", MessageKey: "CYC-1"}
	assert.Equal(t, MessageID(msg), MessageID(msg))
	other := *msg
	other.ID = 8
	assert.NotEqual(t, MessageID(msg), MessageID(&other))
}

func TestDuePeriods(t *testing.T) {
	brt := time.FixedZone("BRT", -3*3600)
	// 02:00 UTC on July 1st is still June 30th in BRT
	now := time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-05", Due(now, brt, model.ClosingMonthly))
	assert.Equal(t, "2024-06", Due(now, time.UTC, model.ClosingMonthly))
	assert.Equal(t, "2024-Q1", Due(now, brt, model.ClosingQuarterly))
	assert.Equal(t, "2024-Q2", Due(now, time.UTC, model.ClosingQuarterly))
	assert.Equal(t, "2023-12", Due(time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC), time.UTC, model.ClosingMonthly))
}

type fakeCloser struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCloser) Close(_ context.Context, periodKey, category, triggeredBy string) (*model.ClosingRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, periodKey+"/"+category+"/"+triggeredBy)
	if f.err != nil {
		return nil, f.err
	}
	return &model.ClosingRun{RunNo: "R1", Period: periodKey, Category: category, State: model.ClosingCompleted}, nil
}

func TestClosingSchedulerClosesPreviousPeriod(t *testing.T) {
	cfg := &config.Config{Closing: config.ClosingConfig{
		Timezone:          "UTC",
		MonthlySchedule:   "0 0 2 1 * *",
		QuarterlySchedule: "0 0 4 1 1,4,7,10 *",
	}}
	closer := &fakeCloser{}
	s, err := NewClosingScheduler(context.Background(), closer, cfg)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 10, 1, 4, 0, 0, 0, time.UTC) }

	s.run(model.ClosingMonthly)
	s.run(model.ClosingQuarterly)
	closer.err = &service.PartialBatchFailure{RunNo: "R2", FailedEventIDs: []string{"e1"}}
	s.run(model.ClosingMonthly)

	assert.Equal(t, []string{
		"2024-09/MONTHLY/scheduler",
		"2024-Q3/QUARTERLY/scheduler",
		"2024-09/MONTHLY/scheduler",
	}, closer.calls)
}

func TestClosingSchedulerRejectsBadSpec(t *testing.T) {
	cfg := &config.Config{Closing: config.ClosingConfig{MonthlySchedule: "every month", QuarterlySchedule: "0 0 4 1 1,4,7,10 *"}}
	_, err := NewClosingScheduler(context.Background(), &fakeCloser{}, cfg)
	assert.Error(t, err)
}
