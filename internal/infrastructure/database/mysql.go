package database

import (
	"fmt"
	"time"

	"mlmledger/internal/config"
	"mlmledger/internal/model"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitMySQL opens the connection pool. TranslateError turns unique-index
// violations into gorm.ErrDuplicatedKey, which the ledger relies on for
// idempotent replays.
func InitMySQL(cfg *config.MySQLConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info().Str("section", "database").Str("host", cfg.Host).Str("database", cfg.Database).Msg("MySQL connected")
	return db, nil
}

// Models lists every persisted entity.
func Models() []interface{} {
	return []interface{}{
		&model.Account{},
		&model.LedgerEntry{},
		&model.LedgerBatch{},
		&model.OutboxMessage{},
		&model.Consultant{},
		&model.ConsumptionRecord{},
		&model.MatrixConfigVersion{},
		&model.CareerPlanVersion{},
		&model.CycleEvent{},
		&model.CareerCounter{},
		&model.RankPromotion{},
		&model.WithdrawalRequest{},
		&model.ClosingRun{},
	}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
