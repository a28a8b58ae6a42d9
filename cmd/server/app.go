package main

import (
	"context"
	"fmt"

	"mlmledger/internal/infrastructure/cache"
	"mlmledger/internal/infrastructure/database"
	"mlmledger/internal/infrastructure/lock"
	"mlmledger/internal/service"
	"mlmledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// app holds the connections shared by every command.
type app struct {
	db    *gorm.DB
	redis *redis.Client
	svc   *service.Services
}

func openApp(ctx context.Context) (*app, error) {
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return nil, err
	}

	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		return nil, err
	}
	a := &app{db: db}

	var locker lock.Locker
	switch cfg.Lock.Backend {
	case "local":
		log.Warn().Str("section", "init").Msg("Using in-process account locks, run a single instance only")
		locker = lock.NewLocalLocker()
	case "redis", "":
		a.redis, err = cache.InitRedis(ctx, &cfg.Redis)
		if err != nil {
			a.close()
			return nil, err
		}
		locker = lock.NewRedisLocker(a.redis, cfg.Lock.TTL, cfg.Lock.RetryInterval, cfg.Lock.MaxRetries)
	default:
		a.close()
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}

	a.svc, err = service.NewServices(db, locker, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Str("section", "redis").Msg("close redis")
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
