// Package app assembles the service graph from configuration. It is shared
// by the HTTP server and the imagectl admin CLI so both see the same store.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"imagegen-backend/internal/batch"
	"imagegen-backend/internal/config"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/fireworks"
	"imagegen-backend/internal/generation"
	"imagegen-backend/internal/keypool"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/lock"
	"imagegen-backend/internal/moderation"
	"imagegen-backend/internal/services"
	"imagegen-backend/internal/store"
	"imagegen-backend/internal/supabase"
)

type App struct {
	Config  *config.Config
	Store   store.Store
	Locker  lock.Locker
	Keys    *keypool.Pool
	Gate    *moderation.Gate
	Ledger  *ledger.Ledger
	Records *generation.RecordStore
	Service *generation.Service
	Batches *batch.Orchestrator

	redis    *redis.Client
	supabase *supabase.Client
	closers  []func() error
}

// New connects every backend cfg enables. On error, whatever was already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.RedisURL != "" {
		a.redis, err = store.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.redis.Close)
	}

	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		a.supabase, err = supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey)
		if err != nil {
			return nil, err
		}
	}

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	if a.redis != nil {
		a.Locker = lock.NewRedisLocker(a.redis, 10*time.Second)
	} else {
		a.Locker = lock.NewLocalLocker()
	}

	var extraWords []string
	if cfg.ModerationWordsFile != "" {
		if extraWords, err = moderation.LoadWordsFile(cfg.ModerationWordsFile); err != nil {
			return nil, err
		}
	}

	a.Keys = keypool.New(a.Store, a.Locker, cfg.FireworksAPIKeys)
	if a.Keys.Size() == 0 {
		zap.L().Warn("No FIREWORKS_API_KEY configured; generation requests will fail")
	}
	a.Gate = moderation.NewGate(a.Store, a.Locker, extraWords)
	a.Ledger = ledger.New(a.Store, a.Locker)
	a.Records = generation.NewRecordStore(a.Store)

	provider := fireworks.NewClient(cfg.FireworksAPIBaseURL, cfg.FireworksModel)
	runner := generation.NewRunner(provider, a.Keys)

	var archiver generation.Archiver
	if cfg.SupabaseStorageBucket != "" {
		storageClient := supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseStorageBucket)
		archiver = services.NewArchiveService(provider, storageClient, supabase.ImagePath)
	}
	a.Service = generation.NewService(runner, a.Ledger, a.Gate, a.Records, archiver)

	a.Batches = batch.NewOrchestrator(a.Store, a.Locker, a.Ledger, a.Gate, runner, a.Records,
		batch.WithEvents(a.eventPublisher()),
		batch.WithRefundFailedTasks(cfg.BatchRefundFailedTasks),
		batch.WithArchiver(archiver),
	)

	zap.L().Info("Services initialized",
		zap.String("store", cfg.StoreBackend),
		zap.Bool("redis", a.redis != nil),
		zap.Int("api_keys", a.Keys.Size()),
		zap.Bool("archive", archiver != nil))
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	cfg := a.Config
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "postgres":
		db, err := supabase.NewDatabaseClient(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return db, nil
	case "redis":
		if a.redis == nil {
			return nil, fmt.Errorf("redis store requires REDIS_URL")
		}
		return store.NewRedisStore(a.redis), nil
	case "supabase":
		if a.supabase == nil {
			return nil, fmt.Errorf("supabase store requires SUPABASE_URL and SUPABASE_KEY")
		}
		return supabase.NewRESTStore(a.supabase.Supabase), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func (a *App) eventPublisher() batch.EventPublisher {
	var publishers batch.MultiPublisher
	if a.redis != nil {
		publishers = append(publishers, batch.NewRedisPublisher(a.redis))
	}
	if a.supabase != nil && a.Config.SupabaseEventsTable != "" {
		publishers = append(publishers, supabase.NewRealtimeClient(a.supabase.Supabase, a.Config.SupabaseEventsTable))
	}
	switch len(publishers) {
	case 0:
		return batch.NoopPublisher()
	case 1:
		return publishers[0]
	default:
		return publishers
	}
}

// Purger returns the store's expiry sweeper, or nil when the backend
// expires entries natively.
func (a *App) Purger() store.Purger {
	if p, ok := a.Store.(store.Purger); ok {
		return p
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			zap.L().Warn("Failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}
