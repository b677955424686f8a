package cli

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hub-sync-service/internal/config"
	"hub-sync-service/internal/database"
	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/hub"
	"hub-sync-service/internal/logger"
	"hub-sync-service/internal/ratelimit"
	"hub-sync-service/internal/store"
	"hub-sync-service/internal/storedb"
	"hub-sync-service/internal/sync"
)

// app is the wired engine shared by the commands.
type app struct {
	cfg      *config.Config
	registry *entity.Registry
	db       *database.Database
	redis    *redis.Client
	hub      *hub.HTTPClient
	store    *store.SQLStore
	rows     *storedb.Client
	manager  *sync.Manager
}

// loadConfig reads and validates the configuration and sets up logging.
func loadConfig(opts *RootOptions, reg *entity.Registry) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitFatal, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
		return nil, WrapExitError(ExitFatal, "failed to init logger", err)
	}
	if err := cfg.Validate(reg); err != nil {
		return nil, WrapExitError(ExitFatal, "invalid config", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts *RootOptions) (*app, error) {
	reg := entity.DefaultRegistry()
	cfg, err := loadConfig(opts, reg)
	if err != nil {
		return nil, err
	}

	db, err := database.NewDatabase(cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitFatal, "failed to connect to the store", err)
	}

	a := &app{cfg: cfg, registry: reg, db: db}
	if cfg.Hub.RateLimit.Shared || cfg.Store.RateLimit.Shared {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, WrapExitError(ExitFatal, "failed to connect to redis", err)
		}
	}

	a.hub = hub.NewHTTPClient(cfg.Hub, ratelimit.FromConfig("hub", cfg.Hub.RateLimit, a.redis))
	a.rows = storedb.NewClient(db, ratelimit.FromConfig("store", cfg.Store.RateLimit, a.redis), cfg.Store.PageSize)
	a.store = store.NewSQLStore(db)
	a.manager = sync.NewManager(cfg.Sync, reg, a.hub, a.rows, a.store)
	return a, nil
}

// preflight prepares the tables and checks that the Hub answers before any
// cycle runs.
func (a *app) preflight(ctx context.Context) error {
	if err := a.manager.Prepare(ctx); err != nil {
		return WrapExitError(ExitFatal, "failed to prepare tables", err)
	}
	if err := a.hub.Ping(ctx); err != nil {
		return WrapExitError(ExitFatal, "hub is not reachable", err)
	}
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Log.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Log.Warn("Failed to close database", zap.Error(err))
		}
	}
	logger.Sync()
}
