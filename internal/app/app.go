package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/copurchase/internal/data/assoc"
	"github.com/yungbote/copurchase/internal/data/catalog"
	"github.com/yungbote/copurchase/internal/events"
	"github.com/yungbote/copurchase/internal/observability"
	"github.com/yungbote/copurchase/internal/platform/logger"
	"github.com/yungbote/copurchase/internal/recommender"
)

// Source is a long-running consumer of paid-order events.
type Source interface {
	Run(ctx context.Context) error
}

type App struct {
	Log         *logger.Logger
	Cfg         Config
	Store       recommender.Store
	Recommender *recommender.Recommender
	Sources     []Source

	catalog      *catalog.Reader
	redis        *goredis.Client
	closers      []func() error
	shutdownOTel func(context.Context) error
}

// New reads config from the environment and wires everything. Store connection
// failures are returned, never papered over.
func New(ctx context.Context) (*App, error) {
	cfg, err := ResolveConfigFromEnv()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := NewWithConfig(ctx, log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return a, nil
}

func NewWithConfig(ctx context.Context, log *logger.Logger, cfg Config) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Log: log, Cfg: cfg}
	a.shutdownOTel = observability.InitOTel(ctx, log, cfg.Otel)

	log.Info("Wiring association store...", "backend", cfg.Store.Backend)
	if err := a.wireStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	rec, err := recommender.New(a.Store, log,
		recommender.WithKeySpace(recommender.KeySpace{Prefix: cfg.Store.KeyPrefix}),
		recommender.WithDeleteBatchSize(cfg.Store.DeleteBatchSize),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init recommender: %w", err)
	}
	a.Recommender = rec

	if err := a.wireSources(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wireStore(ctx context.Context) error {
	switch a.Cfg.Store.Backend {
	case BackendRedis:
		s, err := assoc.NewRedisStore(a.Log, a.Cfg.Store.Redis.client())
		if err != nil {
			return fmt.Errorf("init redis store: %w", err)
		}
		a.Store = s
		a.redis = s.Client()
		a.closers = append(a.closers, s.Close)
	case BackendPostgres, BackendSQLite:
		var db *gorm.DB
		var err error
		if a.Cfg.Store.Backend == BackendPostgres {
			db, err = assoc.OpenPostgres(a.Cfg.Store.PostgresDSN)
		} else {
			db, err = assoc.OpenSQLite(a.Cfg.Store.SQLitePath)
		}
		if err != nil {
			return &recommender.StoreError{Op: "open", Err: err}
		}
		s, err := assoc.NewTableStore(ctx, a.Log, db)
		if err != nil {
			if sqlDB, derr := db.DB(); derr == nil {
				_ = sqlDB.Close()
			}
			return fmt.Errorf("init table store: %w", err)
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
	case BackendMemory:
		a.Log.Warn("using in-memory association store; history is lost on restart")
		a.Store = assoc.NewMemoryStore()
	default:
		return &ConfigError{Code: ConfigErrorUnknownBackend, Value: a.Cfg.Store.Backend}
	}
	return nil
}

func (a *App) wireSources() error {
	switch a.Cfg.Events.Source {
	case EventSourceNone:
		return nil
	case EventSourceRedis, EventSourceAMQP:
	default:
		return &ConfigError{Code: ConfigErrorUnknownEventSource, Value: a.Cfg.Events.Source}
	}

	handler, err := events.NewHandler(a.Recommender, a.Log)
	if err != nil {
		return err
	}

	if a.Cfg.Events.Source == EventSourceAMQP {
		src, err := events.NewAMQPSource(a.Log, events.AMQPConfig{
			URI:          a.Cfg.Events.AMQPURI,
			Queue:        a.Cfg.Events.AMQPQueue,
			Workers:      a.Cfg.Events.Workers,
			Prefetch:     a.Cfg.Events.Prefetch,
			RequeueDelay: a.Cfg.Events.RequeueDelay,
		}, handler)
		if err != nil {
			return fmt.Errorf("init amqp order source: %w", err)
		}
		a.Sources = append(a.Sources, src)
		return nil
	}

	rdb := a.redis
	if rdb == nil {
		s, err := assoc.NewRedisStore(a.Log, a.Cfg.Store.Redis.client())
		if err != nil {
			return fmt.Errorf("init redis for order events: %w", err)
		}
		rdb = s.Client()
		a.closers = append(a.closers, s.Close)
	}
	src, err := events.NewRedisSource(a.Log, rdb, a.Cfg.Events.RedisChannel, handler)
	if err != nil {
		return fmt.Errorf("init redis order source: %w", err)
	}
	a.Sources = append(a.Sources, src)
	return nil
}

// Catalog opens the product catalog reader on first use.
func (a *App) Catalog() (*catalog.Reader, error) {
	if a.catalog != nil {
		return a.catalog, nil
	}
	dsn := a.Cfg.Catalog.PostgresDSN
	if dsn == "" {
		dsn = a.Cfg.Store.PostgresDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("CATALOG_POSTGRES_DSN is required to read the product catalog")
	}
	db, err := assoc.OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	r, err := catalog.NewReader(db, a.Log, a.Cfg.Catalog.Table)
	if err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	a.catalog = r
	return r, nil
}

// Run blocks until ctx is done or an event source fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Recommender == nil {
		return fmt.Errorf("app not initialized")
	}
	if len(a.Sources) == 0 {
		a.Log.Info("no order event source configured; idling")
		<-ctx.Done()
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range a.Sources {
		src := src
		g.Go(func() error { return src.Run(gctx) })
	}
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.shutdownOTel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdownOTel(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
		cancel()
		a.shutdownOTel = nil
	}
	a.Log.Sync()
}
