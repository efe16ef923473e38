package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/cmd/internal/messages"
	"courier/cmd/internal/messaging"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
	backendMemory   = "memory"
)

// Stack is the assembled message store: a backend, an optional Redis cache,
// metrics, and the service on top.
//
// Ownership model:
// - Stack owns the pgx pool, the SQLite handle and the Redis client.
// - Close releases all of them.
type Stack struct {
	Store   messages.Store
	Service *messaging.Service
	Backend string

	pool   *pgxpool.Pool
	sqlite *messages.SQLiteStore
	rdb    *redis.Client
}

// OpenStack builds the store stack described by cfg and registers store metrics on reg.
func OpenStack(ctx context.Context, cfg Config, log Logger, reg prometheus.Registerer) (*Stack, error) {
	scope, err := messages.ParseReceiptScope(cfg.ReceiptScope)
	if err != nil {
		return nil, fmt.Errorf("receipt scope %q: %w", cfg.ReceiptScope, err)
	}
	opts := []messages.Option{
		messages.WithSchema(cfg.DBSchema),
		messages.WithChunkSize(cfg.ChunkSize),
		messages.WithReceiptScope(scope),
	}

	st := &Stack{}

	var base messages.Store
	switch backend := cfg.Backend(); backend {
	case backendPostgres:
		base, err = st.openPostgres(ctx, cfg, log, opts)
	case backendSQLite:
		base, err = st.openSQLite(cfg, log, opts)
	case backendMemory:
		base, err = messages.NewMemoryStore(opts...)
		st.Backend = backendMemory
		log.Warn("db.disabled.memory_store")
	default:
		err = fmt.Errorf("unknown store backend %q", backend)
	}
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	store := base
	if cfg.RedisURL != "" {
		store, err = st.openCache(ctx, cfg, log, store)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	metrics, err := messages.NewMetrics(reg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	instrumented, err := messages.NewInstrumentedStore(store, metrics, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	st.Store = instrumented

	st.Service, err = messaging.NewService(instrumented, messaging.Config{
		OpTimeout:       cfg.StoreOpTimeout,
		MaxContentChars: cfg.MaxContentChars,
		Logger:          log,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	log.Info("store.open",
		"backend", st.Backend,
		"cache", st.rdb != nil,
		"chunk_size", cfg.ChunkSize,
		"receipt_scope", scope.String(),
	)
	return st, nil
}

func (st *Stack) openPostgres(ctx context.Context, cfg Config, log Logger, opts []messages.Option) (messages.Store, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	st.pool = pool
	st.Backend = backendPostgres

	if cfg.AutoMigrate {
		if err := messages.ApplyPostgresSchema(ctx, pool, cfg.DBSchema); err != nil {
			return nil, err
		}
		log.Info("db.schema.applied", "schema", cfg.DBSchema)
	}

	return messages.NewPostgresStore(pool, opts...)
}

func (st *Stack) openSQLite(cfg Config, log Logger, opts []messages.Option) (messages.Store, error) {
	s, err := messages.NewSQLiteStore(cfg.SQLitePath, opts...)
	if err != nil {
		return nil, err
	}
	st.sqlite = s
	st.Backend = backendSQLite

	log.Info("db.disabled.sqlite_store", "path", cfg.SQLitePath)
	return s, nil
}

func (st *Stack) openCache(ctx context.Context, cfg Config, log Logger, inner messages.Store) (messages.Store, error) {
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	st.rdb = redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := st.rdb.Ping(pingCtx).Err(); err != nil {
		// The cache bypasses Redis faults, so a cold Redis is not fatal.
		log.Warn("cache.redis.unreachable", "err", err)
	}

	return messages.NewCachedStore(inner, st.rdb, messages.CacheConfig{
		TTL:    cfg.CacheTTL,
		Logger: log,
	})
}

// Ping checks the backend database.
func (st *Stack) Ping(ctx context.Context) error {
	switch {
	case st.pool != nil:
		return PingDB(ctx, st.pool, 2*time.Second)
	case st.sqlite != nil:
		return st.sqlite.Ping(ctx)
	case st.Backend == backendMemory:
		return nil
	default:
		return errors.New("store not open")
	}
}

// Close releases every resource the stack owns.
func (st *Stack) Close() error {
	var errs []error
	if st.Store != nil {
		errs = append(errs, st.Store.Close())
	} else if st.sqlite != nil {
		errs = append(errs, st.sqlite.Close())
	}
	if st.rdb != nil {
		errs = append(errs, st.rdb.Close())
	}
	if st.pool != nil {
		st.pool.Close()
	}
	return errors.Join(errs...)
}
