package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/quorum/internal/agent"
	"github.com/pitabwire/quorum/internal/config"
	"github.com/pitabwire/quorum/internal/definition"
	"github.com/pitabwire/quorum/internal/flow"
	"github.com/pitabwire/quorum/internal/idempotency"
	"github.com/pitabwire/quorum/internal/inventory"
	"github.com/pitabwire/quorum/internal/notify"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/internal/policy"
	"github.com/pitabwire/quorum/internal/workflow"
)

// catalog is what the policy store, flow strategies, and agent resolver read.
// Both definition.Registry and definition.PgCatalog satisfy it.
type catalog interface {
	policy.Catalog
	flow.Directory
	agent.Directory
}

// app holds the wired service components and the resources to release.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	pool     *pgxpool.Pool
	registry *definition.Registry // nil when the catalog lives in postgres
	catalog  catalog

	engine      *workflow.Engine
	inventory   *inventory.Service
	idempotency idempotency.Store
	readiness   observability.ReadinessChecks

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// buildApp wires every component from cfg. On error, anything already
// acquired is released.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Step 1: Database pool, shared by every postgres-backed component.
	if cfg.Store.Driver == "postgres" {
		if a.pool, err = connectPool(ctx, cfg.Store); err != nil {
			return nil, withCode(exitDB, err)
		}
		a.closers = append(a.closers, a.pool.Close)
	}

	// Step 2: Catalog.
	if err := a.buildCatalog(); err != nil {
		return nil, withCode(exitConfig, err)
	}

	// Step 3: Workflow store and stock ledger.
	var (
		store  workflow.Store
		ledger inventory.Ledger
	)
	if a.pool != nil {
		pgStore, pgLedger := workflow.NewPgStore(a.pool), inventory.NewPgLedger(a.pool)
		store, ledger = pgStore, pgLedger
		a.readiness.WorkflowStore = pgStore
		a.readiness.Ledger = pgLedger
	} else {
		logger.Info("using in-memory workflow store and stock ledger")
		memStore, memLedger := workflow.NewMemoryStore(), inventory.NewMemoryLedger()
		store, ledger = memStore, memLedger
		a.readiness.WorkflowStore = memStore
		a.readiness.Ledger = memLedger
	}

	// Step 4: Notification publisher.
	publisher, err := a.buildPublisher()
	if err != nil {
		return nil, err
	}

	// Step 5: Idempotency store.
	if err := a.buildIdempotency(ctx); err != nil {
		return nil, err
	}

	// Step 6: Engine and inventory service.
	policies := policy.NewStore(a.catalog, policy.WithLogger(logger))
	flows := flow.NewGenerator(flow.NewDefaultRegistry(a.catalog),
		flow.WithTimeoutHours(cfg.Workflow.DefaultTimeoutHours),
		flow.WithGeneratorLogger(logger),
	)
	agents := agent.NewResolver(a.catalog, logger)

	a.engine = workflow.NewEngine(policies, flows, agents, store,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithPublisher(publisher),
		workflow.WithReassignOnEscalation(cfg.Workflow.ReassignOnEscalation),
		workflow.WithBulkConcurrency(cfg.Workflow.BulkConcurrency),
	)
	a.inventory = inventory.NewService(ledger,
		inventory.WithLogger(logger),
		inventory.WithMetrics(metrics),
	)
	return a, nil
}

func (a *app) buildCatalog() error {
	switch a.cfg.Catalog.Source {
	case "postgres":
		if a.pool == nil {
			return fmt.Errorf("catalog source postgres requires the postgres store")
		}
		pg := definition.NewPgCatalog(a.pool)
		a.catalog = pg
		a.readiness.CatalogLoaded = func() bool { return true }
		return nil
	default:
		docs, err := loadCatalog(a.cfg.Catalog.Directories)
		if err != nil {
			return err
		}
		a.registry = definition.NewRegistry(docs, definition.WithMetrics(a.metrics))
		a.catalog = a.registry
		a.readiness.CatalogLoaded = a.registry.Loaded
		a.logger.Info("catalog loaded",
			zap.Int("documents", len(docs)),
			zap.Strings("tenants", a.registry.Tenants()),
			zap.String("checksum", a.registry.Checksum()),
		)
		return nil
	}
}

func (a *app) buildPublisher() (notify.Publisher, error) {
	switch a.cfg.Notify.Driver {
	case "nats":
		url := a.cfg.Notify.URL()
		if url == "" {
			return nil, withCode(exitConfig, fmt.Errorf("notify: %s environment variable not set", a.cfg.Notify.URLEnv))
		}
		pub, nc, err := notify.Connect(url, a.cfg.Notify.SubjectPrefix, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { drain(nc, a.logger) })
		guarded := notify.NewBreakerPublisher(pub, a.cfg.Notify.BreakerFailures, a.cfg.Notify.BreakerCooldown,
			notify.WithBreakerLogger(a.logger),
		)
		a.readiness.Publisher = guarded
		return guarded, nil
	case "log":
		return notify.NewLogPublisher(a.logger), nil
	default:
		return notify.Nop{}, nil
	}
}

func (a *app) buildIdempotency(ctx context.Context) error {
	cfg := a.cfg.Idempotency
	if !cfg.Enabled {
		return nil
	}
	switch cfg.Driver {
	case "redis":
		addr := cfg.Addr()
		if addr == "" {
			return withCode(exitConfig, fmt.Errorf("idempotency: %s environment variable not set", cfg.AddrEnv))
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
			DB:    cfg.DB,
		})
		store := idempotency.NewRedisStore(client)
		if err := store.HealthCheck(ctx); err != nil {
			client.Close()
			return fmt.Errorf("idempotency: ping redis: %w", err)
		}
		a.closers = append(a.closers, func() { store.Close() })
		a.idempotency = store
		a.readiness.IdempotencyStore = store
	default:
		a.logger.Info("using in-memory idempotency store")
		store := idempotency.NewMemoryStore()
		a.idempotency = store
		a.readiness.IdempotencyStore = store
	}
	return nil
}

// loadCatalog loads and validates the YAML catalog directories.
func loadCatalog(directories []string) ([]definition.Document, error) {
	docs, err := definition.NewLoader().LoadAll(directories)
	if err != nil {
		return nil, fmt.Errorf("catalog loading failed: %w", err)
	}
	if verrs := definition.NewValidator().Validate(docs); len(verrs) > 0 {
		return nil, &definition.ValidationErrors{Errors: verrs}
	}
	return docs, nil
}

func connectPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

func drain(nc *nats.Conn, logger *zap.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Warn("nats drain failed", zap.Error(err))
	}
}
