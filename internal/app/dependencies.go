package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/mongo"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const storageProbeTimeout = 2 * time.Second

// catalogStore — каталог, который можно и читать, и наполнять.
type catalogStore interface {
	domain.CatalogStore
	domain.CatalogWriter
}

type identityStore interface {
	domain.IdentityStore
	domain.IdentityWriter
}

// runtimeDependencies — хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	catalog         catalogStore
	users           identityStore
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	catalogChecker  healthcheck.Checker
	closeFn         func() error
}

func (d *runtimeDependencies) close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

// initRuntimeDependencies открывает хранилища заказов и каталога согласно cfg.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	var deps *runtimeDependencies
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		deps = memoryDependencies()
		logger.Info("storage driver: memory")
	case StorageDriverPostgres:
		pg, err := postgresDependencies(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		deps = pg
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
	}

	if cfg.CatalogDriver == CatalogDriverMongo {
		if err := attachMongoCatalog(ctx, cfg, deps, logger); err != nil {
			_ = deps.close()
			return nil, err
		}
	}
	return deps, nil
}

func memoryDependencies() *runtimeDependencies {
	return &runtimeDependencies{
		repo:            memory.NewOrderRepository(),
		catalog:         memory.NewCatalogStore(),
		users:           memory.NewIdentityStore(),
		outboxRepo:      memory.NewOutboxRepository(),
		timelineRepo:    memory.NewTimelineRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
	}
}

func postgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required for postgres storage driver")
	}

	store, err := postgres.Open(ctx, dsn, postgres.WithMaxOpenConns(cfg.PostgresMaxConns))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	registerPoolCollector(store, logger)
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		state, err := store.MigrationStatus(ctx)
		if err == nil {
			logger.WithFields(log.Fields{
				"version": state.Version,
				"applied": state.Applied,
			}).Info("postgres schema is up to date")
		}
	}
	logger.Info("storage driver: postgres")

	return &runtimeDependencies{
		repo:            postgres.NewOrderRepository(store),
		catalog:         postgres.NewCatalogStore(store),
		users:           postgres.NewIdentityStore(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		storageChecker:  healthcheck.Probe("postgres", storageProbeTimeout, store.Ping),
		closeFn:         store.Close,
	}, nil
}

// registerPoolCollector публикует статистику пула database/sql в /metrics.
func registerPoolCollector(store *postgres.Store, logger *log.Entry) {
	err := prometheus.Register(collectors.NewDBStatsCollector(store.DB(), "storefront"))
	var are prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &are) {
		logger.WithError(err).Warn("failed to register postgres pool metrics")
	}
}

// attachMongoCatalog заменяет каталог на MongoDB, заказы остаются в выбранном хранилище.
func attachMongoCatalog(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	uri := strings.TrimSpace(cfg.MongoURI)
	if uri == "" {
		return errors.New("mongo uri is required for mongo catalog driver")
	}
	catalog, err := mongo.Connect(ctx, uri, cfg.MongoDatabase)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}

	deps.catalog = catalog
	deps.catalogChecker = healthcheck.Probe("mongo", storageProbeTimeout, catalog.Ping)

	closeStorage := deps.closeFn
	deps.closeFn = func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), storageProbeTimeout)
		defer cancel()
		err := catalog.Close(closeCtx)
		if closeStorage != nil {
			err = errors.Join(err, closeStorage())
		}
		return err
	}

	logger.WithField("database", cfg.MongoDatabase).Info("catalog driver: mongo")
	return nil
}

// outboxBacklogChecker помечает сервис degraded, когда в outbox копится больше maxPending событий.
type outboxBacklogChecker struct {
	repo       domain.OutboxRepository
	maxPending int
}

func (c outboxBacklogChecker) Check() healthcheck.Check {
	start := time.Now()
	check := healthcheck.Check{Name: "outbox", Status: healthcheck.StatusHealthy}

	ctx, cancel := context.WithTimeout(context.Background(), storageProbeTimeout)
	defer cancel()
	stats, err := c.repo.Stats(ctx)
	switch {
	case err != nil:
		check.Status = healthcheck.StatusUnhealthy
		check.Message = err.Error()
	case c.maxPending > 0 && stats.PendingCount > c.maxPending:
		check.Status = healthcheck.StatusDegraded
		check.Message = fmt.Sprintf("%d pending events (limit %d), lag %s",
			stats.PendingCount, c.maxPending, stats.Lag(time.Now().UTC()).Truncate(time.Second))
	case stats.FailedCount > 0:
		check.Message = fmt.Sprintf("%d events dead-lettered", stats.FailedCount)
	}
	check.DurationMs = time.Since(start).Milliseconds()
	return check
}
