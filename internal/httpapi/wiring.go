package httpapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"ai_routing/internal/aliases"
	"ai_routing/internal/billing"
	"ai_routing/internal/catalog"
	"ai_routing/internal/config"
	"ai_routing/internal/dispatch"
	"ai_routing/internal/ledger"
	"ai_routing/internal/metrics"
	"ai_routing/internal/models"
	"ai_routing/internal/providers"
	"ai_routing/internal/queue"
	"ai_routing/internal/ratelimit"
	"ai_routing/internal/storage"
	"ai_routing/internal/utils"
	"ai_routing/internal/vault"
)

// NewDependencies opens storage and starts background workers for cfg.
// Close stops them in reverse order.
func NewDependencies(ctx context.Context, cfg *config.Config) (_ *Dependencies, err error) {
	deps := &Dependencies{Auth: cfg.Auth, logger: utils.NewLogger("httpapi")}
	defer func() {
		if err != nil {
			deps.Close(context.Background())
		}
	}()

	db, err := storage.NewDB(storage.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deps.onClose(func(context.Context) error { return db.Close() })
	deps.Health = append(deps.Health, HealthCheck{Name: "database", Check: db.Health})

	if cfg.Database.AutoMigrate {
		if err := db.MigrateUp(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		redisClient, err := storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		deps.onClose(func(context.Context) error { return redisClient.Close() })
		deps.Health = append(deps.Health, HealthCheck{Name: "redis", Check: redisClient.Health})
		rdb = redisClient.Client()
	}

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := metrics.NewPrometheus(reg)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		recorder = prom
		deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	sealer, err := storage.NewEncryption(cfg.Vault.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	deps.Catalog = catalog.NewService(db.NewProviderRepository(), cfg.Cache.ProviderCacheSize, cfg.Cache.ProviderCacheTTL)
	keys := db.NewProviderKeyRepository()

	counter, err := deps.budgetCounter(ctx, cfg, keys, rdb)
	if err != nil {
		return nil, err
	}

	upstream := providers.NewRegistry(providers.NewOpenAICompatible(nil))
	deps.Vault = vault.New(keys, deps.Catalog, sealer, upstream, counter, vault.Options{
		LivenessTimeout:  cfg.Vault.LivenessTimeout,
		WarningThreshold: cfg.Vault.WarningThreshold,
	})
	deps.Aliases = aliases.NewRegistry(db.NewAliasRepository(), deps.Catalog, deps.Vault)

	deps.Ledger, err = deps.usageLedger(ctx, cfg, db.NewUsageRepository(), rdb, recorder)
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter = ratelimit.NewNoopLimiter()
	if cfg.RateLimit.Enabled {
		if rdb != nil {
			limiter = ratelimit.NewRateLimiter(rdb)
		} else {
			limiter = ratelimit.NewMemoryLimiter()
		}
	}

	deps.Dispatcher = dispatch.New(dispatch.Config{
		Aliases: deps.Aliases,
		Catalog: deps.Catalog,
		Vault:   deps.Vault,
		Client:  upstream,
		Ledger:  deps.Ledger,
		Limiter: limiter,
		Metrics: recorder,
		Timeout: cfg.Dispatch.TimeoutForTier,
	})
	return deps, nil
}

func (d *Dependencies) budgetCounter(ctx context.Context, cfg *config.Config, keys *storage.ProviderKeyRepository, rdb *redis.Client) (billing.Counter, error) {
	if cfg.Budget.Backend != "redis" {
		return billing.NewDBCounter(keys), nil
	}

	qcfg := queue.DefaultConfig("budget-sync")
	qcfg.BatchSize = cfg.Budget.SyncBatchSize
	qcfg.BatchTimeout = cfg.Budget.SyncTimeout
	qcfg.MaxRetries = cfg.Budget.MaxRetries
	qcfg.RetryBackoff = cfg.Budget.RetryBackoff

	q, err := queue.NewRedisQueue[billing.ChargeEvent](rdb, qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create budget sync queue: %w", err)
	}
	dlq, err := queue.NewRedisDeadLetterQueue[billing.ChargeEvent](rdb, qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create budget sync DLQ: %w", err)
	}
	worker := billing.NewSyncWorker(q, dlq, keys, qcfg)
	worker.Start(ctx)
	d.onClose(func(context.Context) error { return worker.Stop() })

	return billing.NewRedisCounter(rdb, worker, keys), nil
}

func (d *Dependencies) usageLedger(ctx context.Context, cfg *config.Config, store *storage.UsageRepository, rdb *redis.Client, recorder metrics.Recorder) (*ledger.Ledger, error) {
	opts := []ledger.Option{
		ledger.WithMetrics(recorder),
		ledger.WithRecentErrors(cfg.Ledger.RecentErrorLimit),
	}

	if cfg.Ledger.Async {
		qcfg := queue.DefaultConfig("usage-ledger")
		qcfg.BatchSize = cfg.Ledger.BatchSize
		qcfg.BatchTimeout = cfg.Ledger.BatchTimeout

		var (
			q   queue.Queue[*models.UsageRecord]
			dlq queue.DeadLetterQueue[*models.UsageRecord]
			err error
		)
		if rdb != nil {
			if q, err = queue.NewRedisQueue[*models.UsageRecord](rdb, qcfg); err != nil {
				return nil, fmt.Errorf("failed to create usage queue: %w", err)
			}
			if dlq, err = queue.NewRedisDeadLetterQueue[*models.UsageRecord](rdb, qcfg); err != nil {
				return nil, fmt.Errorf("failed to create usage DLQ: %w", err)
			}
		} else {
			q = queue.NewMemoryQueue[*models.UsageRecord](qcfg)
			dlq = queue.NewMemoryDeadLetterQueue[*models.UsageRecord]()
		}
		worker := ledger.NewWorker(q, dlq, store, recorder, qcfg)
		worker.Start(ctx)
		d.onClose(func(context.Context) error { return worker.Stop() })
		opts = append(opts, ledger.WithQueue(worker))
	}

	if cfg.UsageExport.Enabled {
		exporter, err := ledger.NewS3Exporter(ctx, ledger.ExportConfig{
			Bucket:        cfg.UsageExport.S3Bucket,
			Region:        cfg.UsageExport.S3Region,
			Prefix:        cfg.UsageExport.S3Prefix,
			PodName:       cfg.UsageExport.PodName,
			BufferSize:    cfg.UsageExport.BufferSize,
			FlushSize:     cfg.UsageExport.FlushSize,
			FlushInterval: cfg.UsageExport.FlushInterval,
		})
		if err != nil {
			return nil, err
		}
		exporter.Start()
		d.onClose(exporter.Shutdown)
		opts = append(opts, ledger.WithExporter(exporter))
	}

	return ledger.New(store, opts...), nil
}

func (d *Dependencies) onClose(fn func(ctx context.Context) error) {
	d.closers = append(d.closers, fn)
}

// Close stops workers, flushes exports and closes connections, newest first
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
