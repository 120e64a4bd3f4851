package httpapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"session_billing/internal/autoreload"
	"session_billing/internal/billing"
	"session_billing/internal/config"
	"session_billing/internal/ledger"
	"session_billing/internal/logging"
	"session_billing/internal/metrics"
	"session_billing/internal/notify"
	"session_billing/internal/payments"
	"session_billing/internal/queue"
	"session_billing/internal/rates"
	"session_billing/internal/session"
	"session_billing/internal/storage"
)

// Dependencies aggregates the services behind the HTTP layer
type Dependencies struct {
	Engine  *billing.Engine
	Replay  *billing.ReplayWorker
	Reload  *autoreload.Trigger
	Rates   *rates.Cached
	Metrics *metrics.Prometheus

	// AdminToken, when set, is required on /admin routes
	AdminToken string

	db      *storage.DB
	redis   *redis.Client
	kafka   *notify.KafkaNotifier
	pending queue.Queue
	dlq     queue.DeadLetterQueue
}

// BuildDependencies connects the configured backends and wires the billing engine.
// The engine is idle until Recover is called.
func BuildDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	logger := logging.NewLogger("httpapi")
	deps := &Dependencies{
		Metrics:    metrics.NewPrometheus(),
		AdminToken: cfg.AdminToken,
	}

	var err error
	if cfg.StoreBackend == config.BackendPostgres {
		deps.db, err = storage.NewDB(cfg.Database)
		if err != nil {
			return nil, err
		}
	}
	if cfg.RedisEnabled() {
		deps.redis, err = storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			deps.Close()
			return nil, err
		}
	}

	// Balance store, ledger and session rows
	var (
		store    ledger.Store
		sessions session.Store
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		store = deps.db.NewLedgerRepository()
		sessions = deps.db.NewSessionRepository()
	case config.BackendRedis:
		store = ledger.NewRedisStore(deps.redis, cfg.Redis.KeyPrefix)
		sessions = session.NewRedisStore(deps.redis, cfg.Redis.KeyPrefix)
	default:
		logger.Warn("Using in-memory store, balances and sessions are lost on restart")
		store = ledger.NewMemoryStore()
		sessions = session.NewMemoryStore()
	}

	// Rates: the catalogue file first, then the database table
	var chain rates.Chain
	if cfg.Rates.CatalogPath != "" {
		catalog, err := rates.LoadCatalog(cfg.Rates.CatalogPath)
		if err != nil {
			deps.Close()
			return nil, err
		}
		chain = append(chain, catalog)
	}
	if deps.db != nil {
		chain = append(chain, deps.db.NewRateRepository())
	}
	deps.Rates = rates.NewCached(chain, cfg.Rates.CacheSize, cfg.Rates.CacheTTL)

	// Pending-charge replay queue
	queueCfg := &queue.Config{
		Name:         cfg.Queue.Name,
		BatchSize:    cfg.Queue.BatchSize,
		BatchTimeout: cfg.Queue.BatchTimeout,
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryBackoff: cfg.Queue.RetryBackoff,
	}
	if deps.redis != nil {
		pending, err := queue.NewRedisQueue(deps.redis, queueCfg)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create pending queue: %w", err)
		}
		dlq, err := queue.NewRedisDeadLetterQueue(deps.redis, queueCfg)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to create pending DLQ: %w", err)
		}
		deps.pending, deps.dlq = pending, dlq
	} else {
		deps.pending = queue.NewMemoryQueue(queueCfg)
		deps.dlq = queue.NewMemoryDeadLetterQueue()
	}

	// Auto-reload through the payment processor
	var processor payments.Processor = payments.NewNoopProcessor()
	if cfg.Payments.StripeSecretKey != "" {
		processor = payments.NewBreakerProcessor(
			payments.NewStripeProcessor(cfg.Payments.StripeSecretKey, cfg.Payments.Currency),
			payments.BreakerConfig{
				FailureRatio: cfg.Payments.BreakerFailureRatio,
				MinRequests:  cfg.Payments.BreakerMinRequests,
				Delay:        cfg.Payments.BreakerDelay,
				Timeout:      cfg.Payments.RequestTimeout,
			},
		)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, auto-reload requests will be declined")
	}
	deps.Reload = autoreload.NewTrigger(processor, store, autoreload.Config{
		Currency:       cfg.Payments.Currency,
		RequestTimeout: cfg.Payments.RequestTimeout,
	}, deps.Metrics)

	// Session events
	notifiers := notify.MultiNotifier{notify.NewLogNotifier()}
	if deps.redis != nil && cfg.Notify.RedisChannel != "" {
		notifiers = append(notifiers, notify.NewRedisNotifier(deps.redis, cfg.Notify.RedisChannel))
	}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		deps.kafka, err = notify.NewKafkaNotifier(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic, cfg.Notify.KafkaClient)
		if err != nil {
			deps.Close()
			return nil, err
		}
		notifiers = append(notifiers, deps.kafka)
	}

	deps.Engine, err = billing.NewEngine(cfg.Billing, billing.Deps{
		Store:    store,
		Sessions: sessions,
		Rates:    deps.Rates,
		Reload:   deps.Reload,
		Notifier: notifiers,
		Metrics:  deps.Metrics,
		Pending:  deps.pending,
	})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create billing engine: %w", err)
	}
	deps.Replay = billing.NewReplayWorker(deps.pending, deps.dlq, deps.Engine, queueCfg)

	return deps, nil
}

// Close releases backend connections. Shut the engine down first.
func (d *Dependencies) Close() error {
	var errs []error
	if d.kafka != nil {
		errs = append(errs, d.kafka.Close())
	}
	if d.pending != nil {
		errs = append(errs, d.pending.Close())
	}
	if d.dlq != nil {
		errs = append(errs, d.dlq.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}
