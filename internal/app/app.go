// Package app wires the billing services shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/audit"
	"github.com/noah-isme/billing-nowpayments/internal/config"
	"github.com/noah-isme/billing-nowpayments/internal/customers"
	"github.com/noah-isme/billing-nowpayments/internal/events"
	"github.com/noah-isme/billing-nowpayments/internal/invoices"
	"github.com/noah-isme/billing-nowpayments/internal/jobs"
	"github.com/noah-isme/billing-nowpayments/internal/lock"
	"github.com/noah-isme/billing-nowpayments/internal/notify"
	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/payment"
	"github.com/noah-isme/billing-nowpayments/internal/providers"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/refund"
	"github.com/noah-isme/billing-nowpayments/internal/resilience"
	"github.com/noah-isme/billing-nowpayments/internal/store"
	"github.com/noah-isme/billing-nowpayments/internal/webhook"
)

// App holds the connections and services built from configuration.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Queries *store.Queries
	Tasks   *asynq.Client

	Queue      queue.Enqueuer
	DLQStore   queue.Store
	Locker     *lock.Locker
	Dispatcher *notify.Dispatcher
	Bus        *events.Bus
	Clients    *nowpayments.Factory
	Finder     providers.Finder
	Providers  *providers.Service
	Invoices   invoices.Updater
	Payments   *payment.Service
	Reconciler *payment.Reconciler
	Refunds    *refund.Reconciler
	Customers  *customers.Service
	Jobs       jobs.Enqueuer
	Ingestor   *webhook.Ingestor
	Router     *webhook.Router
	Audit      audit.Service
}

// New connects to Postgres and Redis and builds every service. The caller
// owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, name string) (*App, error) {
	pool, err := connectDB(ctx, cfg.DatabaseURL, name)
	if err != nil {
		return nil, err
	}
	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	tasks, err := jobs.NewClient(cfg.RedisURL)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, DB: pool, Redis: rdb, Queries: store.New(pool), Tasks: tasks}
	a.build()
	return a, nil
}

func (a *App) build() {
	cfg, q, logger := a.Config, a.Queries, a.Logger

	a.Queue = queue.Enqueuer{R: a.Redis, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL, MaxAttempts: cfg.QueueMaxAttempts}
	a.DLQStore = queue.NewStore(a.DB)
	a.Locker = &lock.Locker{R: a.Redis, Prefix: cfg.QueueRedisPrefix, RetryBackoff: cfg.LockRetryBackoff}

	breakers := resilience.NewBreakerSet(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor, logger)
	hookLogger := obs.Component(logger, "webhook_delivery")
	a.Dispatcher = &notify.Dispatcher{
		Store: q,
		HTTP: &resilience.HTTPClient{
			Client:      notify.HTTPClient(cfg.WebhookRequestTimeout, cfg.WebhookAllowInsecureTLS),
			Breaker:     breakers.For("webhook-subscribers"),
			Target:      "webhook-subscribers",
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: 1,
			Timeout:     cfg.WebhookRequestTimeout,
			Logger:      &hookLogger,
		},
		Queue:              &a.Queue,
		BackoffBaseSec:     cfg.WebhookBackoffBaseSec,
		DefaultMaxAttempts: cfg.WebhookDefaultMaxAttempts,
		Enabled:            cfg.WebhookDeliveryEnabled,
		Replay:             notify.RedisReplayProtector{Client: a.Redis, Prefix: cfg.QueueRedisPrefix + ":replay:"},
		ReplayTTL:          cfg.WebhookReplayTTL,
		Logger:             hookLogger,
	}
	a.Bus = &events.Bus{
		Store:     q,
		Scheduler: a.Dispatcher,
		Notifiers: []events.Notifier{events.LogNotifier{Logger: obs.Component(logger, "events")}},
	}

	a.Clients = &nowpayments.Factory{
		Env: nowpayments.Environment{
			SandboxURL:         cfg.NowPayments.SandboxURL,
			LiveURL:            cfg.NowPayments.LiveURL,
			SandboxCheckoutURL: cfg.NowPayments.SandboxCheckoutURL,
			LiveCheckoutURL:    cfg.NowPayments.LiveCheckoutURL,
		},
		HTTP:        nowpayments.NewHTTPClient(cfg.NowPayments.Timeout),
		Breakers:    breakers,
		Timeout:     cfg.NowPayments.Timeout,
		RetryBase:   cfg.RetryBase,
		MaxAttempts: cfg.RetryMaxAttempts,
		Jitter:      cfg.RetryJitter,
		Logger:      logger,
	}
	a.Finder = providers.Finder{Store: q}
	a.Providers = &providers.Service{Store: q, Validate: providers.NewValidator(), Logger: obs.Component(logger, "providers")}
	a.Invoices = invoices.Updater{Store: q, Events: a.Bus, Logger: obs.Component(logger, "invoices")}
	a.Reconciler = &payment.Reconciler{Store: q, Providers: a.Finder, Invoices: a.Invoices, Logger: obs.Component(logger, "payment_reconciler")}
	a.Payments = &payment.Service{
		Store:             q,
		Providers:         a.Finder,
		Clients:           a.Clients,
		Invoices:          a.Invoices,
		Events:            a.Bus,
		Reconciler:        a.Reconciler,
		CallbackBaseURL:   cfg.WebhookPublicBaseURL,
		DefaultSuccessURL: cfg.NowPayments.SuccessRedirectURL,
		Logger:            obs.Component(logger, "payments"),
	}
	a.Refunds = &refund.Reconciler{Store: q, Events: a.Bus, Now: time.Now, Logger: obs.Component(logger, "refund_reconciler")}
	a.Customers = &customers.Service{Store: q, Providers: a.Finder, URLs: a.Clients, Events: a.Bus, Logger: obs.Component(logger, "customers")}
	a.Jobs = jobs.Enqueuer{Client: a.Tasks, MaxRetry: cfg.JobsMaxRetry, UniqueTTL: cfg.JobsUniqueTTL}
	a.Ingestor = &webhook.Ingestor{
		Store:            q,
		Providers:        a.Finder,
		Queue:            a.Queue,
		RequireSignature: cfg.WebhookRequireSignature,
		MaxAttempts:      cfg.QueueMaxAttempts,
		Logger:           obs.Component(logger, "webhook_ingest"),
	}
	a.Audit = audit.Service{Store: q, Enabled: cfg.AuditEnabled}
	a.Router = &webhook.Router{
		Payments: a.Reconciler,
		Refunds:  a.Refunds,
		Locker:   a.Locker,
		LockTTL:  cfg.LockTTL,
		Logger:   obs.Component(logger, "webhook_router"),
	}
}

// Close releases every connection.
func (a *App) Close() {
	if a.Tasks != nil {
		if err := a.Tasks.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func connectDB(ctx context.Context, url, name string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = name

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func connectRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
