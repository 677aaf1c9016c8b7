package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/app"
	"github.com/noah-isme/billing-nowpayments/internal/config"
	"github.com/noah-isme/billing-nowpayments/internal/jobs"
	"github.com/noah-isme/billing-nowpayments/internal/notify"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("service", "billing-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsEnabled {
		obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	}
	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.TracingEnabled,
		ServiceName:   "billing-worker",
		Endpoint:      cfg.OTLPEndpoint,
		SamplingRatio: cfg.TracingSampling,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise tracing")
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	a, err := app.New(ctx, cfg, logger, "billing-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer a.Close()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("runner", name).Msg("runner stopped with error")
				stop()
			}
		}()
	}

	eventLogger := obs.Component(logger, "event_worker")
	consumer := webhook.Consumer{Router: a.Router}
	run("events", eventWorker(a, cfg, &eventLogger, consumer).Run)

	deliveryLogger := obs.Component(logger, "delivery_worker")
	delivery := notify.DeliveryWorker{Dispatcher: a.Dispatcher, Locker: *a.Locker, LockTTL: cfg.LockTTL}
	run("deliveries", queue.Worker{
		R:                 a.Redis,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              notify.WebhookDeliveryKind,
		Concurrency:       cfg.QueueConcurrencyHooks,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       cfg.QueueBackoffJitter,
		Store:             a.DLQStore,
		Logger:            &deliveryLogger,
		Handler:           delivery.Handle,
	}.Run)
	if cfg.WebhookDeliveryEnabled {
		run("delivery-sweep", func(ctx context.Context) error {
			delivery.Sweep(ctx, 5*time.Second, 50)
			return nil
		})
	}
	run("dlq-metrics", func(ctx context.Context) error {
		refreshDLQMetrics(ctx, a.DLQStore, logger)
		return nil
	})
	run("jobs", func(ctx context.Context) error {
		return runJobs(ctx, a, cfg, logger)
	})

	logger.Info().Msg("worker started")
	<-ctx.Done()
	wg.Wait()
	logger.Info().Msg("worker shutdown complete")
}

func eventWorker(a *app.App, cfg *config.Config, logger *zerolog.Logger, consumer webhook.Consumer) queue.Worker {
	return queue.Worker{
		R:                 a.Redis,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              webhook.EventKind,
		Concurrency:       cfg.QueueConcurrencyEvents,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       cfg.QueueBackoffJitter,
		Store:             a.DLQStore,
		Logger:            logger,
		Handler:           consumer.Handle,
	}
}

func runJobs(ctx context.Context, a *app.App, cfg *config.Config, logger zerolog.Logger) error {
	srv, err := jobs.NewServer(jobs.ServerConfig{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.JobsConcurrency,
		RetryBase:   cfg.QueueBackoffBase,
		Jitter:      cfg.QueueBackoffJitter,
	}, obs.Component(logger, "jobs"))
	if err != nil {
		return err
	}
	handlers := &jobs.Handlers{
		Payments:  a.Payments,
		Customers: a.Customers,
		Locker:    a.Locker,
		LockTTL:   2 * cfg.LockTTL,
		Logger:    obs.Component(logger, "jobs"),
	}
	mux := asynq.NewServeMux()
	handlers.Register(mux)
	if err := srv.Start(mux); err != nil {
		return err
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func refreshDLQMetrics(ctx context.Context, store queue.Store, logger zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		if err := queue.RefreshDLQMetrics(ctx, store); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("refresh dlq metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
