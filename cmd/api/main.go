package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/billing-nowpayments/internal/app"
	"github.com/noah-isme/billing-nowpayments/internal/audit"
	"github.com/noah-isme/billing-nowpayments/internal/auth"
	"github.com/noah-isme/billing-nowpayments/internal/cache"
	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/config"
	"github.com/noah-isme/billing-nowpayments/internal/health"
	"github.com/noah-isme/billing-nowpayments/internal/notify"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/payment"
	"github.com/noah-isme/billing-nowpayments/internal/providers"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/ratelimit"
	"github.com/noah-isme/billing-nowpayments/internal/security"
	"github.com/noah-isme/billing-nowpayments/internal/store"
	"github.com/noah-isme/billing-nowpayments/internal/tenant"
	"github.com/noah-isme/billing-nowpayments/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("service", "billing-api").Logger()
	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsEnabled {
		obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	}
	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.TracingEnabled,
		ServiceName:   "billing-api",
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

	if cfg.MigrateOnStart {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	a, err := app.New(ctx, cfg, logger, "billing-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           routes(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown http server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func routes(a *app.App) http.Handler {
	cfg, logger := a.Config, a.Logger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.MetricsEnabled {
		r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, nil)}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{Checker: health.Deps{DB: a.DB, Redis: a.Redis}}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	webhookHandler := &webhook.Handler{Ingest: a.Ingestor, MaxBodyBytes: cfg.WebhookMaxBodyBytes}
	r.With(webhookRateLimit(a).Middleware).Post("/webhooks/nowpayments/{organization_id}", webhookHandler.Handle)

	authMiddleware := auth.Middleware{Tokens: auth.Tokens{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer, ClockSkew: 30 * time.Second}}
	idem := common.Idem{R: a.Redis, TTL: cfg.IdempotencyTTL, Scope: cache.RequestScope}
	paymentHandler := &payment.Handler{Svc: a.Payments, Scheduler: a.Jobs}
	providerHandler := &providers.Handler{Svc: a.Providers}
	auditRecorder := audit.HTTPRecorder{Service: a.Audit, Logger: obs.Component(logger, "audit")}
	auditHandler := audit.Handler{Store: a.Queries}
	notifyAdmin := &notify.AdminHandler{Store: a.Queries, Disp: a.Dispatcher}
	queueAdmin := &queue.AdminHandler{
		Store:             a.DLQStore,
		Queue:             a.Queue,
		Logger:            obs.Component(logger, "queue_admin"),
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins(cfg),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Organization-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
		v.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
		v.Use(security.BodyLimit{Max: cfg.WebhookMaxBodyBytes}.Middleware)
		v.Use(authMiddleware.RequireAuth)
		v.Use(tenant.NewResolver("").Middleware)
		v.Use(tenant.RequireOrganization)
		v.Use(auditRecorder.Middleware)

		v.With(idem.Middleware).Put("/payment_providers/nowpayments", providerHandler.Upsert)
		v.With(idem.Middleware).Post("/invoices/{id}/payments", paymentHandler.CreateForInvoice)
		v.Get("/invoices/{id}/payment_url", paymentHandler.PaymentURL)
		v.Post("/payments/{id}/refresh", paymentHandler.Refresh)

		v.Route("/admin", func(admin chi.Router) {
			admin.Post("/webhooks", notifyAdmin.CreateEndpoint)
			admin.Get("/webhooks", notifyAdmin.ListEndpoints)
			admin.Put("/webhooks/{id}", notifyAdmin.UpdateEndpoint)
			admin.Delete("/webhooks/{id}", notifyAdmin.DeleteEndpoint)
			admin.Get("/webhook-deliveries", notifyAdmin.ListDeliveries)
			admin.Post("/webhook-deliveries/{id}/replay", notifyAdmin.ReplayDelivery)
			admin.Get("/queue/dlq", queueAdmin.ListDLQ)
			admin.Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			admin.Get("/queue/stats", queueAdmin.Stats)
			admin.Get("/audit-logs", auditHandler.List)
		})
	})
	return r
}

func webhookRateLimit(a *app.App) ratelimit.Handler {
	var st limiter.Store
	st, err := ratelimit.NewRedisStore(a.Redis, a.Config.QueueRedisPrefix+":ratelimit")
	if err != nil {
		a.Logger.Error().Err(err).Msg("redis rate limit store unavailable, limiting per process")
		st = ratelimit.NewMemoryStore("ratelimit")
	}
	return ratelimit.Handler{
		Limiter: ratelimit.StoreLimiter{Store: st},
		Config: ratelimit.Config{
			Key:    ratelimit.ByClientIP("webhooks"),
			Window: a.Config.WebhookRateWindow,
			Max:    a.Config.WebhookRateLimit,
		},
		OnError: func(err error) { a.Logger.Warn().Err(err).Msg("webhook_rate_limit_failed") },
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}
