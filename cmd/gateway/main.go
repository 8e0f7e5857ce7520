package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vnmchuo/tool-gateway/config"
	"github.com/vnmchuo/tool-gateway/internal/api"
	"github.com/vnmchuo/tool-gateway/internal/artifact"
	"github.com/vnmchuo/tool-gateway/internal/auth"
	"github.com/vnmchuo/tool-gateway/internal/billing"
	"github.com/vnmchuo/tool-gateway/internal/logging"
	"github.com/vnmchuo/tool-gateway/internal/metrics"
	"github.com/vnmchuo/tool-gateway/internal/payment"
	"github.com/vnmchuo/tool-gateway/internal/policy"
	"github.com/vnmchuo/tool-gateway/internal/processor"
	"github.com/vnmchuo/tool-gateway/internal/processor/pdf"
	"github.com/vnmchuo/tool-gateway/internal/processor/video"
	"github.com/vnmchuo/tool-gateway/internal/reliability"
	"github.com/vnmchuo/tool-gateway/internal/runner"
	"github.com/vnmchuo/tool-gateway/internal/seeder"
	"github.com/vnmchuo/tool-gateway/internal/telemetry"
	"github.com/vnmchuo/tool-gateway/internal/usage"
	"github.com/vnmchuo/tool-gateway/internal/worker"
	"github.com/vnmchuo/tool-gateway/pkg/ratelimit"
)

const serviceName = "tool-gateway"

type stores struct {
	usage        usage.Store
	reliability  reliability.Store
	entitlements auth.EntitlementStore
	runs         billing.Store
	orders       payment.OrderStore
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, logging.Output(cfg.LogFile)).
		With().Str("service", serviceName).Logger()

	// 2. Init telemetry
	tracing, err := telemetry.Setup(serviceName, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer tracing.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect Redis (optional unless a redis backend is selected)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to ping redis")
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis connected")
	}

	// 4. Storage backend
	st := stores{
		usage:        usage.NewMemoryStore(),
		reliability:  reliability.NewMemoryStore(),
		entitlements: auth.NewMemoryStore(),
		runs:         billing.NewMemoryStore(),
		orders:       payment.NewFileStore(cfg.OrdersPath),
	}
	switch cfg.StoreBackend {
	case "redis":
		st.usage = usage.NewRedisStore(rdb)
		st.reliability = reliability.NewRedisStore(rdb)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect postgres")
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ping postgres")
		}
		logger.Info().Msg("PostgreSQL connected")

		st.usage = usage.NewPostgresStore(pool)
		st.reliability = reliability.NewPostgresStore(pool)
		st.entitlements = auth.NewPostgresStore(pool)
		st.runs = billing.NewPostgresStore(pool)
		st.orders = payment.NewPostgresStore(pool)
	}
	logger.Info().Str("backend", cfg.StoreBackend).Msg("storage ready")

	// 5. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheus(registry, "toolgateway")

	// 6. Policy and reliability
	gate := reliability.NewGate(st.reliability)
	var source policy.Source = policy.FileSource{Path: cfg.ToolsConfigPath}
	if cfg.PolicySource == "redis" {
		source = policy.RedisSource{Client: rdb, Key: cfg.PolicyRedisKey}
	}
	policies := policy.NewStore(source, gate, logger, policy.WithTTL(cfg.PolicyCacheTTL))

	// 7. Entitlements and usage
	var cache redis.UniversalClient
	if rdb != nil {
		cache = rdb
	}
	plans := auth.NewPlanResolver(st.entitlements, cache, logger)
	ledger := usage.NewLedger(st.usage, plans, usage.WithLogger(logger))

	var sessions *auth.Sessions
	if cfg.SessionSecret != "" {
		sessions = auth.NewSessions(cfg.SessionSecret)
	}

	// 8. Processors
	httpClient := &http.Client{
		Timeout:   cfg.ProcessorTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	pdfClient := pdf.New(cfg.PDFConverterURL, httpClient)
	videoClient := video.New(cfg.YouTubeURL, httpClient)
	dispatcher := processor.NewRouter(
		[]processor.Processor{pdfClient, videoClient},
		processor.WithStateChange(func(name, state string) {
			recorder.RecordBreakerStateChange(name, state)
			logger.Warn().Str("processor", name).Str("state", state).Msg("circuit breaker state changed")
		}),
	)

	// 9. Artifacts
	artifacts, err := artifact.NewFileStore(cfg.UploadDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init artifact store")
	}
	sweeper := worker.NewSweeper(artifacts, cfg.ArtifactTTL, cfg.ArtifactSweep, logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("artifact sweeper stopped")
		}
	}()

	// 10. Orchestrator
	tracer := tracing.Tracer(serviceName)
	run := runner.New(policies, ledger, dispatcher, gate,
		runner.WithArtifacts(artifacts),
		runner.WithRunLog(st.runs),
		runner.WithMetrics(recorder),
		runner.WithTracer(tracer),
		runner.WithLogger(logger),
		runner.WithTimeout(cfg.ProcessorTimeout),
		runner.WithInlineMax(cfg.InlineResultMaxBytes),
	)

	// 11. Payments (stub gateway only when explicitly enabled)
	var payments *payment.Service
	if cfg.PaymentGateway == "stub" {
		logger.Warn().Msg("PAYMENT_GATEWAY=stub approves every payment; do not use in production")
		payments = payment.NewService(payment.StubGateway{}, st.orders, plans, cfg.PublicBaseURL, cfg.PremiumPeriod,
			payment.WithLogger(logger))
	}

	// 12. Seed a premium test account if RUN_SEED=true
	if cfg.RunSeed {
		seeder.SeedPremium(ctx, plans, sessions, cfg.PremiumPeriod, logger)
	}

	// 13. HTTP handler
	opts := []api.Option{
		api.WithArtifacts(artifacts),
		api.WithFetchers(pdfClient, videoClient),
		api.WithMetrics(recorder),
		api.WithTracer(tracer),
		api.WithLogger(logger),
		api.WithUpgradeURL(cfg.UpgradeURL),
		api.WithMaxUploadBytes(cfg.MaxUploadBytes),
	}
	if payments != nil {
		opts = append(opts, api.WithPayments(payments))
	}
	if rdb != nil && cfg.RateLimitRPM > 0 {
		opts = append(opts, api.WithLimiter(ratelimit.NewLimiter(rdb, cfg.RateLimitRPM,
			ratelimit.WithAnonymousCost(cfg.RateLimitAnonCost))))
	}
	handler := api.NewHandler(run, policies, ledger, opts...)

	var identityOpts []auth.MiddlewareOption
	if sessions != nil {
		identityOpts = append(identityOpts, auth.WithSessions(sessions))
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(logging.Middleware(logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"tool-gateway"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Operator routes, enabled by ADMIN_TOKEN
	if cfg.AdminToken != "" {
		api.NewAdmin(cfg.AdminToken, st.runs, plans, policies, logger).Mount(r)
	}

	// Tool routes
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(auth.NewResolver(cfg.TrustedProxyHeaders, cfg.SessionCookie), identityOpts...))
		handler.Mount(r)
	})

	// 14. Reload the tool policy on SIGHUP
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				policies.Invalidate()
				logger.Info().Msg("tool policy reload requested")
			case <-ctx.Done():
				return
			}
		}
	}()

	// 15. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, serviceName),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ProcessorTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Tool Gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("Server stopped")
}
