package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/ai-usage-gateway/config"
	"github.com/vnmchuo/ai-usage-gateway/internal/auth"
	"github.com/vnmchuo/ai-usage-gateway/internal/errtrack"
	"github.com/vnmchuo/ai-usage-gateway/internal/gateway"
	"github.com/vnmchuo/ai-usage-gateway/internal/metrics"
	"github.com/vnmchuo/ai-usage-gateway/internal/plan"
	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
	"github.com/vnmchuo/ai-usage-gateway/internal/provider/claude"
	"github.com/vnmchuo/ai-usage-gateway/internal/provider/gemini"
	"github.com/vnmchuo/ai-usage-gateway/internal/provider/openai"
	"github.com/vnmchuo/ai-usage-gateway/internal/quota"
	"github.com/vnmchuo/ai-usage-gateway/internal/routing"
	"github.com/vnmchuo/ai-usage-gateway/internal/seeder"
	"github.com/vnmchuo/ai-usage-gateway/internal/server"
	"github.com/vnmchuo/ai-usage-gateway/internal/telemetry"
	"github.com/vnmchuo/ai-usage-gateway/internal/usage"
	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
	"github.com/vnmchuo/ai-usage-gateway/pkg/ratelimit"
)

const serviceName = "ai-usage-gateway"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Get().Fatalw("failed to load config", "error", err)
	}

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		logger.Get().Fatalw("failed to init logger", "error", err)
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg.Telemetry)
	if err != nil {
		log.Fatalw("failed to init tracer", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warnw("failed to shutdown tracer provider", "error", err)
		}
	}()

	tracker := errtrack.Noop()
	if cfg.ErrorTracking.Enabled {
		st, err := errtrack.NewSentry(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
		if err != nil {
			log.Fatalw("failed to init sentry", "error", err)
		}
		tracker = st
		defer tracker.Flush(2 * time.Second)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// 3. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalw("failed to connect postgres", "error", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalw("failed to ping postgres", "error", err)
	}
	log.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalw("failed to ping redis", "error", err)
	}
	log.Info("Redis connected")

	// 5. Providers. Adapters without credentials stay unregistered.
	var adapters []provider.Provider
	if cfg.AI.OpenAIAPIKey != "" {
		adapters = append(adapters, openai.New(cfg.AI.OpenAIAPIKey))
	}
	if cfg.AI.GeminiAPIKey != "" {
		adapters = append(adapters, gemini.New(cfg.AI.GeminiAPIKey))
	}
	if cfg.AI.AnthropicAPIKey != "" {
		adapters = append(adapters, claude.New(cfg.AI.AnthropicAPIKey))
	}
	registry := provider.NewRegistry()
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			log.Fatalw("failed to register provider", "provider", a.Name(), "error", err)
		}
	}
	log.Infow("providers registered", "providers", registry.Tags())

	// 6. Usage recorder and analytics sink
	sink, err := newSink(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to init analytics sink", "sink", cfg.Usage.AnalyticsSink, "error", err)
	}
	usageStore := usage.NewPostgresStore(pool)
	recorder := usage.NewRecorder(usageStore, sink, usage.DefaultPriceTable(), usage.RecorderConfig{
		QueueSize:     cfg.Usage.QueueSize,
		Workers:       cfg.Usage.Workers,
		AppendTimeout: cfg.Usage.AppendTimeout,
		MaxAttempts:   cfg.Usage.MaxAttempts,
	}, log)
	recorder.Start(ctx)
	m.WatchRecorder(recorder.Pending, recorder.DroppedErrors)
	go drainRecorderErrors(recorder.Errors(), m, tracker, log)

	// 7. Quota ledger
	loc, err := time.LoadLocation(cfg.Gateway.QuotaTimezone)
	if err != nil {
		log.Fatalw("invalid quota timezone", "error", err)
	}
	tiers := plan.NewResolver(
		plan.NewPostgresGrantSource(pool),
		plan.NewPostgresSubscriptionSource(pool),
		plan.NewPostgresLegacySource(pool),
	)
	entitlements := quota.NewPostgresEntitlementStore(pool)
	ledger := quota.NewLedger(tiers, entitlements, usageStore, quota.WithLocation(loc))

	// 8. Routing policy
	policy := routing.NewPolicy(routing.NewPostgresStore(pool), routing.NewRedisCache(rdb), log,
		routing.WithLocalTTL(cfg.Gateway.RoutingLocalTTL),
		routing.WithRemoteTTL(cfg.Gateway.RoutingRedisTTL),
	)

	// 9. Gateway
	opts := []gateway.Option{
		gateway.WithProviderTimeout(cfg.Gateway.ProviderTimeout),
		gateway.WithMetrics(m),
	}
	if cfg.AI.ProviderRPM > 0 {
		opts = append(opts, gateway.WithRequestLimiter(ratelimit.NewLimiter(rdb, cfg.AI.ProviderRPM)))
	}
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	gw := gateway.New(ledger, policy, registry, recorder, tracer, log, opts...)

	// 10. Auth and seed data
	keyStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(keyStore, auth.NewRedisKeyCache(rdb, 5*time.Minute), log)

	if cfg.App.RunSeed {
		s := seeder.New(policy, entitlements, keyStore, log)
		if err := s.SeedFile(ctx, cfg.App.SeedFile); err != nil {
			log.Errorw("seeding failed", "file", cfg.App.SeedFile, "error", err)
		}
	}

	// 11. HTTP server
	handler := server.NewHandler(gw, ledger, tracker, log)
	router := server.NewRouter(handler, authMiddleware, metrics.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2*cfg.Gateway.ProviderTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infow("AI usage gateway starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server error", "error", err)
		}
	}()

	<-quit
	log.Info("Shutting down gracefully...")

	// A billed call may still be running its primary and backup attempts.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Gateway.ProviderTimeout+10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("forced shutdown", "error", err)
	}
	if err := gw.Wait(shutdownCtx); err != nil {
		log.Errorw("invocations still running at shutdown", "active", gw.Active(), "error", err)
	}

	// Every finished invocation has enqueued its event; flush them on a
	// fresh deadline.
	drainTimeout := cfg.Usage.AppendTimeout*time.Duration(cfg.Usage.MaxAttempts) + 30*time.Second
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := recorder.Close(drainCtx); err != nil {
		log.Errorw("usage recorder did not drain", "pending", recorder.Pending(), "error", err)
	}
	log.Info("Server stopped")
}

func newSink(ctx context.Context, cfg *config.Config) (usage.Sink, error) {
	switch cfg.Usage.AnalyticsSink {
	case "kafka":
		return usage.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	case "clickhouse":
		sink, err := usage.NewClickHouseSink(ctx, usage.ClickHouseOptions{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			User:     cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return usage.NoopSink(), nil
	}
}

// drainRecorderErrors runs for the life of the process.
func drainRecorderErrors(errs <-chan error, m *metrics.Metrics, tracker errtrack.Tracker, log *logger.Logger) {
	for err := range errs {
		stage := "unknown"
		eventID := ""
		var recErr *usage.RecordError
		if errors.As(err, &recErr) {
			stage = string(recErr.Stage)
			eventID = recErr.EventID
		}
		m.RecorderError(stage)
		log.Errorw("usage recording failed", "stage", stage, "event_id", eventID, "error", err)
		tracker.CaptureError(context.Background(), err, map[string]string{"stage": stage})
	}
}
