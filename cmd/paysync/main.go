package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/paysyncd/paysync/internal/escalate"
	"github.com/paysyncd/paysync/internal/handlers"
	"github.com/paysyncd/paysync/internal/ledger"
	"github.com/paysyncd/paysync/internal/outbound"
	"github.com/paysyncd/paysync/internal/outbox"
	"github.com/paysyncd/paysync/internal/reconcile"
	"github.com/paysyncd/paysync/internal/retry"
	"github.com/paysyncd/paysync/internal/storage"
	"github.com/paysyncd/paysync/internal/webhook"
	"github.com/paysyncd/paysync/libs/config"
	"github.com/paysyncd/paysync/libs/db"
	"github.com/paysyncd/paysync/libs/httpx"
	"github.com/paysyncd/paysync/libs/kafkax"
	otelx "github.com/paysyncd/paysync/libs/otel"
	"github.com/paysyncd/paysync/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "paysync")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
	}

	repo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	ledgerStore := buildLedger(logger, pool, rdb)

	pipeline := escalate.NewPipeline(
		escalate.ParseSeverity(config.String("ESCALATION_MIN_SEVERITY", "medium")),
		buildLimiter(rdb),
		logger,
		buildChannels(repo)...,
	)

	executor := retry.NewExecutor("stripe", logger, retry.ExecutorConfig{
		AttemptTimeout: config.Seconds("STRIPE_ATTEMPT_TIMEOUT_SECONDS", 10*time.Second),
	})
	provider := outbound.NewClient(config.String("STRIPE_SECRET_KEY", ""), executor, logger)

	recHandlers := reconcile.NewHandlers(repo, outboxRepo, logger)

	// Drift backstop: webhooks keep local state in sync, the reconciler
	// repairs rows whose deliveries never landed.
	if config.Bool("RECONCILE_ENABLED", false) {
		lock := storage.NewAdvisoryLock(pool, int64(config.Int("RECONCILE_LOCK_KEY", 4242001)))
		drift := reconcile.NewDriftReconciler(recHandlers, repo, provider, lock, logger, reconcile.DriftConfig{
			Interval:  config.Seconds("RECONCILE_INTERVAL_SECONDS", 5*time.Minute),
			BatchSize: config.Int("RECONCILE_BATCH_SIZE", 50),
		})
		go drift.Run(ctx)
	}

	gateway := webhook.NewGateway(webhook.Config{
		SigningSecret:    config.String("STRIPE_WEBHOOK_SECRET", ""),
		ToleranceSeconds: config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300),
	}, ledgerStore, recHandlers.Registry(), pipeline, logger)

	billing := handlers.New(provider, repo, pipeline, logger, handlers.Config{
		PriceStarter:       config.String("STRIPE_PRICE_STARTER", ""),
		PricePro:           config.String("STRIPE_PRICE_PRO", ""),
		CheckoutSuccessURL: config.String("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:  config.String("CHECKOUT_CANCEL_URL", ""),
	})

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	}
	if rdb != nil {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)

	mux.Handle("/api/v1/billing/webhooks/stripe", gateway)
	mux.HandleFunc("/api/v1/billing/checkout", billing.Checkout)
	mux.HandleFunc("/api/v1/billing/subscription", billing.GetSubscription)
	mux.HandleFunc("/api/v1/billing/subscription/cancel", billing.CancelSubscription)
	mux.HandleFunc("/api/v1/billing/invoices", billing.ListInvoices)

	var corsOrigins []string
	if raw := config.String("CORS_ALLOWED_ORIGINS", ""); raw != "" {
		corsOrigins = strings.Split(raw, ",")
	}
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Idempotency-Key", "X-Account-Id"},
			MaxAge:         10 * time.Minute,
		}),
	)
	handler = otelhttp.NewHandler(handler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	// Durable ledger rows outlive provider redelivery; purge them on a slow cadence.
	if pgLedger, ok := ledgerStore.(*storage.PGLedger); ok {
		go runLedgerEviction(ctx, logger, pgLedger)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func buildLedger(logger *slog.Logger, pool *db.Pool, rdb *redis.Client) ledger.Store {
	retention := config.Seconds("LEDGER_RETENTION_SECONDS", 72*time.Hour)
	switch backend := config.String("LEDGER_BACKEND", "memory"); backend {
	case "redis":
		if rdb == nil {
			logger.Warn("LEDGER_BACKEND=redis but REDIS_ADDR unset, falling back to memory ledger")
			return ledger.NewMemoryStore(retention)
		}
		return ledger.NewRedisStore(rdb, "ledger", retention)
	case "postgres":
		return storage.NewPGLedger(pool, retention)
	default:
		return ledger.NewMemoryStore(retention)
	}
}

func buildLimiter(rdb *redis.Client) escalate.Limiter {
	limit := config.Int("ESCALATION_WINDOW_LIMIT", 1)
	window := config.Seconds("ESCALATION_WINDOW_SECONDS", 5*time.Minute)
	if rdb != nil {
		return escalate.NewRedisLimiter(rdb, limit, window, "escalate")
	}
	return escalate.NewWindowLimiter(limit, window)
}

func buildChannels(repo *storage.Repository) []escalate.Channel {
	channels := []escalate.Channel{escalate.NewStoreChannel(repo)}
	if host := config.String("SMTP_HOST", ""); host != "" {
		channels = append(channels, escalate.NewEmailChannel(
			host,
			config.String("SMTP_PORT", "1025"),
			config.String("ALERT_EMAIL_FROM", "alerts@paysync.local"),
			config.String("ALERT_EMAIL_TO", ""),
		))
	}
	if url := config.String("ALERT_WEBHOOK_URL", ""); url != "" {
		channels = append(channels, escalate.NewWebhookChannel(url, config.String("ALERT_WEBHOOK_SECRET", "")))
	}
	return channels
}

func runLedgerEviction(ctx context.Context, logger *slog.Logger, pgLedger *storage.PGLedger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evictCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := pgLedger.Evict(evictCtx)
			cancel()
			if err != nil {
				logger.Error("ledger eviction failed", "err", err)
			} else if n > 0 {
				logger.Info("ledger entries evicted", "count", n)
			}
		}
	}
}
