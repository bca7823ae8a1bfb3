package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stowly/billing/internal/completion"
	"github.com/stowly/billing/internal/config"
	"github.com/stowly/billing/internal/db"
	"github.com/stowly/billing/internal/gateway"
	"github.com/stowly/billing/internal/handlers"
	"github.com/stowly/billing/internal/httpx"
	"github.com/stowly/billing/internal/invoices"
	"github.com/stowly/billing/internal/kafkax"
	"github.com/stowly/billing/internal/otelx"
	"github.com/stowly/billing/internal/outbox"
	"github.com/stowly/billing/internal/reconcile"
	"github.com/stowly/billing/internal/runtime"
	"github.com/stowly/billing/internal/storage"
	"github.com/stowly/billing/internal/subscriptions"
	"github.com/stowly/billing/internal/termination"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "billing-service")
	port, err := config.Port("PORT", "8084")
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

	stripeKey, err := config.RequiredString("STRIPE_SECRET_KEY")
	if err != nil {
		panic(err)
	}
	gw := gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey: stripeKey,
		Currency:  config.String("BILLING_CURRENCY", "usd"),
	})

	repo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	notifier := outbox.NewEmitter(pool, outboxRepo)

	invoiceSvc := invoices.New(gw, config.Float("BILLING_ACCESS_RATE_PER_UNIT", 0), logger)
	subSvc := subscriptions.New(gw, subscriptions.Config{
		StorageProductID:   config.String("STRIPE_PRODUCT_STORAGE", ""),
		InsuranceProductID: config.String("STRIPE_PRODUCT_INSURANCE", ""),
	}, logger)
	termSvc := termination.New(invoiceSvc, repo, logger)
	completionSvc := completion.New(repo, invoiceSvc, subSvc, termSvc, notifier, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	h := handlers.New(repo, completionSvc, logger)
	mux.HandleFunc("/api/v1/billing/webhooks/delivery-task", h.DeliveryTaskWebhook)

	previewHandler := http.Handler(http.HandlerFunc(h.Preview))
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		limiter := httpx.NewRedisRateLimiter(rdb,
			config.Int("BILLING_PREVIEW_RATE_LIMIT", 60),
			time.Minute,
			"billing:preview",
		)
		previewHandler = limiter.Middleware(logger, true)(previewHandler)
	}
	mux.Handle("/api/v1/billing/preview", previewHandler)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "billing")
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

	// Subscription reconciliation: periodically self-heal appointments whose
	// best-effort subscription step failed at completion time.
	if config.Bool("BILLING_RECONCILE_ENABLED", false) {
		rec := reconcile.New(pool, repo, subSvc, logger, reconcile.Config{
			Interval:        time.Duration(config.Int("BILLING_RECONCILE_INTERVAL_SECONDS", 300)) * time.Second,
			BatchSize:       config.Int("BILLING_RECONCILE_BATCH_SIZE", 50),
			AdvisoryLockKey: int64(config.Int("BILLING_RECONCILE_LOCK_KEY", 7391002)),
		})
		go rec.Run(ctx)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
