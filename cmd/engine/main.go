package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lifecyclehq/pulse/internal/api"
	"github.com/lifecyclehq/pulse/internal/circuitbreaker"
	"github.com/lifecyclehq/pulse/internal/config"
	"github.com/lifecyclehq/pulse/internal/db"
	"github.com/lifecyclehq/pulse/internal/delivery"
	"github.com/lifecyclehq/pulse/internal/engine"
	"github.com/lifecyclehq/pulse/internal/expiry"
	"github.com/lifecyclehq/pulse/internal/metrics"
	"github.com/lifecyclehq/pulse/internal/observ"
	"github.com/lifecyclehq/pulse/internal/offer"
	"github.com/lifecyclehq/pulse/internal/redis"
	"github.com/lifecyclehq/pulse/internal/render"
	"github.com/lifecyclehq/pulse/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pulse engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Redis backs event dedupe and API rate limiting. Both degrade gracefully
	// when it is unavailable.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, event dedupe and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var deduper engine.Deduper
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		deduper = redis.NewDeduper(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Delivery channels
	var senders []delivery.Sender

	sesSender, err := delivery.NewSESSender(ctx, delivery.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES sender unavailable, email delivery disabled", zap.Error(err))
	} else {
		senders = append(senders, sesSender)
	}

	snsSender, err := delivery.NewSNSSender(ctx, delivery.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS delivery disabled", zap.Error(err))
	} else {
		senders = append(senders, snsSender)
	}

	senders = append(senders, delivery.NewWebhookSender(logger, delivery.WebhookConfig{
		DefaultTimeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	}))

	var sender delivery.Sender
	if len(senders) > 1 {
		sender = delivery.NewMultiSender(logger, senders...)
	} else if len(senders) == 1 {
		sender = senders[0]
	} else {
		sender = delivery.NewLogSender(logger)
	}

	// A tripped breaker fails sends fast; the due-step sweeper retries them
	// on its next pass.
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("delivery"), logger)
	protectedSender := circuitbreaker.NewProtectedSender(sender, breaker, logger)

	logger.Info("delivery channels initialized",
		zap.Bool("email_enabled", sesSender != nil),
		zap.Bool("sms_enabled", snsSender != nil),
		zap.Bool("webhook_enabled", true),
	)

	// Engine core
	clock := engine.SystemClock{}
	renderer := render.New(logger)
	offers := offer.NewManager(repo, clock, logger)

	runner := engine.NewRunner(repo, repo, repo, repo, offers, renderer, protectedSender, clock, logger)
	dispatcher := engine.NewEventDispatcher(repo, runner, deduper, logger)

	// Optional SQS fan-out: lifecycle events the expiry machine emits are also
	// forwarded to downstream consumers.
	var sink expiry.EventSink = dispatcher
	if cfg.SQSQueueURL != "" {
		publisher, err := sqs.NewPublisher(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs publisher unavailable, lifecycle fan-out disabled", zap.Error(err))
		} else {
			sink = &fanoutSink{dispatcher: dispatcher, publisher: publisher, logger: logger}
		}
	}

	// Background sweepers
	scheduleSweeper := engine.NewScheduleSweeper(repo, repo, runner, clock,
		time.Duration(cfg.ScheduleSweepMinutes)*time.Minute, logger)
	dueStepSweeper := engine.NewDueStepSweeper(repo, repo, runner, repo, clock,
		time.Duration(cfg.DueStepSweepMinutes)*time.Minute, logger)
	expiryMachine := expiry.New(repo, &logDeprovisioner{logger: logger}, sink, clock,
		time.Duration(cfg.ExpirySweepMinutes)*time.Minute, logger)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()

	go scheduleSweeper.Start(sweepCtx)
	go dueStepSweeper.Start(sweepCtx)
	go expiryMachine.Start(sweepCtx)

	logger.Info("background sweepers started",
		zap.Int("schedule_minutes", cfg.ScheduleSweepMinutes),
		zap.Int("due_step_minutes", cfg.DueStepSweepMinutes),
		zap.Int("expiry_minutes", cfg.ExpirySweepMinutes),
	)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(api.MetricsMiddleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, repo, dispatcher, offers, renderer, protectedSender)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/scenarios", handler.CreateScenario)
		r.Get("/scenarios", handler.ListScenarios)
		r.Get("/scenarios/{key}", handler.GetScenario)
		r.Put("/scenarios/{key}", handler.UpdateScenario)
		r.Delete("/scenarios/{key}", handler.DeleteScenario)

		r.Post("/scenarios/{key}/versions", handler.CreateVersion)
		r.Get("/scenarios/{key}/versions", handler.ListVersions)
		r.Post("/scenarios/{key}/versions/{version}/publish", handler.PublishVersion)
		r.Get("/scenarios/{key}/config", handler.GetPublishedConfig)
		r.Post("/scenarios/{key}/test-send", handler.TestSend)

		r.Post("/events", handler.IngestEvent)
		r.Get("/events/log", handler.ListEventLog)

		r.Post("/offers/{id}/apply", handler.ApplyOffer)
		r.Post("/offers/{id}/claim", handler.ClaimOffer)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// fanoutSink dispatches lifecycle events to scenarios and forwards them to
// SQS best-effort. A publish failure never blocks notification delivery.
type fanoutSink struct {
	dispatcher *engine.EventDispatcher
	publisher  *sqs.Publisher
	logger     *zap.Logger
}

func (f *fanoutSink) Dispatch(ctx context.Context, evt *engine.Event) ([]engine.Result, error) {
	if _, err := f.publisher.Publish(ctx, evt); err != nil {
		f.logger.Warn("lifecycle event fan-out failed",
			zap.Error(err),
			zap.String("event", evt.Name),
		)
	}
	return f.dispatcher.Dispatch(ctx, evt)
}

// logDeprovisioner stands in until the provisioning API client lands. The
// expiry machine still deletes the billing record, so a missed teardown is
// visible in the provider console rather than billed to the user.
type logDeprovisioner struct {
	logger *zap.Logger
}

func (d *logDeprovisioner) Deprovision(ctx context.Context, svc *db.Service) error {
	d.logger.Info("deprovision requested",
		zap.String("service_id", svc.ID.String()),
		zap.String("kind", svc.Kind),
		zap.String("provider_ref", svc.ProviderRef),
	)
	return nil
}
