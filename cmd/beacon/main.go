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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/api"
	"github.com/beaconhq/beacon/internal/channel"
	"github.com/beaconhq/beacon/internal/circuitbreaker"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/observ"
	"github.com/beaconhq/beacon/internal/ratelimit"
	"github.com/beaconhq/beacon/internal/scheduler"
	"github.com/beaconhq/beacon/internal/store"
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

	logger.Info("starting beacon",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	db, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Repositories
	alerts := store.NewAlertStore(db, logger)
	states := store.NewUserAlertStateStore(db, logger)
	users := store.NewUserStore(db, logger)
	analytics := store.NewAnalyticsStore(db)
	feed := store.NewDeliveryFeed(db, logger)

	// Delivery rate limiter: Redis-backed when Redis is reachable, an
	// in-process sliding window otherwise.
	deliveryLimitCfg := ratelimit.Config{
		Limit:  cfg.DeliveryRateLimit,
		Window: cfg.DeliveryRateWindow,
	}
	apiLimitCfg := ratelimit.Config{
		Limit:  cfg.APIRateLimit,
		Window: cfg.APIRateWindow,
	}

	var deliveryLimiter ratelimit.Limiter
	var apiLimiter ratelimit.Limiter

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process rate limits",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		_ = rdb.Close()
		deliveryLimiter = ratelimit.NewWindow(deliveryLimitCfg)
		apiLimiter = ratelimit.NewWindow(apiLimitCfg)
	} else {
		defer rdb.Close()
		deliveryLimiter = ratelimit.NewRedisLimiter(rdb, logger, deliveryLimitCfg)
		apiLimiter = ratelimit.NewRedisLimiter(rdb, logger, apiLimitCfg)
		logger.Info("redis rate limiting enabled",
			zap.String("host", cfg.RedisHost),
			zap.Int("port", cfg.RedisPort),
		)
	}

	// Delivery channels. In-app is always available; email and SMS depend
	// on AWS credentials and degrade to disabled when setup fails.
	chanCfg := channel.DefaultConfiguration()
	chanCfg.RateLimit = deliveryLimitCfg

	channels := []channel.Channel{
		protect(channel.NewInApp(feed, chanCfg, logger), "in_app", logger),
	}

	email, err := channel.NewEmail(ctx, channel.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, chanCfg, logger)
	if err != nil {
		logger.Warn("email channel unavailable", zap.Error(err))
	} else {
		channels = append(channels, protect(email, "email", logger))
	}

	sms, err := channel.NewSMS(ctx, channel.SMSConfig{
		Region: cfg.SNSRegion,
	}, chanCfg, logger)
	if err != nil {
		logger.Warn("sms channel unavailable", zap.Error(err))
	} else {
		channels = append(channels, protect(sms, "sms", logger))
	}

	registry, err := channel.NewRegistry(channels...)
	if err != nil {
		return fmt.Errorf("failed to build channel registry: %w", err)
	}

	dispatcher := channel.NewDispatcher(registry, deliveryLimiter, logger)

	// Reminder scheduler
	sched := scheduler.New(alerts, users, states, dispatcher, scheduler.Config{
		Interval:    cfg.SchedulerInterval,
		WorkerCount: cfg.SchedulerWorkers,
	}, logger)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	if err := sched.Start(schedCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

			next.ServeHTTP(ww, req)

			logger.Info("request completed",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(req.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, alerts, states, users, analytics)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.IPKeyFunc))

		r.Post("/alerts", handler.CreateAlert)
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Patch("/alerts/{id}", handler.UpdateAlert)
		r.Post("/alerts/{id}/archive", handler.ArchiveAlert)
		r.Post("/alerts/{id}/snooze/bulk", handler.BulkSnooze)

		r.Get("/users/{userID}/alerts", handler.ListUserAlerts)
		r.Post("/users/{userID}/alerts/{id}/read", handler.MarkRead)
		r.Post("/users/{userID}/alerts/{id}/unread", handler.MarkUnread)
		r.Post("/users/{userID}/alerts/{id}/snooze", handler.Snooze)
		r.Post("/users/{userID}/alerts/{id}/unsnooze", handler.Unsnooze)

		r.Get("/analytics/alerts/{id}", handler.AlertAnalytics)
		r.Get("/analytics/overview", handler.OverviewAnalytics)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Health(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		metrics.SetDBConnections(int(db.Pool().Stat().AcquiredConns()))
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

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
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

// protect wraps a channel with its provider circuit breaker.
func protect(ch channel.Channel, name string, logger *zap.Logger) channel.Channel {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}, logger)
	return channel.NewProtected(ch, breaker, logger)
}
