package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/billing"
	"github.com/openclaw/consult-server-go/internal/bus"
	"github.com/openclaw/consult-server-go/internal/clock"
	"github.com/openclaw/consult-server-go/internal/config"
	"github.com/openclaw/consult-server-go/internal/database"
	"github.com/openclaw/consult-server-go/internal/handler"
	"github.com/openclaw/consult-server-go/internal/jobs"
	"github.com/openclaw/consult-server-go/internal/middleware"
	"github.com/openclaw/consult-server-go/internal/redis"
	"github.com/openclaw/consult-server-go/internal/repository"
	"github.com/openclaw/consult-server-go/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	requestRepo := repository.NewRequestRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)

	eventBus := bus.NewRedisBus(redisClient)
	defer eventBus.Close()

	var gateway billing.Gateway = billing.NoopGateway{}
	if cfg.PaymentGatewayURL != "" {
		gateway = billing.NewHTTPGateway(cfg.PaymentGatewayURL)
	}
	chargeQueue := billing.NewQueue(redisClient.Client)

	now := clock.Real()
	plans := service.Plans{Durations: cfg.PlanDurations, Prices: cfg.PlanPricesCents}

	billingService := service.NewBillingService(chargeQueue, plans, now)
	sessionService := service.NewSessionService(sessionRepo, requestRepo, eventBus, billingService, plans, now)
	claimService := service.NewClaimService(requestRepo, sessionRepo, db, eventBus, sessionService, plans, now)

	sweeper := jobs.NewSweeper(requestRepo, sessionRepo, claimService, sessionService, now, jobs.SweepConfig{
		Interval:          cfg.SweepInterval(),
		ClaimGrace:        cfg.ClaimGrace(),
		UnattendedTimeout: cfg.UnattendedTimeout(),
		MaxSessionLength:  cfg.MaxSessionLength(),
		RequestExpiry:     cfg.RequestExpiry(),
	})
	billingJob := jobs.NewBillingRetryJob(chargeQueue, gateway, now, config.BillingRetryInterval)

	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), config.SweepTimeout)
	if _, err := sessionService.ResumeClocks(resumeCtx); err != nil {
		log.Error().Err(err).Msg("failed to resume session clocks")
	}
	resumeCancel()

	actorAuth := middleware.NewActorAuthMiddleware(cfg.AuthTokenSecret)
	adminAuth := middleware.NewAdminAuthMiddleware(cfg.AdminTokenHash)
	actorRateLimit := middleware.NewActorRateLimitMiddleware(
		middleware.NewRedisRateLimiter(redisClient.Client), config.DefaultRateLimitPerMin,
	)
	webhookSignature := middleware.NewWebhookSignatureMiddleware(cfg.MediaWebhookSecret)

	requestHandler := handler.NewRequestHandler(
		claimService, middleware.IPRateLimit(cfg.AcceptRateLimitPerMin, time.Minute),
	)
	sessionHandler := handler.NewSessionHandler(sessionService)
	commitmentHandler := handler.NewCommitmentHandler(claimService, sessionService)
	presenceHandler := handler.NewPresenceHandler(sessionService)
	adminHandler := handler.NewAdminHandler(sessionService, sweeper, chargeQueue)
	eventsHandler := handler.NewEventsHandler(eventBus, claimService, sessionService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.LimitBody(middleware.DefaultMaxBodySize))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		} else if err := redisClient.Ping(ctx).Err(); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"timestamp": time.Now().UnixMilli(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.IPRateLimit(config.DefaultRateLimitPerMin*10, time.Minute))
		r.Use(webhookSignature.Handler)
		r.Post("/presence", presenceHandler.Webhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(actorAuth.Handler)
		r.Use(actorRateLimit.Handler)

		// Long-lived; kept out of the request timeout.
		r.Get("/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Mount("/requests", requestHandler.Routes())
			r.Mount("/sessions", sessionHandler.Routes())
			r.Mount("/commitments", commitmentHandler.Routes())
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(adminAuth.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	sweeper.Start()
	billingJob.Start()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	sweeper.Stop()
	billingJob.Stop()
	sessionService.Shutdown()

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
