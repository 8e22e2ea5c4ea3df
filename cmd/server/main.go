package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wagechannel/channel-server-go/internal/config"
	"github.com/wagechannel/channel-server-go/internal/database"
	"github.com/wagechannel/channel-server-go/internal/handler"
	"github.com/wagechannel/channel-server-go/internal/jobs"
	"github.com/wagechannel/channel-server-go/internal/ledger"
	"github.com/wagechannel/channel-server-go/internal/middleware"
	"github.com/wagechannel/channel-server-go/internal/redis"
	"github.com/wagechannel/channel-server-go/internal/repository"
	"github.com/wagechannel/channel-server-go/internal/repository/memory"
	"github.com/wagechannel/channel-server-go/internal/service"
	"github.com/wagechannel/channel-server-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := cfg.IsProduction()
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	health := map[string]handler.HealthCheck{}

	var store repository.Store
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
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
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
		cancel()
		log.Info().Msg("database connected")

		store = repository.NewPostgresStore(db)
		health["database"] = func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
			defer cancel()
			return db.Ping(ctx)
		}
	default:
		log.Warn().Msg("using in-memory store: state is lost on restart")
		store = memory.NewStore()
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")
	health["redis"] = func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	gateway := ledger.NewClient(ledger.ClientConfig{
		BaseURL:          cfg.LedgerGatewayURL,
		Token:            cfg.LedgerGatewayToken,
		Timeout:          config.LedgerRequestTimeout,
		RetryInitial:     config.LedgerRetryInitial,
		RetryMaxInterval: config.LedgerRetryMaxInterval,
		RetryMaxElapsed:  config.LedgerRetryMaxElapsed,
	})

	events := service.NewEventPublisher(broker)
	tracker := service.NewTracker(store, events, service.TrackerConfig{
		MaxSessionDuration: cfg.MaxSessionDuration(),
		MaxDailyHours:      cfg.MaxDailyHours(),
		RetryWindow:        cfg.ClockInRetryWindow(),
	})
	channels := service.NewChannelService(store, gateway, events, service.ChannelConfig{
		Lifetime:          cfg.ChannelLifetime(),
		ActivationTimeout: cfg.ActivationTimeout(),
	})
	negotiator := service.NewNegotiator(store, gateway, tracker, events, service.NegotiatorConfig{
		ClosingExpiryWindow: cfg.ClosingExpiryWindow(),
		VerifyAttempts:      cfg.VerifyAttempts,
		VerifyInterval:      cfg.VerifyInterval(),
		ClaimTTL:            config.SettlementClaimTTL,
	})
	reconciler := service.NewReconciler(store.Repositories(), gateway, negotiator, channels, service.ReconcilerConfig{
		Tolerance:   cfg.Tolerance(),
		Concurrency: cfg.ReconcileConcurrency,
	})

	authMiddleware := middleware.NewActorAuth(cfg.AuthJWTSecret, cfg.AuthJWTIssuer)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(
		middleware.NewRedisRateLimiter(redisClient.Client), config.DefaultRateLimitPerMin,
	)

	router := handler.NewRouter(handler.RouterDeps{
		Channels:     channels,
		Tracker:      tracker,
		Negotiator:   negotiator,
		Events:       handler.NewEventsHandler(broker),
		Auth:         authMiddleware.Handler,
		RateLimit:    rateLimitMiddleware.Handler,
		Health:       health,
		IsProduction: isProduction,
	})

	sweepJob := jobs.NewSweepJob(tracker, cfg.SweepInterval())
	sweepJob.Start()
	defer sweepJob.Stop()

	reconcileJob := jobs.NewReconcileJob(reconciler, cfg.ReconcileInterval())
	reconcileJob.Start()
	defer reconcileJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("store", cfg.StoreDriver).Msg("starting server")
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
