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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zapdesk/bot-gateway-go/internal/config"
	"github.com/zapdesk/bot-gateway-go/internal/connection"
	"github.com/zapdesk/bot-gateway-go/internal/database"
	"github.com/zapdesk/bot-gateway-go/internal/handler"
	"github.com/zapdesk/bot-gateway-go/internal/jobs"
	"github.com/zapdesk/bot-gateway-go/internal/middleware"
	"github.com/zapdesk/bot-gateway-go/internal/redis"
	"github.com/zapdesk/bot-gateway-go/internal/repository"
	"github.com/zapdesk/bot-gateway-go/internal/service"
	"github.com/zapdesk/bot-gateway-go/internal/sse"
	"github.com/zapdesk/bot-gateway-go/internal/token"
	"github.com/zapdesk/bot-gateway-go/internal/waclient"
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
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	botRepo := repository.NewBotRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	issuer := token.NewIssuer(cfg.SessionSecret)
	clientFactory := waclient.NewFactory(redisClient)

	manager := connection.NewManager(botRepo, clientFactory, broker, connection.Options{
		QRDebounce:     cfg.QRDebounce(),
		PairingTimeout: cfg.PairingTimeout(),
		MaxReconnects:  cfg.MaxReconnectAttempts,
		ReconnectBase:  cfg.ReconnectBase(),
	})

	statusService := service.NewStatusService(manager, botRepo)
	exportService := service.NewExportService(botRepo, issuer, cfg.TokenTTL())

	workerAuthMiddleware := middleware.NewWorkerAuthMiddleware(cfg.WorkerAPIKeyHash, issuer)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client, config.DefaultRateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	botHandler := handler.NewBotHandler(statusService, exportService, manager)
	eventsHandler := handler.NewEventsHandler(broker, statusService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1/bots/{botID}", func(r chi.Router) {
		r.Use(workerAuthMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)
		r.Get("/events", eventsHandler.ServeHTTP)
		r.Mount("/", botHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(botRepo, cfg.PairingTimeout(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

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

	manager.Shutdown()

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
