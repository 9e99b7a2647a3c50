package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatarchive/internal/config"
	"chatarchive/internal/handlers"
	slackintegration "chatarchive/internal/integrations/slack"
	"chatarchive/internal/jobs"
	"chatarchive/internal/logging"
	"chatarchive/internal/middleware"
	"chatarchive/internal/storage"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack"
)

type ServiceBundle struct {
	Store        storage.Store
	Importer     *slackintegration.Importer
	SyncJob      *jobs.SyncJob
	SyncHandler  *handlers.SyncHandler
	SlackHandler *handlers.SlackHandler
	Config       *config.Config
}

func initializeServices(ctx context.Context, cfg *config.Config) (*ServiceBundle, error) {
	slog.Info("Initializing services...")

	// The database may come up after us; keep trying with backoff.
	pg, err := backoff.Retry(ctx, func() (*storage.PostgresStore, error) {
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(5*time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Error("Failed to connect to database, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, err
	}

	var store storage.Store = pg
	if cfg.RedisAddr != "" {
		cache, err := storage.NewUserCache(ctx, cfg.RedisAddr, pg, cfg.UserCacheTTL)
		if err != nil {
			slog.Warn("User cache unavailable, continuing without it", "error", err)
		} else {
			store = cache
		}
	}

	client := slackintegration.NewClient(slackintegration.ClientOptions{
		APIURL:        cfg.SlackAPIURL,
		Timeout:       cfg.Sync.RemoteCallTimeout,
		RatePerSecond: cfg.Sync.RemoteRatePerSecond,
	})
	retrier := slackintegration.NewRetrier(slackintegration.RetryPolicy{
		MaxTries:        cfg.Sync.RetryMaxTries,
		InitialInterval: cfg.Sync.RetryInitialDelay,
	}, slackintegration.NewBreaker(cfg.Sync.BreakerThreshold))

	importer := slackintegration.NewImporter(client, store, slackintegration.ImporterOptions{
		ThreadConcurrency: cfg.Sync.ThreadConcurrency,
		Channels:          cfg.Sync.Channels,
		JoinChannels:      cfg.Sync.JoinChannels,
		Retrier:           retrier,
		FileMirrorDir:     cfg.Sync.FileMirrorDir,
	})

	cred := slackintegration.Credential{Token: cfg.SlackBotToken}
	syncJob := jobs.NewSyncJob(importer, cred, 0)

	slog.Info("All services initialized successfully")

	return &ServiceBundle{
		Store:        store,
		Importer:     importer,
		SyncJob:      syncJob,
		SyncHandler:  handlers.NewSyncHandler(syncJob, importer, store, cred, 0),
		SlackHandler: handlers.NewSlackHandler(importer, store, cred, cfg.SlackSigningSecret),
		Config:       cfg,
	}, nil
}

func newRouter(services *ServiceBundle) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.MetricsMiddleware)

	// API routes with rate limiting
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.APIRateLimitMiddleware())
	apiRouter.HandleFunc("/sync", services.SyncHandler.HandleSync).Methods("POST")
	apiRouter.HandleFunc("/sync", services.SyncHandler.HandleSyncStatus).Methods("GET")
	apiRouter.HandleFunc("/sync/channels/{channelID}", services.SyncHandler.HandleChannelSync).Methods("POST")

	// Slack routes with rate limiting
	slackRouter := router.PathPrefix("/slack").Subrouter()
	slackRouter.Use(middleware.WebhookRateLimitMiddleware())
	slackRouter.HandleFunc("/events", services.SlackHandler.HandleEvents).Methods("POST")

	// System routes
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := services.Store.Ping(ctx); err != nil {
			logging.LoggerFromContext(r.Context()).Warn("Readiness check failed", "error", err)
			http.Error(w, "Database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Starting chatarchive", slog.String("version", "1.0.0"), slog.String("environment", cfg.Environment))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := initializeServices(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer services.Store.Close()

	// Start background jobs
	if err := services.SyncJob.Start(cfg.Sync.Schedule); err != nil {
		slog.Error("Failed to start sync scheduler", "error", err)
		os.Exit(1)
	}

	if cfg.SlackAppToken != "" {
		var options []slack.Option
		if cfg.SlackAPIURL != "" {
			options = append(options, slack.OptionAPIURL(cfg.SlackAPIURL))
		}
		go func() {
			if err := services.SlackHandler.StartSocketMode(ctx, cfg.SlackAppToken, options...); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Socket Mode connection stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(services),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	go func() {
		slog.Info("Server starting", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	// Cancel context to stop background jobs
	cancel()
	services.SyncJob.Stop()

	// Shutdown server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server exited gracefully")
}
