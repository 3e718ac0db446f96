package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gcal "google.golang.org/api/calendar/v3"

	"ledgercal/internal/api"
	"ledgercal/internal/audit"
	"ledgercal/internal/calendar"
	"ledgercal/internal/config"
	"ledgercal/internal/credentials"
	"ledgercal/internal/database"
	"ledgercal/internal/events"
	"ledgercal/internal/export"
	"ledgercal/internal/logging"
	"ledgercal/internal/metrics"
	"ledgercal/internal/queue"
	"ledgercal/internal/repository"
	"ledgercal/internal/service"
	"ledgercal/internal/webhook"
	"ledgercal/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := logging.Component(baseLogger, "syncd")

	db, err := database.NewDB(cfg.Database.Path, baseLogger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer repository.Close(redisClient)
	}

	startMetrics(ctx, cfg, &logger)

	creds := credentials.NewStore(
		db,
		cfg.Google.ClientID,
		cfg.Google.ClientSecret,
		cfg.Google.RedirectURL,
		[]string{gcal.CalendarEventsScope},
		baseLogger,
	)
	cal := calendar.NewGoogleClient(creds, baseLogger)

	eventBus := events.NewEventBus()
	audit.NewRecorder(db, eventBus, baseLogger)

	queueService := queue.NewService(db, redisClient, baseLogger)
	webhookManager := webhook.NewManager(db, cal, eventBus, cfg.Google.WebhookAddress, cfg.Sync.ChannelRenewalMargin, baseLogger)

	syncWorker := worker.NewSyncWorker(db, cal, creds, queueService, eventBus, cfg.Sync, baseLogger)
	syncWorker.Start(ctx)
	defer syncWorker.Wait()

	scheduler := service.NewScheduler(db, queueService, webhookManager, cfg.Sync, baseLogger)
	go scheduler.Run(ctx)

	settingsService := service.NewSettingsService(db, queueService, webhookManager, creds, eventBus, baseLogger)
	syncService := service.NewSyncService(db, queueService, webhookManager, creds, eventBus, cfg.Sync.FullSyncWait, baseLogger)
	exporter := export.NewExporter(db, cfg.Exports.Path, baseLogger)

	if !cfg.API.Enabled {
		logger.Info().Msg("HTTP API disabled, running workers only")
		<-ctx.Done()
		return nil
	}

	dedup := repository.NewDeduper(redisClient, time.Hour)
	webhookHandler := webhook.NewHandler(db, queueService, dedup, eventBus, baseLogger)
	oauthHandler := api.NewOAuthHandler(creds, syncService, eventBus, baseLogger)
	httpServer := api.NewHTTPServer(cfg.API, db, settingsService, syncService, exporter, oauthHandler, webhookHandler, baseLogger)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	return nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		logger.Info().Msg("redis disabled, queue wake-up runs on polling")
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, continuing without it")
		_ = client.Close()
		return nil
	}
	logger.Info().Str("address", cfg.Redis.Address).Msg("redis connected")
	return client
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info().Int("port", port).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}
