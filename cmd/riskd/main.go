package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	httpadapter "github.com/buildflow/weather-risk/internal/adapter/http"
	kafkaadapter "github.com/buildflow/weather-risk/internal/adapter/kafka"
	"github.com/buildflow/weather-risk/internal/adapter/openmeteo"
	"github.com/buildflow/weather-risk/internal/adapter/sqlite"
	"github.com/buildflow/weather-risk/internal/alert"
	"github.com/buildflow/weather-risk/internal/config"
	"github.com/buildflow/weather-risk/internal/observability"
	"github.com/buildflow/weather-risk/internal/pipeline"
	"github.com/buildflow/weather-risk/internal/rules"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ruleSet, err := rules.Load(cfg.RulesPath)
	if err != nil {
		logger.Error("failed to load rules", "path", cfg.RulesPath, "error", err)
		os.Exit(1)
	}
	logger.Info("rules loaded", "path", cfg.RulesPath, "sites", len(ruleSet.Sites), "rules", len(ruleSet.Rules))

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	fetcher := openmeteo.NewClient(cfg.ProviderBaseURL, cfg.ProviderTimeout, clock, logger)
	generator := alert.NewGenerator(store, clock, logger)

	// Alert bus is feature-flagged via KAFKA_ENABLED / KAFKA_BROKERS.
	var publisher pipeline.AlertPublisher
	var kafkaWriter *kafkaadapter.Writer
	if cfg.KafkaEnabled {
		kafkaWriter = kafkaadapter.NewWriter(cfg, logger)
		publisher = kafkaWriter
		logger.Info("alert bus enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaAlertsTopic)
	} else {
		logger.Info("alert bus disabled")
	}

	runner := pipeline.NewRunner(
		fetcher, store, generator, publisher, ruleSet.Rules,
		cfg.FetchMaxAttempts, clock, logger, metrics, store.Ping,
	)
	scheduler := pipeline.NewScheduler(
		runner, ruleSet.Sites, cfg.CaptureInterval,
		cfg.ForecastDays, cfg.Granularity, clock, logger, metrics,
	)

	srv := httpadapter.NewServer(
		cfg.HTTPAddr, runner, runner, ruleSet,
		cfg.ForecastDays, cfg.Granularity, clock, logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start capture scheduler.
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if kafkaWriter != nil {
		if err := kafkaWriter.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
