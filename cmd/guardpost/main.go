// Package main is the entry point for the guardpost monitoring service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guardpost/internal/alerting"
	"guardpost/internal/config"
	"guardpost/internal/detect"
	"guardpost/internal/ingest"
	"guardpost/internal/middleware"
	"guardpost/internal/monitor"
	"guardpost/internal/queue"
	"guardpost/internal/schema"
	"guardpost/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"tick_interval", cfg.Monitor.Interval,
		"kafka_enabled", cfg.Kafka.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	registry, err := cfg.BuildRegistry()
	if err != nil {
		slog.Error("invalid threat patterns", "error", err)
		os.Exit(1)
	}
	slog.Info("threat patterns compiled", "patterns", registry.Len())

	// Core pipeline: queue -> detector -> manager
	validator := schema.NewValidator()
	sampleQueue := queue.NewSampleQueue(cfg.Queue.Size)
	detector := detect.New(registry)
	manager := alerting.NewManager(registry, cfg.Alerting.MaxHistory)

	// Delivery channels and dispatcher
	channels := make([]alerting.Channel, 0, len(cfg.Alerting.Channels))
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "webhook":
			channels = append(channels, alerting.NewWebhookChannel(ch.Name, ch.URL, ch.Headers))
		case "log":
			channels = append(channels, alerting.NewLogChannel(ch.Name, nil))
		}
	}
	dispatcher := alerting.NewDispatcher(cfg.Alerting.Dispatch, registry, channels...)
	manager.AddNotifier(dispatcher)

	broadcaster := alerting.NewBroadcaster()
	manager.AddNotifier(broadcaster)
	manager.AddNotifier(monitor.MetricsNotifier{})

	var redisPub *alerting.RedisPublisher
	if cfg.Alerting.Redis.Enabled {
		redisPub, err = alerting.NewRedisPublisher(
			cfg.Alerting.Redis.Addr,
			cfg.Alerting.Redis.Password,
			cfg.Alerting.Redis.DB,
			cfg.Alerting.Redis.Channel,
		)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		manager.AddNotifier(redisPub)
		slog.Info("redis publisher connected", "addr", cfg.Alerting.Redis.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolved-alert archive
	var chClient *storage.ClickHouseClient
	var archive *storage.Archive
	if cfg.Archive.Enabled {
		slog.Info("initializing ClickHouse archive",
			"hosts", cfg.Archive.ClickHouse.Hosts,
			"database", cfg.Archive.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(cfg.Archive.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		if err := chClient.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare archive schema", "error", err)
			os.Exit(1)
		}

		archive = storage.NewArchive(storage.NewClickHouseInserter(chClient), cfg.Archive.Batch)
		manager.AddNotifier(archive)
		slog.Info("archive initialized")
	}

	// Ingestion surfaces
	ingestHandler := ingest.NewHandler(validator, sampleQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	var kafkaConsumer *ingest.KafkaConsumer
	if cfg.Kafka.Enabled {
		kafkaConsumer, err = ingest.NewKafkaConsumer(cfg.Kafka, ingestHandler)
		if err != nil {
			slog.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		kafkaConsumer.Start(ctx)
	}

	// Evaluation loop
	scheduler := monitor.New(cfg.Monitor, sampleQueue, detector, manager)
	scheduler.Start(ctx)

	// HTTP surface
	mux := http.NewServeMux()
	ingestHandler.RegisterRoutes(mux)
	alerting.NewHandler(manager, broadcaster, dispatcher).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	limiter := middleware.NewRateLimiter(cfg.RateLimit, nil)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      limiter.Middleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests, then stop the sample sources so the
	// final scheduler tick sees everything that was accepted.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}

	scheduler.Stop()
	cancel()
	dispatcher.Stop()
	limiter.Stop()

	if redisPub != nil {
		if err := redisPub.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	if archive != nil {
		if err := archive.Close(); err != nil {
			slog.Error("archive close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	sampleQueue.Close()

	queueMetrics := sampleQueue.Metrics()
	slog.Info("shutdown complete",
		"samples_pushed", queueMetrics.Pushed,
		"samples_drained", queueMetrics.Drained,
		"samples_dropped", queueMetrics.Dropped,
		"active_alerts", manager.ActiveCount(),
	)

	if archive != nil {
		archiveMetrics := archive.Metrics()
		slog.Info("archive metrics",
			"alerts_written", archiveMetrics.Written,
			"alerts_failed", archiveMetrics.Failed,
			"batches", archiveMetrics.Batches,
		)
	}
}

// setupLogging configures the default slog logger from config.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
