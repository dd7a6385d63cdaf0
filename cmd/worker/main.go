// Package main is the entry point for the background worker. It runs the
// cross-region replication worker, the failover coordinator and the global
// index sweep against the same region registry the ingestion service uses.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/auditrail/internal/config"
	"github.com/onnwee/auditrail/internal/failover"
	"github.com/onnwee/auditrail/internal/health"
	"github.com/onnwee/auditrail/internal/index"
	"github.com/onnwee/auditrail/internal/jobs"
	"github.com/onnwee/auditrail/internal/logging"
	"github.com/onnwee/auditrail/internal/middleware"
	"github.com/onnwee/auditrail/internal/region"
	"github.com/onnwee/auditrail/internal/replication"
	"github.com/onnwee/auditrail/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "path to optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Auditrail Background Worker")
		fmt.Println()
		fmt.Println("Usage: worker [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "auditrail-worker",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporterType,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	primary, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open primary database", "error", err)
		os.Exit(1)
	}
	defer primary.Close()

	directory := region.NewPostgresDirectory(primary)
	registry := region.NewRegistry(primary, directory, region.ObjectStorageCredentials{
		AccessKeyID:     cfg.ObjectStorageAccessKeyID,
		SecretAccessKey: cfg.ObjectStorageSecretAccessKey,
		Endpoint:        cfg.ObjectStorageEndpoint,
	}, logger)
	defer registry.Close()

	registryMetrics := prometheus.NewRegistry()
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registryMetrics); err != nil {
		logger.Error("failed to register job metrics", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replicator := replication.NewWorker(registry, directory, logger, jobMetrics, replication.Config{
		Window:   cfg.ReplicationWindow(),
		Batch:    cfg.ReplicationBatchSize,
		Interval: cfg.ReplicationInterval(),
	})
	replicator.Start(ctx)

	coordinator := failover.NewCoordinator(registry, failover.NewPostgresQueue(primary), logger, jobMetrics, failover.Config{
		Interval:    cfg.FailoverInterval(),
		ReplayBatch: cfg.FailoverReplayBatch,
	})
	coordinator.Start(ctx)

	sweeper := index.NewSweepService(index.NewPostgresRepository(primary), registry, directory, logger, jobMetrics, index.SweepConfig{
		Interval: cfg.IndexSweepInterval(),
		Lookback: cfg.IndexSweepLookback(),
	})
	sweeper.Start(ctx)

	report := health.NewReport(3 * time.Second)
	report.Add("primary_db", health.NewDBChecker(primary))
	for _, r := range region.KnownRegions {
		report.Add("region_"+string(r), health.NewRegionChecker(registry, r))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registryMetrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		results := report.Run(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !health.Healthy(results) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(results); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      middleware.RequestID(middleware.Logging(logger)(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting worker server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")

	sweeper.Stop()
	coordinator.Stop()
	replicator.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", "error", err)
	}

	logger.Info("worker stopped")
}
