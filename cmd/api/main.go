// Package main is the entry point for the ingestion service. It wires the
// region registry, admission control and the broker, and exposes health
// and metrics endpoints; the routed API surface lives in a separate layer.
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
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/auditrail/internal/billing"
	"github.com/onnwee/auditrail/internal/broker"
	"github.com/onnwee/auditrail/internal/config"
	"github.com/onnwee/auditrail/internal/failover"
	"github.com/onnwee/auditrail/internal/health"
	"github.com/onnwee/auditrail/internal/index"
	"github.com/onnwee/auditrail/internal/logging"
	"github.com/onnwee/auditrail/internal/middleware"
	"github.com/onnwee/auditrail/internal/ratelimit"
	"github.com/onnwee/auditrail/internal/region"
	"github.com/onnwee/auditrail/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "path to optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Auditrail Ingestion Service")
		fmt.Println()
		fmt.Println("Usage: api [options]")
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
		ServiceName:  "auditrail-api",
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

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	var planSource billing.PlanSource
	if cfg.StripeAPIKey != "" {
		planSource = billing.NewStripePlanSource(
			billing.NewStripeSubscriptionLister(cfg.StripeAPIKey),
			billing.PostgresCustomerLookup(primary),
		)
	}
	enforcer := billing.NewPostgresEnforcer(primary, planSource, logger)

	// Counters move to Redis when configured so limits hold across
	// replicas; otherwise they stay in process.
	limiter := ratelimit.NewLimiter()
	var limitStore ratelimit.Store = limiter
	if redisClient != nil {
		limitStore = ratelimit.NewRedisStore(redisClient, logger)
	}
	companyLimit := ratelimit.Config{
		Limit:      cfg.RateLimitPerKey,
		Window:     cfg.RateLimitWindow(),
		BurstLimit: int(float64(cfg.RateLimitPerKey) * cfg.RateLimitBurstMultiplier),
	}
	ipLimit := ratelimit.Config{
		Limit:      cfg.RateLimitPerIP,
		Window:     cfg.RateLimitWindow(),
		BurstLimit: int(float64(cfg.RateLimitPerIP) * cfg.RateLimitBurstMultiplier),
	}

	registryMetrics := prometheus.NewRegistry()
	ingestMetrics := broker.NewMetrics()
	if err := ingestMetrics.Register(registryMetrics); err != nil {
		logger.Error("failed to register ingest metrics", "error", err)
		os.Exit(1)
	}

	queue := failover.NewPostgresQueue(primary)
	coordinator := failover.NewCoordinator(registry, queue, logger, nil, failover.Config{
		Interval:    cfg.FailoverInterval(),
		ReplayBatch: cfg.FailoverReplayBatch,
	})

	indexRepo := index.NewPostgresRepository(primary)
	ingestBroker := broker.New(registry, indexRepo, logger,
		broker.WithPendingBuffer(coordinator),
		broker.WithMetrics(ingestMetrics),
	)

	report := health.NewReport(3 * time.Second)
	report.Add("primary_db", health.NewDBChecker(primary))
	if redisClient != nil {
		report.Add("redis", health.NewRedisChecker(redisClient))
	}
	for _, r := range region.KnownRegions {
		report.Add("region_"+string(r), health.NewRegionChecker(registry, r))
	}

	ingestHandler := NewIngestHandler(ingestBroker, enforcer, limitStore, companyLimit, ipLimit, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/internal/v1/events", ingestHandler.CreateEvent)
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
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if err := tracerProvider.Shutdown(ctx); err != nil {
		logger.Error("tracer shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
