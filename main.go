package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"positionSyncBot/config"
	"positionSyncBot/internal/adapters/binanceclient"
	"positionSyncBot/internal/adapters/logger"
	"positionSyncBot/internal/adapters/memory"
	"positionSyncBot/internal/adapters/redisstore"
	"positionSyncBot/internal/adapters/sqlite"
	"positionSyncBot/internal/app"
	"positionSyncBot/internal/metrics"
	"positionSyncBot/internal/ports"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewZeroLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize Cache (optional)
	var cache ports.StateCache
	if cfg.RedisAddr != "" {
		store, err := redisstore.New(redisstore.Config{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			KeyPrefix:   cfg.RedisKeyPrefix,
			TTL:         cfg.CacheTTL,
			DialTimeout: 5 * time.Second,
			Logger:      appLogger,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize cache")
			log.Fatalf("FATAL: Failed to initialize cache: %v", err)
		}
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			// The cache is best-effort; reconciliation repairs it once Redis is back.
			appLogger.Warn(ctx, "Cache not reachable at startup", map[string]interface{}{"addr": cfg.RedisAddr, "error": err.Error()})
		}
		cache = store
		appLogger.Info(ctx, "Cache initialized", map[string]interface{}{"addr": cfg.RedisAddr})
	} else {
		appLogger.Info(ctx, "REDIS_ADDR not set, running without cache")
	}

	// 5. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 6. Initialize Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to register metrics")
		log.Fatalf("FATAL: Failed to register metrics: %v", err)
	}
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(ctx, err, "Metrics server failed", map[string]interface{}{"addr": cfg.MetricsAddr})
			}
		}()
		appLogger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
	}

	// 7. Initialize Application Service
	syncService, err := app.NewSyncService(
		cfg,
		appLogger,
		binanceClient,
		repo,
		cache,
		memory.NewStore(),
		recorder,
	)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize sync service")
		log.Fatalf("FATAL: Failed to initialize sync service: %v", err)
	}
	appLogger.Info(ctx, "Sync service initialized", map[string]interface{}{"strategies": cfg.StrategyIDs()})

	// 8. Start the Service
	runErr := syncService.Start(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn(ctx, "Metrics server shutdown failed", map[string]interface{}{"error": err.Error()})
		}
		cancel()
	}

	if runErr != nil {
		appLogger.Error(ctx, runErr, "Sync service exited with error")
		log.Fatalf("FATAL: Sync service exited with error: %v", runErr)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
