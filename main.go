package main

import (
	"context"
	"encoding/json"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pegmaker/config"
	"pegmaker/internal/adapters/binanceclient"
	"pegmaker/internal/adapters/logger"
	"pegmaker/internal/adapters/sqlite"
	"pegmaker/internal/app"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	exchangeClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Symbol:     cfg.Symbol,
		TickSize:   cfg.TickSize,
		StepSize:   cfg.StepSize,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Verify connectivity and synchronize clocks before trading
	if err := exchangeClient.Ping(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Exchange unreachable")
		log.Fatalf("FATAL: Exchange unreachable: %v", err)
	}
	if err := exchangeClient.SetServerTime(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to synchronize server time")
		log.Fatalf("FATAL: Failed to synchronize server time: %v", err)
	}

	// 6. Initialize Application Service
	service, err := app.NewService(
		cfg,
		appLogger,
		exchangeClient, // market data
		exchangeClient, // order dispatch
		repo,
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize reconciliation service")
		log.Fatalf("FATAL: Failed to initialize reconciliation service: %v", err)
	}
	appLogger.Info(context.Background(), "Reconciliation service initialized")

	// 7. Serve /metrics and /healthz
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			st := service.Status()
			healthy := !st.LastTick.IsZero() && time.Since(st.LastTick) < 3*cfg.TickInterval
			w.Header().Set("Content-Type", "application/json")
			if !healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"healthy":           healthy,
				"sinceLastTickSecs": time.Since(st.LastTick).Seconds(),
				"lastError":         st.LastError,
				"status":            st,
			})
		})
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			appLogger.Info(context.Background(), "Metrics listener starting", map[string]interface{}{"addr": cfg.MetricsAddr})
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLogger.Error(context.Background(), err, "Metrics listener failed")
			}
		}()
	}

	// 8. Start the Service
	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Reconciliation service exited with error")
		log.Fatalf("FATAL: Reconciliation service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
