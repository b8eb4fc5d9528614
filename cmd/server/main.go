package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"industrialmonitor/backend/internal/config"
	"industrialmonitor/backend/internal/logging"
	"industrialmonitor/backend/internal/metrics"
	"industrialmonitor/backend/internal/server"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init(prometheus.DefaultRegisterer)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	alerter := server.NewLogAlerter(logger)
	if cfg.Alerts.WebhookURL != "" {
		webhook, err := server.NewWebhookAlerter(cfg.Alerts.WebhookURL)
		if err != nil {
			return fmt.Errorf("create webhook alerter: %w", err)
		}
		alerter = server.NewMultiAlerter(alerter, webhook)
		logger.Info("data loss webhook enabled")
	}

	runtime := server.NewRuntime(store, alerter, server.RuntimeConfig{
		Hub: server.HubConfig{
			QueueSize:      cfg.Hub.QueueSize,
			StatusInterval: cfg.Hub.StatusInterval,
		},
		Gateway: server.GatewayConfig{
			BufferSize:     cfg.Persistence.BufferSize,
			BatchSize:      cfg.Persistence.BatchSize,
			FlushInterval:  cfg.Persistence.FlushInterval,
			MaxRetries:     cfg.Persistence.MaxRetries,
			RetryBaseDelay: cfg.Persistence.RetryBaseDelay,
			RetryMaxDelay:  cfg.Persistence.RetryMaxDelay,
			WriteTimeout:   cfg.Persistence.WriteTimeout,
			ShutdownGrace:  cfg.Persistence.ShutdownGrace,
			AlertInterval:  cfg.Persistence.AlertInterval,
		},
		Simulation: server.SimulationConfig{
			DeviceID: cfg.Simulation.DeviceID,
			Interval: cfg.Simulation.Interval,
			Seed:     cfg.Simulation.Seed,
		},
		SimulationEnabled: cfg.Simulation.Enabled,
	}, logger)

	socket := server.NewSocketServer(runtime.Hub, server.SocketConfig{
		ReadLimit:     cfg.Hub.ReadLimit,
		PongWait:      cfg.Hub.PongWait,
		AllowedOrigin: cfg.Server.CORSAllowOrigin,
		RequireAuth:   cfg.Auth.RequireWSAuth,
		JWTSecret:     cfg.Auth.JWTSecret,
	}, logger)

	api := server.NewAPI(runtime.Hub, store, server.APIConfig{
		IngestAPIKey:      cfg.Auth.IngestAPIKey,
		JWTSecret:         cfg.Auth.JWTSecret,
		RequireReadAuth:   cfg.Auth.RequireReadAuth,
		RateLimit:         cfg.Server.RateLimit,
		RateWindow:        cfg.Server.RateWindow,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		MaxBatchSize:      cfg.Server.MaxBatchSize,
	}, server.WithSocketHandler(socket), server.WithLogger(logger))

	if cfg.Auth.IngestAPIKey == "" {
		logger.Warn("INGEST_API_KEY not set, ingest endpoints accept unauthenticated requests")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           withCORS(cfg.Server.CORSAllowOrigin, api.Handler()),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("telemetry service listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		logger.Error("runtime shutdown", zap.Error(err))
		return err
	}
	return nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (server.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, samples are kept in memory only")
		return server.NewMemoryStore(10000), nil
	}

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSetup()

	store, err := server.NewPostgresStore(setupCtx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("create postgres store: %w", err)
	}
	return store, nil
}

func withCORS(allowedOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		response.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		response.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		response.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key")

		if request.Method == http.MethodOptions {
			response.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(response, request)
	})
}
