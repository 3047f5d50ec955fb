/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the salary-advance engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment
  2. Initialize structured logging
  3. Open SQLite store
  4. Wire the M-Pesa gateway (if enabled), lifecycle service, reconciler
  5. Configure HTTP router
  6. Start server with graceful shutdown

CONFIGURATION:
  All config comes from environment variables (see config/config.go).
  The -addr and -db flags override ADDR and DB_PATH for local runs.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/advance.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run with disbursement enabled against the sandbox
  MPESA_ENABLED=true MPESA_CONSUMER_KEY=... MPESA_CONSUMER_SECRET=... \
    MPESA_SHORTCODE=600000 MPESA_INITIATOR_NAME=testapi \
    MPESA_SECURITY_CREDENTIAL=... ./server

SEE ALSO:
  - api/server.go: router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: database implementation
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/advance-engine/advance"
	"github.com/warp/advance-engine/api"
	"github.com/warp/advance-engine/config"
	"github.com/warp/advance-engine/mpesa"
	"github.com/warp/advance-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Flags override the environment for local runs.
	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	var gateway advance.Gateway
	if cfg.MpesaEnabled {
		gateway = mpesa.NewClient(mpesa.Config{
			BaseURL:            cfg.MpesaBaseURL,
			ConsumerKey:        cfg.MpesaConsumerKey,
			ConsumerSecret:     cfg.MpesaConsumerSecret,
			Shortcode:          cfg.MpesaShortcode,
			InitiatorName:      cfg.MpesaInitiatorName,
			SecurityCredential: cfg.MpesaSecurityCredential,
			CallbackBaseURL:    cfg.MpesaCallbackURL,
			CountryCode:        cfg.MpesaCountryCode,
		}, &http.Client{Timeout: cfg.MpesaTimeout}, logger.Named("mpesa"))
		logger.Info("disbursement gateway enabled", zap.String("base_url", cfg.MpesaBaseURL))
	} else {
		logger.Warn("disbursement gateway disabled; approved advances will not be paid out")
	}

	service := advance.NewService(store, store, gateway, logger.Named("lifecycle"))
	reconciler := advance.NewReconciler(store, service, logger.Named("reconcile"))

	handler := api.NewHandler(service, reconciler, store, store, logger.Named("api"))
	handler.CountryCode = cfg.MpesaCountryCode

	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.CORSOrigins})

	server := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", *addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// newLogger builds a production zap logger at the configured level.
func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
