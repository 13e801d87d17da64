/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the slot capacity server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config
  2. Build the logger
  3. Open the store (SQLite or in-memory)
  4. Register metrics and build the engine
  5. Configure the HTTP router and start the slot close scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (optional)

ENVIRONMENT:
  Every config key can be overridden with SLOTS_<SECTION>_<KEY>, e.g.
  SLOTS_SERVER_PORT=3000 or SLOTS_DATABASE_DRIVER=memory.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  ./server -config=./slots.yaml
  SLOTS_DATABASE_DRIVER=memory ./server

SEE ALSO:
  - config.go: Config keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/slot-engine/api"
	"github.com/warp/slot-engine/capacity"
	"github.com/warp/slot-engine/capacity/store"
	"github.com/warp/slot-engine/metrics"
	"github.com/warp/slot-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := SetupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *Config, logger *zap.Logger) error {
	st, closer, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.Info("store ready", zap.String("driver", cfg.Database.Driver), zap.String("dsn", cfg.Database.DSN))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := cfg.Engine.Options()
	if err != nil {
		return err
	}
	opts.Logger = logger
	opts.Metrics = metrics.New(reg)
	eng := capacity.NewEngine(st, opts)

	handler := api.NewHandler(eng, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Gatherer:       reg,
	})

	scheduler := api.NewSlotCloseScheduler(eng.Ledger, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	if cfg.Scheduler.Interval > 0 {
		scheduler.CheckInterval = cfg.Scheduler.Interval
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// openStore returns the configured store and what to close on exit.
func openStore(cfg DatabaseConfig) (capacity.Store, io.Closer, error) {
	if cfg.Driver == "memory" {
		return store.NewMemory(), io.NopCloser(nil), nil
	}
	st, err := sqlite.New(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return st, st, nil
}
