/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tutor rewards server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags (env fallbacks)
  2. Configure slog
  3. Load business rules (defaults, optionally overlaid by a YAML file)
  4. Initialize store (SQLite or memory) and locker (in-process or Redis)
  5. Create engine, handler, router and tier-check scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (env fallback in brackets):
  -port                 HTTP server port [REWARDS_PORT] (default: 8080)
  -store                sqlite | memory [REWARDS_STORE] (default: sqlite)
  -db                   SQLite database path [REWARDS_DB] (default: rewards.db)
                        Use ":memory:" for an in-memory database
  -rules                YAML/JSON rules file [REWARDS_RULES]
  -redis                Redis address for the distributed locker [REWARDS_REDIS]
  -storage-timeout      Per-call storage timeout [REWARDS_STORAGE_TIMEOUT] (default: 5s)
  -tier-check-interval  Scheduler interval, 0 disables [REWARDS_TIER_CHECK_INTERVAL] (default: 1h)
  -log-level            debug | info | warn | error [REWARDS_LOG_LEVEL]
  -log-format           text | json [REWARDS_LOG_FORMAT]
  -scenarios            Mount the demo scenario routes [REWARDS_SCENARIOS] (default: false)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close locker and database connections

EXAMPLES:
  ./server -db="./data/rewards.db" -rules=rules.yaml
  ./server -store=memory -tier-check-interval=0 -scenarios
  ./server -redis=localhost:6379 -log-format=json

SEE ALSO:
  - api/server.go: Router configuration
  - rewards/engine.go: Engine façade
  - factory/rules.go: Rules file format
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/warp/tutor-rewards/api"
	"github.com/warp/tutor-rewards/factory"
	"github.com/warp/tutor-rewards/rewards"
	memstore "github.com/warp/tutor-rewards/rewards/store"
	redislock "github.com/warp/tutor-rewards/store/redis"
	"github.com/warp/tutor-rewards/store/sqlite"
)

type config struct {
	port              int
	storeKind         string
	dbPath            string
	rulesPath         string
	redisAddr         string
	storageTimeout    time.Duration
	tierCheckInterval time.Duration
	logLevel          string
	logFormat         string
	scenarios         bool
}

func parseFlags() config {
	var cfg config
	flag.IntVar(&cfg.port, "port", envInt("REWARDS_PORT", 8080), "HTTP server port")
	flag.StringVar(&cfg.storeKind, "store", envString("REWARDS_STORE", "sqlite"), "Store backend: sqlite or memory")
	flag.StringVar(&cfg.dbPath, "db", envString("REWARDS_DB", "rewards.db"), "SQLite database path")
	flag.StringVar(&cfg.rulesPath, "rules", envString("REWARDS_RULES", ""), "Rules file (YAML or JSON)")
	flag.StringVar(&cfg.redisAddr, "redis", envString("REWARDS_REDIS", ""), "Redis address for the distributed locker")
	flag.DurationVar(&cfg.storageTimeout, "storage-timeout", envDuration("REWARDS_STORAGE_TIMEOUT", rewards.DefaultStorageTimeout), "Per-call storage timeout")
	flag.DurationVar(&cfg.tierCheckInterval, "tier-check-interval", envDuration("REWARDS_TIER_CHECK_INTERVAL", time.Hour), "Tier check interval (0 disables)")
	flag.StringVar(&cfg.logLevel, "log-level", envString("REWARDS_LOG_LEVEL", "info"), "Log level")
	flag.StringVar(&cfg.logFormat, "log-format", envString("REWARDS_LOG_FORMAT", "text"), "Log format: text or json")
	flag.BoolVar(&cfg.scenarios, "scenarios", envBool("REWARDS_SCENARIOS", false), "Mount demo scenario routes")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()

	logger, err := newLogger(os.Stderr, cfg.logLevel, cfg.logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	// Rules
	rules := rewards.DefaultRules()
	if cfg.rulesPath != "" {
		var err error
		if rules, err = factory.LoadRulesFile(cfg.rulesPath); err != nil {
			return err
		}
		logger.Info("rules loaded", "path", cfg.rulesPath)
	}

	// Store
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Locker
	var locker rewards.Locker
	if cfg.redisAddr != "" {
		rcfg := redislock.DefaultConfig()
		rcfg.Addr = cfg.redisAddr
		rl, err := redislock.New(rcfg)
		if err != nil {
			return err
		}
		defer rl.Close()
		locker = rl
		logger.Info("using redis locker", "addr", cfg.redisAddr)
	}

	engine, err := rewards.New(rewards.Config{
		Store:          store,
		Rules:          rules,
		Locker:         locker,
		Logger:         logger,
		StorageTimeout: cfg.storageTimeout,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	scheduler := api.NewTierCheckScheduler(engine, logger)
	scheduler.CheckInterval = cfg.tierCheckInterval
	scheduler.Enabled = cfg.tierCheckInterval > 0

	handler := api.NewHandler(engine, logger)
	handler.ScenariosEnabled = cfg.scenarios
	handler.Scheduler = scheduler
	router := api.NewRouter(handler)

	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "store", cfg.storeKind, "scenarios", cfg.scenarios)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config) (rewards.Store, func(), error) {
	switch cfg.storeKind {
	case "memory":
		return memstore.NewMemory(), func() {}, nil
	case "sqlite":
		st, err := sqlite.New(cfg.dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q (want sqlite or memory)", cfg.storeKind)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid -log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid -log-format %q", format)
}

// =============================================================================
// ENV FALLBACKS
// =============================================================================

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
