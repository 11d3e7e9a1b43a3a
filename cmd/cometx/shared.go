package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/cometx/internal/config"
	"github.com/jkaninda/cometx/internal/execution"
	"github.com/jkaninda/cometx/internal/history"
	"github.com/jkaninda/cometx/internal/observability"
	"github.com/jkaninda/cometx/internal/sandbox"
	"github.com/jkaninda/cometx/internal/storage"
	pgstore "github.com/jkaninda/cometx/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/cometx/internal/storage/sqlite"
	"github.com/jkaninda/cometx/internal/tools"
	"github.com/jkaninda/cometx/internal/tools/code"
)

// Worker environment variables. The parent passes sandbox settings to a
// process worker through these since the worker has no config file.
const (
	envMaxCallStack = "COMETX_MAX_CALL_STACK_SIZE"
	envMaxLogBytes  = "COMETX_MAX_LOG_BYTES"
	envCollision    = "COMETX_CONTEXT_COLLISION"
	envLogLevel     = "COMETX_LOG_LEVEL"
)

// SharedComponents holds the subsystems every command needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Store      storage.ExecutionStore // nil = history disabled.
	Controller *execution.Controller
	Executor   execution.Executor // Controller wrapped with metrics and history.
	ToolReg    *tools.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file, falling back to defaults when it does not exist.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("COMETX_CONFIG", configPath))
}

// newLogger builds the root logger. Logs go to w so stdout stays free for
// program output and the MCP and worker protocols.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initShared builds observability, storage, the execution controller, the
// executor chain and the tool registry. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (optional: nil config disables history).
	if cfg.Storage != nil {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Execution controller.
	factory, err := newFactory(cfg.Sandbox, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	metrics := obs.MetricsOrNil()
	kind := factory.Kind()
	ctrl := execution.NewController(factory, execution.Config{
		Timeout:         cfg.Sandbox.Timeout(),
		RetainOnTimeout: !cfg.Sandbox.Recycle(),
		OnRecycle: func(reason string) {
			metrics.RecordRecycle(kind, reason)
		},
	}, logger)
	if err := ctrl.Initialize(ctx); err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Controller = ctrl
	sc.addCleanup(func() {
		if err := ctrl.Terminate(); err != nil {
			logger.Error("terminating execution environment", slog.String("error", err.Error()))
		}
	})
	logger.Debug("execution controller initialized",
		slog.String("environment", kind),
		slog.Duration("timeout", ctrl.Timeout()),
		slog.Bool("recycle_on_timeout", cfg.Sandbox.Recycle()),
	)

	// Executor chain: controller -> metrics/tracing -> history.
	var exec execution.Executor = ctrl
	if obs != nil {
		exec = observability.NewInstrumentedExecutor(exec, kind, metrics, obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	if sc.Store != nil {
		exec = history.NewRecorder(exec, sc.Store, kind, logger)
	}
	sc.Executor = exec

	// Tools.
	sc.ToolReg = tools.NewRegistry()
	for _, t := range []tools.Tool{
		code.NewExecTool(exec, logger),
		code.NewMathTool(exec, logger),
	} {
		if metrics != nil {
			t = observability.NewInstrumentedTool(t, metrics, obs.TracerOrNil())
		}
		sc.ToolReg.Register(t)
	}

	// Readiness checks.
	health := obs.HealthOrNil()
	health.AddCheck("environment", func(_ context.Context) error {
		if !ctrl.IsReady() {
			return errors.New("execution environment not ready")
		}
		return nil
	})
	if sc.Store != nil && includeDBCheck(cfg) {
		store := sc.Store
		health.AddCheck("database", store.Ping)
	}

	return sc, nil
}

func includeDBCheck(cfg *config.Config) bool {
	o := cfg.Observability
	return o != nil && o.Health != nil && o.Health.IncludeDB
}

// initStore creates the history backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.ExecutionStore, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.ExecutionStore, error) {
	journalMode := "wal"
	if cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.ExecutionStore, error) {
	pg := cfg.Storage.Postgres
	if pg == nil || pg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or COMETX_DB_DSN)")
	}

	db, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return db, nil
}

// newFactory selects the isolation primitive.
func newFactory(cfg config.SandboxConfig, logger *slog.Logger) (sandbox.Factory, error) {
	switch cfg.Kind() {
	case "process":
		command, err := cfg.Process.WorkerCommand()
		if err != nil {
			return nil, err
		}
		return &sandbox.ProcessFactory{
			Config: sandbox.ProcessConfig{
				Command: command,
				Env:     workerEnv(cfg),
				Limits: sandbox.ResourceLimits{
					MaxCPUSeconds: cfg.Process.CPUSeconds(),
					MaxMemoryMB:   cfg.Process.MaxMemoryMB,
				},
			},
			Logger: logger,
		}, nil
	case "inprocess":
		return &sandbox.InProcessFactory{Config: sandboxConfig(cfg), Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q", cfg.Kind())
	}
}

func sandboxConfig(cfg config.SandboxConfig) sandbox.Config {
	return sandbox.Config{
		MaxCallStackSize: cfg.MaxCallStackSize,
		MaxLogBytes:      cfg.MaxLogBytes,
		Collision:        sandbox.CollisionPolicy(cfg.Collision()),
	}
}

// workerEnv carries the evaluator settings to a process worker.
func workerEnv(cfg config.SandboxConfig) map[string]string {
	env := map[string]string{
		envCollision: cfg.Collision(),
		envLogLevel:  goutils.Env(envLogLevel, "warn"),
	}
	if cfg.MaxCallStackSize > 0 {
		env[envMaxCallStack] = strconv.Itoa(cfg.MaxCallStackSize)
	}
	if cfg.MaxLogBytes > 0 {
		env[envMaxLogBytes] = strconv.Itoa(cfg.MaxLogBytes)
	}
	return env
}

// workerConfigFromEnv is the inverse of workerEnv.
func workerConfigFromEnv() (sandbox.Config, error) {
	cfg := sandbox.Config{
		Collision: sandbox.CollisionPolicy(goutils.Env(envCollision, string(sandbox.CollisionReject))),
	}
	for key, dst := range map[string]*int{
		envMaxCallStack: &cfg.MaxCallStackSize,
		envMaxLogBytes:  &cfg.MaxLogBytes,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("%s must be a non-negative integer", key)
		}
		*dst = n
	}
	return cfg, nil
}
