package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/toolgate/internal/access"
	"github.com/jkaninda/toolgate/internal/audit"
	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/notification"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/pathguard"
	"github.com/jkaninda/toolgate/internal/pipeline"
	"github.com/jkaninda/toolgate/internal/ratelimit"
	"github.com/jkaninda/toolgate/internal/sandbox"
	"github.com/jkaninda/toolgate/internal/secrets"
	"github.com/jkaninda/toolgate/internal/storage"
	pgstore "github.com/jkaninda/toolgate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/toolgate/internal/storage/sqlite"
	"github.com/jkaninda/toolgate/internal/tools"
	"github.com/jkaninda/toolgate/internal/tools/listdir"
)

// LevelTrace is below slog.LevelDebug and enabled by -vvv.
const LevelTrace = slog.Level(-8)

// SharedComponents holds everything a mediating command needs. Built once
// by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Store    storage.Store // nil when audit.store is off.
	Audit    *audit.Logger
	Anomaly  *observability.AnomalyDetector // nil when anomaly detection is off.
	Limiter  *ratelimit.ResourceLimiter
	Pipeline *pipeline.Pipeline

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

// readConfig reads the configuration named by --config or TOOLGATE_CONFIG,
// falling back to discovery. Secret references are left unresolved.
func readConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = goutils.Env("TOOLGATE_CONFIG", "")
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, withCode(ExitNoInput, err)
		}
		return nil, withCode(ExitConfig, err)
	}
	return cfg, nil
}

// loadConfig is readConfig with secret references resolved.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	provider, err := secrets.NewDefault()
	if err != nil {
		return nil, withCode(ExitConfig, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cfg.ResolveSecrets(ctx, provider); err != nil {
		return nil, withCode(ExitConfig, err)
	}
	return cfg, nil
}

// newLogger builds the process logger. The command line wins over
// logging.level, which wins over fallback.
func newLogger(lc config.LoggingConfig, fallback slog.Level) *slog.Logger {
	level := fallback
	if lc.Level != "" {
		level = parseLevel(lc.Level, fallback)
	}
	switch {
	case quiet:
		level = slog.LevelError
	case verbosity >= 3:
		level = LevelTrace
	case verbosity == 2:
		level = slog.LevelDebug
	case verbosity == 1:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l < slog.LevelDebug {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	if strings.EqualFold(lc.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

// initShared builds the mediation pipeline and everything it reports to.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, withCode(ExitIOErr, fmt.Errorf("creating data directory %s: %w", dataDir, err))
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, version, logger)
	if err != nil {
		return nil, withCode(ExitConfig, fmt.Errorf("initializing observability: %w", err))
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing traces", slog.String("error", err.Error()))
		}
	})
	metrics := obs.MetricsOrNil()
	tracer := obs.TracerOrNil()

	sc.Anomaly = observability.NewAnomalyDetector(cfg.Security.Anomaly, logger,
		observability.WithAnomalyMetrics(metrics),
	)
	logger.Debug("observability initialized",
		slog.Bool("metrics", metrics != nil),
		slog.Bool("tracing", tracer != nil),
		slog.Bool("anomaly", sc.Anomaly != nil),
	)

	// Storage.
	if cfg.Audit.Enabled && cfg.Audit.Store {
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, err
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if h := obs.HealthOrNil(); h != nil {
			h.AddCheck("storage", store.Ping)
		}
	}

	// Audit. Registered after the store so it is closed, and flushed, first.
	auditLogger, err := sc.buildAudit(ctx)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Audit = auditLogger
	sc.addCleanup(func() {
		if err := auditLogger.Close(); err != nil {
			logger.Error("closing audit sinks", slog.String("error", err.Error()))
		}
	})

	// Tools and policy.
	reg := tools.NewRegistry()
	reg.Register(observability.NewInstrumentedTool(listdir.New(logger), tracer, sc.Anomaly), toolLimits(cfg))

	validator := pathguard.New(pathguard.Policy{
		WorkspaceRoot: cfg.Workspace,
		AllowedPaths:  cfg.AllowedPaths,
		BlockedPaths:  cfg.BlockedPaths,
		MaxPathLength: cfg.MaxPathLength,
		AllowSymlinks: cfg.AllowSymlinks,
	})
	ac := access.New(access.Config{
		MaxDepth:       cfg.MaxDepth,
		SensitivePaths: cfg.Security.SensitivePaths,
	})

	acquireTimeout := cfg.Limits.AcquireTimeoutDuration()
	sc.Limiter = ratelimit.NewResourceLimiter(
		ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RequestsPerMinute,
			BurstSize:         cfg.BurstCapacity,
		}),
		ratelimit.Limits{MaxConcurrent: cfg.Limits.MaxConcurrent, AcquireTimeout: acquireTimeout},
	)

	enforcer := newEnforcer(cfg)
	for _, r := range reg.All() {
		enforcer.Register(r.Tool.Name(), r.Tool.SandboxProfile())
		sc.Limiter.Register(r.Tool.Name(), ratelimit.Limits{
			MaxConcurrent:  r.Limits.MaxConcurrent,
			AcquireTimeout: acquireTimeout,
		})
	}

	var supervisor *sandbox.Supervisor
	if cfg.EnableProcessIsolation {
		supervisor, err = newSupervisor(cfg, obs, sc.Anomaly, logger)
		if err != nil {
			sc.Cleanup()
			return nil, err
		}
	}

	p, err := pipeline.New(pipeline.Deps{
		Registry:   reg,
		Validator:  validator,
		Access:     ac,
		Limiter:    sc.Limiter,
		Sandbox:    enforcer,
		Supervisor: supervisor,
		Audit:      auditLogger,
		Anomaly:    sc.Anomaly,
		Metrics:    metrics,
		Tracer:     tracer.Tracer(),
		Logger:     logger,
	})
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Pipeline = p

	logger.Debug("pipeline initialized",
		slog.String("workspace", cfg.Workspace),
		slog.Any("tools", reg.List()),
		slog.Bool("process_isolation", cfg.EnableProcessIsolation),
		slog.Any("audit_sinks", auditLogger.Sinks()),
	)
	return sc, nil
}

// buildAudit wires every configured audit sink. The log sink is always
// present so a deployment without persistent sinks still leaves a trail.
func (sc *SharedComponents) buildAudit(ctx context.Context) (*audit.Logger, error) {
	cfg, logger := sc.Config, sc.Logger
	metrics := sc.Obs.MetricsOrNil()

	opts := []audit.Option{
		audit.WithObserver(metrics.AuditObserver()),
		audit.WithSinkErrorHook(metrics.SinkErrorHook()),
	}
	sinks := []audit.Sink{audit.NewLogSink(logger)}
	if !cfg.Audit.Enabled {
		return audit.NewLogger(logger, sinks, opts...), nil
	}

	// Closed by the logger if anything below fails.
	var opened []audit.Sink
	fail := func(err error) (*audit.Logger, error) {
		_ = audit.NewLogger(logger, opened).Close()
		return nil, err
	}

	jsonl, err := audit.OpenJSONL(cfg.AuditLogPath())
	if err != nil {
		return fail(withCode(ExitIOErr, fmt.Errorf("opening audit log: %w", err)))
	}
	opened = append(opened, jsonl)

	batchErr := func(sink string) func(error) {
		hook := metrics.SinkErrorHook()
		return func(err error) {
			logger.Error("audit batch write failed", slog.String("sink", sink), slog.String("error", err.Error()))
			hook(sink, err)
		}
	}

	if sc.Store != nil {
		opened = append(opened, audit.NewBatchSink(sc.Store.Driver(), sc.Store.Audit(),
			audit.BatchConfig{OnError: batchErr(sc.Store.Driver())}, logger))
	}

	if ch := cfg.Audit.ClickHouse; ch != nil && ch.DSN != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		w, err := audit.OpenClickHouse(connectCtx, ch.DSN, ch.Table, cfg.Audit.RetentionDays)
		cancel()
		if err != nil {
			return fail(withCode(ExitUnavailable, fmt.Errorf("connecting to clickhouse: %w", err)))
		}
		opened = append(opened, audit.NewBatchSink("clickhouse", w,
			audit.BatchConfig{OnError: batchErr("clickhouse")}, logger))
	}

	if n := cfg.Audit.NATS; n != nil && n.URL != "" {
		ns, err := audit.ConnectNATS(audit.NATSConfig{URL: n.URL, Subject: n.Subject, Token: n.Token}, logger)
		if err != nil {
			return fail(withCode(ExitUnavailable, fmt.Errorf("connecting to nats: %w", err)))
		}
		opened = append(opened, ns)
	}

	if cfg.Audit.AlertWebhook != "" {
		var wopts []notification.WebhookOption
		if cfg.Audit.AlertAllowPrivate {
			wopts = append(wopts, notification.AllowPrivateHosts())
		}
		alerter, err := notification.NewWebhookAlerter(cfg.Audit.AlertWebhook, logger, wopts...)
		if err != nil {
			return fail(withCode(ExitConfig, fmt.Errorf("configuring alert webhook: %w", err)))
		}
		opts = append(opts,
			audit.WithAlerter(alerter, cfg.Audit.AlertTimeoutDuration()),
			audit.WithAlertCooldown(cfg.Audit.AlertCooldownDuration()),
		)
	}

	return audit.NewLogger(logger, append(sinks, opened...), opts...), nil
}

// openStore opens and migrates the configured SQL store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		store, err = pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, withCode(ExitUnavailable, fmt.Errorf("connecting to postgres: %w", err))
		}
	default:
		var journal string
		if cfg.Storage != nil {
			journal = cfg.Storage.SQLite.JournalMode
		}
		store, err = sqlitestore.Open(sqlitestore.Config{Path: cfg.DatabasePath(), JournalMode: journal}, logger)
		if err != nil {
			return nil, withCode(ExitIOErr, fmt.Errorf("opening sqlite store: %w", err))
		}
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, withCode(ExitUnavailable, fmt.Errorf("running migrations: %w", err))
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	return store, nil
}

// toolLimits are the configured per-execution limits applied to every tool.
func toolLimits(cfg *config.Config) tools.Limits {
	return tools.Limits{
		MaxExecutionTime: cfg.ExecutionTimeout(),
		MaxMemoryMB:      cfg.MaxMemoryMB,
		MaxEntries:       cfg.MaxEntries,
		MaxDepth:         cfg.MaxDepth,
		MaxFSOperations:  cfg.Limits.MaxFSOperations,
		MaxConcurrent:    cfg.Limits.MaxConcurrent,
	}
}

func newEnforcer(cfg *config.Config) *sandbox.Enforcer {
	return sandbox.NewEnforcer(sandbox.Settings{
		EnableProcessIsolation: cfg.EnableProcessIsolation,
		Backend:                cfg.Sandbox.Backend,
		BlockNetwork:           cfg.BlockNetwork,
		NetworkAllow:           cfg.Sandbox.NetworkAllow,
		EnableSeccomp:          cfg.EnableSeccomp,
		SyscallAllow:           cfg.Sandbox.SyscallAllow,
		SyscallDeny:            cfg.Sandbox.SyscallDeny,
		AllowedPaths:           cfg.AllowedPaths,
		BlockedPaths:           cfg.BlockedPaths,
		MaxMemoryMB:            cfg.MaxMemoryMB,
		MaxExecutionTime:       cfg.ExecutionTimeout(),
	})
}

// newSupervisor starts isolated children as "<this binary> isolate <tool>".
// Inside a container the binary is looked up on PATH.
func newSupervisor(cfg *config.Config, obs *observability.Observability, anomaly *observability.AnomalyDetector, logger *slog.Logger) (*sandbox.Supervisor, error) {
	var (
		backend sandbox.Sandbox
		command []string
	)
	switch cfg.Sandbox.Backend {
	case sandbox.BackendDocker:
		d := cfg.Sandbox.Docker
		backend = sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          d.Image,
			DefaultTimeout: cfg.ExecutionTimeout(),
			MemoryMB:       cfg.MaxMemoryMB,
			CPUCores:       d.CPUCores,
			PIDsLimit:      d.PIDsLimit,
		}, logger)
		command = []string{"toolgate", "isolate"}
	default:
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating toolgate binary: %w", err)
		}
		backend = sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout:   cfg.ExecutionTimeout(),
			DefaultLimits:    sandbox.ResourceLimits{MaxMemoryMB: cfg.MaxMemoryMB},
			NetworkNamespace: cfg.Sandbox.NetworkNamespace,
		}, logger)
		command = []string{exe, "isolate"}
	}

	backend = observability.NewInstrumentedSandbox(backend, cfg.Sandbox.Backend,
		obs.MetricsOrNil(), obs.TracerOrNil(), anomaly)
	logger.Debug("process isolation enabled",
		slog.String("backend", cfg.Sandbox.Backend),
		slog.Bool("seccomp", cfg.EnableSeccomp),
	)
	return sandbox.NewSupervisor(backend, command, logger), nil
}
