package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gopkg.in/yaml.v3"

	"github.com/arkeep-io/orchestrator/internal/agentconn"
	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/arkeep-io/orchestrator/internal/dispatcher"
	"github.com/arkeep-io/orchestrator/internal/eventbus"
	"github.com/arkeep-io/orchestrator/internal/logstream"
	"github.com/arkeep-io/orchestrator/internal/mount"
	"github.com/arkeep-io/orchestrator/internal/mutexregistry"
	"github.com/arkeep-io/orchestrator/internal/reconciler"
	"github.com/arkeep-io/orchestrator/internal/repository"
	"github.com/arkeep-io/orchestrator/internal/scheduler"
	"github.com/arkeep-io/orchestrator/internal/secretsbox"
	"github.com/arkeep-io/orchestrator/internal/session"
	"github.com/arkeep-io/orchestrator/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownDrainTimeout is SHUTDOWN_TIMEOUT (§5 step 2, §8 property 8): how
// long graceful shutdown waits for pending commands to drain before force-
// failing whatever remains.
const shutdownDrainTimeout = 30 * time.Second

// config holds every flag/env/file-driven setting the orchestrator needs at
// startup. YAML-file values are applied first; flags (and their ARKEEP_*
// env fallbacks) override them.
type config struct {
	agentAddr  string
	opsAddr    string
	dbDriver   string
	dbDSN      string
	secretKey  string
	logLevel   string
	configFile string
}

// fileConfig is the optional on-disk shape loaded from configFile.
type fileConfig struct {
	AgentAddr string `yaml:"agent_addr"`
	OpsAddr   string `yaml:"ops_addr"`
	DBDriver  string `yaml:"db_driver"`
	DBDSN     string `yaml:"db_dsn"`
	SecretKey string `yaml:"secret_key"`
	LogLevel  string `yaml:"log_level"`
}

func main() {
	if err := loadConfigFileIntoEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfigFileIntoEnv applies an optional YAML config file's values as
// ARKEEP_* environment variables, but only for variables not already set —
// so an explicit flag or env var always takes precedence over the file.
// This runs before newRootCmd so envOrDefault picks up the file's values as
// flag defaults.
func loadConfigFileIntoEnv() error {
	path := os.Getenv("ARKEEP_CONFIG_FILE")
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			path = os.Args[i+1]
		} else if strings.HasPrefix(arg, "--config=") {
			path = strings.TrimPrefix(arg, "--config=")
		}
	}
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setEnvIfUnset("ARKEEP_AGENT_ADDR", fc.AgentAddr)
	setEnvIfUnset("ARKEEP_OPS_ADDR", fc.OpsAddr)
	setEnvIfUnset("ARKEEP_DB_DRIVER", fc.DBDriver)
	setEnvIfUnset("ARKEEP_DB_DSN", fc.DBDSN)
	setEnvIfUnset("ARKEEP_SECRET_KEY", fc.SecretKey)
	setEnvIfUnset("ARKEEP_LOG_LEVEL", fc.LogLevel)
	return nil
}

func setEnvIfUnset(key, value string) {
	if value == "" {
		return
	}
	if _, set := os.LookupEnv(key); !set {
		_ = os.Setenv(key, value)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Orchestrator — central agent coordination core",
		Long: `Orchestrator is the central core of the multi-server application
orchestrator. It accepts persistent agent connections, dispatches commands,
reconciles reported status, fans out events to the UI, and drives the
auto-mount workflow.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configFile, "config", envOrDefault("ARKEEP_CONFIG_FILE", ""), "Optional YAML config file, overridden by flags/env")
	root.PersistentFlags().StringVar(&cfg.agentAddr, "agent-addr", envOrDefault("ARKEEP_AGENT_ADDR", ":9090"), "Agent websocket listen address")
	root.PersistentFlags().StringVar(&cfg.opsAddr, "ops-addr", envOrDefault("ARKEEP_OPS_ADDR", ":8081"), "Ops/UI HTTP listen address (healthz, readyz, metrics, events)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("ARKEEP_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("ARKEEP_DB_DSN", "./orchestrator.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("ARKEEP_SECRET_KEY", ""), "Master key for encrypting mount credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ARKEEP_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or ARKEEP_SECRET_KEY")
	}

	logger.Info("starting orchestrator",
		zap.String("version", version),
		zap.String("agent_addr", cfg.agentAddr),
		zap.String("ops_addr", cfg.opsAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Secrets box ---
	keyBytes := make([]byte, secretsbox.KeySize)
	copy(keyBytes, []byte(cfg.secretKey))
	box, err := secretsbox.New(keyBytes)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets box: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	servers := repository.NewServerRepository(gormDB)
	agentTokens := repository.NewAgentTokenRepository(gormDB)
	deployments := repository.NewDeploymentRepository(gormDB)
	routes := repository.NewProxyRouteRepository(gormDB)
	commandLog := repository.NewCommandLogRepository(gormDB)
	mounts := repository.NewMountRepository(gormDB)
	mountCredentials := repository.NewMountCredentialsRepository(gormDB)
	manifests := repository.NewAppManifestRepository(gormDB)

	// --- 4. Metrics ---
	reg := prometheus.NewRegistry()
	serverLockGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_server_lock_count",
		Help: "Number of live server-keyed mutex entries.",
	})
	deploymentLockGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_deployment_lock_count",
		Help: "Number of live deployment-keyed mutex entries.",
	})
	pendingCommandGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_pending_commands",
		Help: "Number of commands awaiting a terminal result.",
	})
	commandResultCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_command_results_total",
		Help: "Total terminal command outcomes, labelled by action and status.",
	}, []string{"action", "status"})
	reg.MustRegister(serverLockGauge, deploymentLockGauge, pendingCommandGauge, commandResultCounter)

	// --- 5. Core components (C2-C11) ---
	locks := mutexregistry.NewLocks(serverLockGauge, deploymentLockGauge)
	bus := eventbus.NewHub()
	go bus.Run(ctx)

	registry := agentconn.NewRegistry()
	authenticator := agentconn.NewAuthenticator(servers, agentTokens)

	disp := dispatcher.New(registry, locks, commandLog, deployments, bus, pendingCommandGauge, commandResultCounter, logger)
	logs := logstream.New(deployments, manifests, registry, bus, logger)
	rec := reconciler.New(servers, deployments, routes, locks, nil, bus, logger)
	mountOrch := mount.New(mounts, mountCredentials, box, disp, logger)

	sessionMgr := session.New(registry, authenticator, locks, servers, disp, logs, rec, mountOrch, bus, logger)

	// --- 6. Maintenance scheduler ---
	sched, err := scheduler.New(scheduler.SweepInterval, sessionMgr.SweepStale, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 7. Agent transport listener ---
	agentListener := transport.NewListener(sessionMgr, logger)
	agentSrv := &http.Server{
		Addr:         cfg.agentAddr,
		Handler:      agentListener,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- 8. Ops HTTP mux ---
	opsSrv := &http.Server{
		Addr:         cfg.opsAddr,
		Handler:      newOpsRouter(gormDB, locks, bus, reg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Run both listeners as a group: either one's fatal exit cancels ctx,
	// which unblocks the <-ctx.Done() below and starts the shutdown sequence.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("agent listener starting", zap.String("addr", cfg.agentAddr))
		if err := agentSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("agent listener: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("ops listener starting", zap.String("addr", cfg.opsAddr))
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ops listener: %w", err)
		}
		return nil
	})
	go func() {
		<-groupCtx.Done()
		cancel()
	}()

	<-ctx.Done()
	logger.Info("shutting down orchestrator")

	// §5 Graceful shutdown: advise agents, drain in-flight commands for up to
	// shutdownDrainTimeout (§8 SHUTDOWN_TIMEOUT), then force-fail whatever
	// remains and close every transport. The listener Shutdown calls get
	// their own, shorter budget — draining is already done by this point, so
	// they're only waiting out each http.Server's own in-flight requests.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer drainCancel()

	sessionMgr.BroadcastShutdown(drainCtx)
	drainCommands(drainCtx, disp, logger)
	disp.FailAllShuttingDown()
	sessionMgr.CloseAll()

	listenerCtx, listenerCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer listenerCancel()

	if err := agentSrv.Shutdown(listenerCtx); err != nil {
		logger.Warn("agent listener graceful shutdown error", zap.Error(err))
	}
	if err := opsSrv.Shutdown(listenerCtx); err != nil {
		logger.Warn("ops listener graceful shutdown error", zap.Error(err))
	}

	// Shutdown makes both ListenAndServe calls return, so this returns
	// promptly and surfaces whichever listener failed fatally, if any.
	if err := group.Wait(); err != nil {
		logger.Error("listener group reported a fatal error", zap.Error(err))
	}

	logger.Info("orchestrator stopped")
	return nil
}

// drainCommands waits for the dispatcher's pending count to reach zero or
// ctx to expire, whichever comes first (§5 Graceful shutdown step 2).
func drainCommands(ctx context.Context, disp *dispatcher.Dispatcher, logger *zap.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if disp.PendingCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			logger.Warn("shutdown drain deadline reached with commands still pending", zap.Int("pending", disp.PendingCount()))
			return
		case <-ticker.C:
		}
	}
}

// newOpsRouter builds the small ops mux: health/readiness probes, metrics,
// and the UI event-bus websocket endpoint. The full REST API is out of
// scope here (§6 Non-goals).
func newOpsRouter(gormDB *gorm.DB, locks *mutexregistry.Locks, bus *eventbus.Hub, reg *prometheus.Registry, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context(), gormDB); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"error":%q}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"serverLocks":%d,"deploymentLocks":%d}`, locks.ServerLockCount(), locks.DeploymentLockCount())
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		serverIDs := parseIDList(r, "servers")
		deploymentIDs := parseIDList(r, "deployments")
		client, err := eventbus.NewClient(bus, w, r, serverIDs, deploymentIDs, logger)
		if err != nil {
			logger.Warn("events: websocket upgrade failed", zap.Error(err))
			return
		}
		client.Run()
	})

	return r
}

// parseIDList reads the comma-separated query parameter param, e.g.
// ?servers=<id>,<id>&deployments=<id> the UI uses to subscribe to the
// specific servers and deployments it's displaying.
func parseIDList(r *http.Request, param string) []string {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
