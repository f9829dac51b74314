package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/policyd/policyd/internal/adapter/inbound/listener"
	"github.com/policyd/policyd/internal/adapter/outbound/cel"
	"github.com/policyd/policyd/internal/adapter/outbound/pluginhost"
	"github.com/policyd/policyd/internal/adapter/outbound/storage"
	"github.com/policyd/policyd/internal/config"
	"github.com/policyd/policyd/internal/domain/plugin"
	"github.com/policyd/policyd/internal/domain/policy"
	"github.com/policyd/policyd/internal/service"
	"github.com/policyd/policyd/internal/telemetry"
)

var serveDevMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the policyd daemon",
	Long: `Run the policyd daemon: load the policy database, register plugins,
and accept connections on the client, admin, agent and monitor-get
sockets until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDevMode, "dev", false, "Enable development mode (verbose logging)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveDevMode {
		cfg.DevMode = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Log.Level)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("policyd stopped")
	return nil
}

// run wires every component together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rootDefault, err := parseRootDefault(cfg.Storage.RootDefault)
	if err != nil {
		return err
	}

	registry := plugin.NewRegistry(logger)

	celPlugin, err := cel.New()
	if err != nil {
		return fmt.Errorf("build bundled cel plugin: %w", err)
	}
	registry.Register(celPlugin)

	if cfg.Plugins.Dir != "" {
		host := pluginhost.New(cfg.Plugins.Dir, logger)
		if err := host.LoadAll(registry); err != nil {
			return fmt.Errorf("load dynamic plugins: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(reg)

	store, err := storage.NewFileStore(filepath.Join(cfg.Storage.Dir, "db"), logger,
		metrics.StorageSaveTotal, metrics.StorageLoadFailures)
	if err != nil {
		return fmt.Errorf("open database directory: %w", err)
	}
	db, err := store.Load(rootDefault, registry)
	if err != nil {
		return fmt.Errorf("load policy database: %w", err)
	}
	if err := store.Save(db); err != nil {
		return fmt.Errorf("save initial database: %w", err)
	}

	shutdownTracer, err := telemetry.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.Stdout, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	flushInterval, err := time.ParseDuration(cfg.Monitor.FlushInterval)
	if err != nil {
		flushInterval = 120 * time.Second
		logger.Warn("invalid monitor.flush_interval, using default", "value", cfg.Monitor.FlushInterval, "default", flushInterval)
	}
	monitorSvc := service.NewMonitorService(logger, cfg.Monitor.ChannelSize,
		service.WithMetrics(metrics),
		service.WithSizeLimit(cfg.Monitor.FlushSize),
		service.WithAgeLimit(flushInterval),
	)
	monitorSvc.Start()

	audit := service.ParseAuditLevel(cfg.Audit.Level)
	dispatcher := service.NewDispatcher(db, registry, monitorSvc, metrics, audit, logger)

	srv := listener.NewServer(listener.SocketPaths{
		Client:     cfg.Sockets.Client,
		Admin:      cfg.Sockets.Admin,
		Agent:      cfg.Sockets.Agent,
		MonitorGet: cfg.Sockets.MonitorGet,
		Mode:       cfg.Sockets.Mode,
	}, dispatcher, nil, logger, cfg.Cache.Capacity)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		// pkg/wire's codec counters self-register against the default
		// registerer at package init (they're package-level vars with no
		// access to this registry); gather both so they still surface here.
		gatherers := prometheus.Gatherers{reg, prometheus.DefaultGatherer}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	}

	printBanner(Version, cfg, len(db.BucketIDs()), len(registry.Descriptions()))

	errCh := make(chan error, 3)

	go func() {
		errCh <- dispatcher.Run(ctx)
	}()
	go func() {
		errCh <- srv.Serve(ctx)
	}()
	if metricsServer != nil {
		go func() {
			logger.Info("metrics listener starting", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics listener: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	monitorSvc.Stop()

	if err := store.Save(db); err != nil {
		logger.Error("final database save failed", "error", err)
	}

	return runErr
}

// parseRootDefault turns cfg.Storage.RootDefault ("ALLOW" or "DENY",
// validated by config.Validate) into the policy.Result handed to a fresh
// database's root bucket.
func parseRootDefault(s string) (policy.Result, error) {
	switch s {
	case "ALLOW":
		return policy.Result{Type: policy.Allow}, nil
	case "DENY":
		return policy.Result{Type: policy.Deny}, nil
	default:
		return policy.Result{}, fmt.Errorf("invalid storage.root_default %q (must be ALLOW or DENY)", s)
	}
}

// parseLogLevel converts a string log level to slog.Level, matching the
// set config.LogConfig.Level validates against. Unrecognized values fall
// back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// printBanner prints a short startup summary to stderr.
func printBanner(version string, cfg *config.Config, bucketCount, pluginTypeCount int) {
	const (
		reset = "\033[0m"
		bold  = "\033[1m"
		cyan  = "\033[36m"
		dim   = "\033[2m"
	)

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%spolicyd %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Client:", cfg.Sockets.Client)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Admin:", cfg.Sockets.Admin)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Agent:", cfg.Sockets.Agent)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Monitor:", cfg.Sockets.MonitorGet)
	fmt.Fprintf(os.Stderr, "  %-12s %d\n", "Buckets:", bucketCount)
	fmt.Fprintf(os.Stderr, "  %-12s %d\n", "Plugin types:", pluginTypeCount)
	fmt.Fprintf(os.Stderr, "  %-12s %v\n", "Dev mode:", cfg.DevMode)
	fmt.Fprintf(os.Stderr, "  %s────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
