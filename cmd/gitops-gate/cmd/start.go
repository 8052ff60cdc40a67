package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitops-gate/gitopsgate/internal/adapter/inbound/http"
	"github.com/gitops-gate/gitopsgate/internal/adapter/outbound/auditfile"
	"github.com/gitops-gate/gitopsgate/internal/adapter/outbound/memory"
	"github.com/gitops-gate/gitopsgate/internal/adapter/outbound/sqlite"
	"github.com/gitops-gate/gitopsgate/internal/config"
	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/auth"
	"github.com/gitops-gate/gitopsgate/internal/domain/ratelimit"
	"github.com/gitops-gate/gitopsgate/internal/service"
	"github.com/gitops-gate/gitopsgate/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the check API server",
	Long: `Start the gitops-gate server.

The server loads the policy file, compiles it, and serves authorization
checks on the configured address. The policy reloads atomically on
SIGHUP or POST /v1/policy/reload; a failed reload keeps the previous
policy active.

Examples:
  # Start with config file settings
  gitops-gate start

  # Start with a specific config file
  gitops-gate --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, no auth required)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration without validation so CLI flags can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Logger to stderr: stdout is reserved for the audit stream when the
	// sink is stdout.
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("gitops-gate stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing("gitops-gate", Version)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Policy pipeline: compiler -> store -> loader.
	compiler, err := service.NewPolicyCompiler(logger, service.WithStrictRoles(cfg.Policy.Strict))
	if err != nil {
		return fmt.Errorf("create policy compiler: %w", err)
	}
	store := service.NewPolicyStore(logger)
	loader := service.NewPolicyLoader(compiler, store, logger)

	// The initial load must succeed: a gate with no policy denies
	// everything, which is never what a fresh deployment wants.
	if _, err := loader.LoadFile(cfg.Policy.Path); err != nil {
		return fmt.Errorf("load policy %s: %w", cfg.Policy.Path, err)
	}

	// Audit: in-process log is the source of truth, sink shipping is
	// best-effort.
	auditLog := memory.NewAuditLog(cfg.Audit.MaxRecords)
	defer auditLog.Close()

	sink, err := createSink(cfg, logger)
	if err != nil {
		return fmt.Errorf("create audit sink: %w", err)
	}
	defer func() { _ = sink.Close() }()

	forwarder := service.NewForwarder(sink, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.FlushIntervalDuration()),
		service.WithSendTimeout(cfg.SendTimeoutDuration()),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	forwarder.Start(ctx)
	defer forwarder.Stop()

	authorizer := service.NewAuthorizer(store, auditLog, compiler, logger,
		service.WithForwarder(forwarder),
	)

	// API keys. DevMode without keys runs unauthenticated.
	var keyring *auth.Keyring
	if len(cfg.Auth.APIKeys) > 0 {
		entries := make([]auth.KeyEntry, len(cfg.Auth.APIKeys))
		for i, k := range cfg.Auth.APIKeys {
			entries[i] = auth.KeyEntry{Hash: k.KeyHash, Name: k.Name}
		}
		keyring = auth.NewKeyring(entries)
	} else if !cfg.DevMode {
		logger.Warn("no API keys configured, check API is unauthenticated")
	}

	// Rate limiting.
	var rateLimiter *memory.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = memory.NewRateLimiterWithConfig(cfg.CleanupIntervalDuration(), cfg.MaxTTLDuration())
		rateLimiter.StartCleanup(ctx)
		defer rateLimiter.Stop()
	}

	// SIGHUP reloads the policy file without dropping requests.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				gen, err := loader.Reload(cfg.Policy.Path)
				if err != nil {
					continue
				}
				logger.Info("policy reloaded on SIGHUP", "generation", gen)
			}
		}
	}()

	healthChecker := http.NewHealthChecker(store, auditLog, forwarder, rateLimiter, Version)

	serverOpts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithForwarder(forwarder),
	}
	if keyring != nil {
		serverOpts = append(serverOpts, http.WithKeyring(keyring))
	}
	if rateLimiter != nil {
		serverOpts = append(serverOpts, http.WithRateLimit(rateLimiter, ratelimit.Limit{
			Rate:   cfg.RateLimit.RequestsPerMinute,
			Period: time.Minute,
			Burst:  cfg.RateLimit.Burst,
		}))
	}

	server := http.NewServer(authorizer, store, loader, auditLog, cfg.Policy.Path, serverOpts...)

	logger.Info("gitops-gate starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"policy", cfg.Policy.Path,
		"generation", store.Generation(),
		"audit_sink", cfg.Audit.Sink,
		"rate_limit", cfg.RateLimit.Enabled,
	)

	return server.Start(ctx)
}

// createSink creates the audit shipping sink from the config URI.
func createSink(cfg *config.Config, logger *slog.Logger) (audit.Sink, error) {
	switch {
	case cfg.Audit.Sink == "stdout":
		logger.Debug("audit sink: stdout")
		return memory.NewStdoutSink(), nil

	case strings.HasPrefix(cfg.Audit.Sink, "file://"):
		dir := strings.TrimPrefix(cfg.Audit.Sink, "file://")
		logger.Debug("audit sink: file", "dir", dir)
		return auditfile.NewSink(auditfile.Config{
			Dir:           dir,
			RetentionDays: cfg.Audit.RetentionDays,
			MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
		}, logger)

	case strings.HasPrefix(cfg.Audit.Sink, "sqlite://"):
		path := strings.TrimPrefix(cfg.Audit.Sink, "sqlite://")
		logger.Debug("audit sink: sqlite", "path", path)
		return sqlite.NewSink(path, logger)

	default:
		return nil, fmt.Errorf("invalid audit sink: %s (must be 'stdout', 'file://dir' or 'sqlite://path')", cfg.Audit.Sink)
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
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
