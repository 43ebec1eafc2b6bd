// Flowd is the workflow orchestration daemon.
//
// This binary starts the flowd HTTP server with full service initialization,
// including NATS specialist dispatch, the session engine, and audit publishing.
//
// Configuration is loaded from an optional YAML file plus environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start daemon with defaults
//	flowd
//
//	# Start with a config file
//	flowd -config ~/.config/flowd/config.yaml
//
//	# Configure via environment
//	FLOWD_SERVER_HTTP_PORT=9090 FLOWD_NATS_URL=nats://localhost:4222 flowd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/audit"
	"github.com/fyrsmithlabs/flowd/internal/config"
	"github.com/fyrsmithlabs/flowd/internal/engine"
	httpapi "github.com/fyrsmithlabs/flowd/internal/http"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/redact"
	"github.com/fyrsmithlabs/flowd/internal/registry"
	"github.com/fyrsmithlabs/flowd/internal/telemetry"
	"github.com/fyrsmithlabs/flowd/pkg/specialist"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (default: search ~/.config/flowd and /etc/flowd)")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  flowd           Start the flowd daemon\n")
			fmt.Fprintf(os.Stderr, "  flowd version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("flowd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the flowd daemon and blocks until the context is cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Connects to NATS and builds the specialist invoker
//  4. Builds the specialist registry and audit log
//  5. Creates the session engine
//  6. Starts the HTTP server
//  7. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	// Load configuration (file + environment, validated)
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize logger
	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "Starting flowd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	// Initialize telemetry (no-op providers when disabled)
	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(ctx, "Telemetry shutdown failed", zap.Error(err))
		}
	}()

	// Initialize infrastructure dependencies
	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info(ctx, "Dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn.IsConnected()),
		zap.Bool("redaction_enabled", deps.detector.Enabled()))

	// Create the session engine
	eng, err := initEngine(ctx, cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	// Create HTTP server. An empty host binds all interfaces.
	srv, err := httpapi.NewServer(eng, logger, &httpapi.Config{Port: cfg.Server.Port})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	// Start server (blocks until context cancellation or server failure)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown: stop intake first, then drain running sessions.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "HTTP server shutdown failed", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "Engine drain incomplete", zap.Error(err))
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	natsConn *nats.Conn
	invoker  *specialist.NATSInvoker
	detector *redact.Detector
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

// initLogger initializes the structured logger. Console format when
// telemetry is off, JSON for production deployments.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	if !cfg.Observability.EnableTelemetry {
		lcfg.Format = "console"
	}
	return logging.NewLogger(lcfg)
}

// initTelemetry builds the OpenTelemetry stack from the observability section.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	if cfg.Observability.Endpoint != "" {
		tcfg.Endpoint = cfg.Observability.Endpoint
	}
	if cfg.Observability.Protocol != "" {
		tcfg.Protocol = cfg.Observability.Protocol
	}
	tcfg.Insecure = cfg.Observability.Insecure
	return telemetry.New(ctx, tcfg)
}

// initDependencies initializes all infrastructure dependencies.
//
// This function:
//  1. Connects to NATS for specialist dispatch and audit publishing
//  2. Builds the NATS request/reply invoker
//  3. Builds the sensitivity detector
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	// Connect to NATS. RetryOnFailedConnect lets the daemon come up before
	// the broker does.
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
	}
	if cfg.NATS.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.NATS.Token.Value()))
	}

	nc, err := nats.Connect(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	logger.Info(ctx, "Connected to NATS", zap.String("url", cfg.NATS.URL))

	invoker, err := specialist.NewNATSInvoker(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create specialist invoker: %w", err)
	}

	detector, err := redact.New(cfg.Redact.Enabled, cfg.Redact.AllowlistPath)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create sensitivity detector: %w", err)
	}

	return &dependencies{
		natsConn: nc,
		invoker:  invoker,
		detector: detector,
	}, nil
}

// initEngine builds the specialist registry, the audit log, and the session
// engine from configuration.
func initEngine(ctx context.Context, cfg *config.Config, deps *dependencies, logger *logging.Logger) (*engine.Engine, error) {
	specs := make([]registry.Specialist, 0, len(cfg.Specialists))
	for _, sc := range cfg.Specialists {
		specs = append(specs, registry.Specialist{
			Name:         sc.Name,
			Capabilities: sc.Capabilities,
			Weight:       sc.Weight,
		})
	}

	reg, err := registry.New(specs)
	if err != nil {
		return nil, fmt.Errorf("invalid specialist registry: %w", err)
	}
	if reg.Len() == 0 {
		logger.Warn(ctx, "No specialists configured; session submission will be rejected until capabilities are covered")
	} else {
		logger.Info(ctx, "Specialist registry built",
			zap.Int("specialists", reg.Len()),
			zap.Strings("capabilities", reg.Capabilities()))
	}

	auditOpts := []audit.Option{audit.WithLogger(logger)}
	if cfg.Audit.PublishEnabled {
		pub, err := audit.NewNATSPublisher(deps.natsConn, cfg.Audit.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit publisher: %w", err)
		}
		auditOpts = append(auditOpts, audit.WithPublisher(pub))
		logger.Info(ctx, "Audit publishing enabled", zap.String("subject_prefix", cfg.Audit.SubjectPrefix))
	}
	auditLog := audit.NewLog(auditOpts...)

	eng, err := engine.New(engine.Config{
		SpecialistTimeout:  cfg.Engine.SpecialistTimeout.Duration(),
		MaxRetries:         cfg.Engine.DefaultMaxRetries,
		DispatchRate:       cfg.Engine.DispatchRate,
		DispatchBurst:      cfg.Engine.DispatchBurst,
		QuickBudget:        cfg.Store.QuickBudget,
		FullBudget:         cfg.Store.FullBudget,
		MaxRecommendations: cfg.Engine.MaxRecommendations,
		MinConfidence:      cfg.Engine.MinConfidence,
		ArchiveDir:         cfg.Audit.ArchiveDir,
	}, reg, deps.invoker,
		engine.WithLogger(logger),
		engine.WithAuditLog(auditLog),
		engine.WithScanner(deps.detector),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return eng, nil
}
