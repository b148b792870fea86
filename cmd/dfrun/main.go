// Package main is the entry point for the dfrun command. It wires all
// dependencies together and exposes the serve, run, graph, and validate
// subcommands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/internal/invoker"
	"github.com/pitabwire/dfrun/internal/observability"
	"github.com/pitabwire/dfrun/internal/transport"
	"github.com/pitabwire/dfrun/internal/workflow"
	"github.com/pitabwire/dfrun/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "dfrun",
		Short:        "Run Dataform compilation and invocation workflows",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newRunCmd(&configPath),
		newGraphCmd(&configPath),
		newValidateCmd(&configPath),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		logicalTime string
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute one run of a workflow and print its final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := workflow.TriggerOptions{TriggeredBy: workflow.TriggeredByManual}
			if logicalTime != "" {
				lt, err := time.Parse(time.RFC3339, logicalTime)
				if err != nil {
					return fmt.Errorf("--logical-time: %w", err)
				}
				opts.LogicalTime = lt
			}
			return runOnce(cmd.Context(), *configPath, args[0], opts, dryRun, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&logicalTime, "logical-time", "", "logical time of the run (RFC 3339, default now)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate remote calls without network I/O")
	return cmd
}

func newGraphCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <workflow>",
		Short: "Print the execution order and edges of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			registry, _, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			return printGraph(cmd.OutOrStdout(), registry, args[0])
		},
	}
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and every workflow definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			registry, files, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d definition file(s), %d workflow(s) valid (checksum %s)\n",
				files, len(registry.AllWorkflows()), registry.Checksum())
			return nil
		},
	}
}

func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "dfrun", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	registry, files, err := loadRegistry(cfg)
	if err != nil {
		metrics.RecordDefinitionReload("error")
		logger.Error("definition loading failed", zap.Error(err))
		return err
	}
	metrics.RecordDefinitionReload("success")
	metrics.SetDefinitionsLoaded(float64(len(registry.AllWorkflows())))

	store, closeStore, err := buildRunStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("run store initialization failed", zap.Error(err))
		return err
	}
	defer closeStore()

	invokers, dataform, err := buildInvokers(ctx, cfg, cfg.Engine.DryRun, logger)
	if err != nil {
		logger.Error("invoker initialization failed", zap.Error(err))
		return err
	}

	engine, err := buildEngine(cfg, registry, store, invokers, logger,
		workflow.WithMetrics(metrics),
	)
	if err != nil {
		logger.Error("engine initialization failed", zap.Error(err))
		return err
	}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.AllWorkflows()) > 0 },
		RunStore:          store,
	}
	if dataform != nil {
		dataform.Breaker().OnStateChange(func(name string, _, to invoker.BreakerState) {
			metrics.SetBackendCircuitBreakerState(name, float64(to))
		})
		readiness.Backend = breakerHealth{dataform.Breaker()}
	}

	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Enabled {
		keys := transport.KeySet{Secret: []byte(os.Getenv(cfg.Identity.HMACSecretEnv))}
		if cfg.Identity.JWKSURL != "" {
			keys.JWKS = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		}
		authenticate = transport.JWTAuthenticator(cfg.Identity, keys)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: authenticate,
		Workflows:    registry,
		Runs:         engine,
		Readiness:    readiness,
		Metrics:      metrics,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Scheduler.Enabled {
		scheduler := workflow.NewScheduler(registry, engine, cfg.Scheduler.TickInterval, metrics, logger)
		go scheduler.Run(bgCtx)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definition_files", files),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("dry_run", cfg.Engine.DryRun),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop scheduling before cancelling in-flight runs.
	bgCancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// runOnce executes a single run synchronously against an in-process store
// and writes the final run as JSON. A failed run is reported as an error.
func runOnce(parent context.Context, configPath, workflowID string, opts workflow.TriggerOptions, dryRun bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	registry, _, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	store, closeStore, err := buildRunStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	invokers, _, err := buildInvokers(ctx, cfg, dryRun || cfg.Engine.DryRun, logger)
	if err != nil {
		return err
	}
	engine, err := buildEngine(cfg, registry, store, invokers, logger)
	if err != nil {
		return err
	}

	run, runErr := engine.Trigger(ctx, workflowID, opts)
	if run.ID != "" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if run.Status != model.RunStatusSuccess {
		return fmt.Errorf("run %s finished %s", run.ID, run.Status)
	}
	return nil
}

// breakerHealth reports the Dataform backend unhealthy while its circuit
// breaker is open.
type breakerHealth struct {
	cb *invoker.CircuitBreaker
}

func (b breakerHealth) HealthCheck(context.Context) error {
	if b.cb.State() == invoker.BreakerOpen {
		return fmt.Errorf("circuit breaker %s is open", b.cb.Name())
	}
	return nil
}
