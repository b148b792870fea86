package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/internal/definition"
	"github.com/pitabwire/dfrun/internal/invoker"
	"github.com/pitabwire/dfrun/internal/observability"
	"github.com/pitabwire/dfrun/internal/pipeline"
	"github.com/pitabwire/dfrun/internal/pool"
	"github.com/pitabwire/dfrun/internal/workflow"
	"github.com/pitabwire/dfrun/model"
)

// loadRegistry loads definition files from the configured directories,
// adds the built-in Dataform workflow when enabled, validates everything,
// and builds the registry. It returns the number of definition files.
func loadRegistry(cfg *config.Config) (*definition.Registry, int, error) {
	var defs []model.DefinitionFile
	if len(cfg.Definitions.Directories) > 0 {
		loaded, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
		if err != nil {
			return nil, 0, fmt.Errorf("definitions: %w", err)
		}
		defs = append(defs, loaded...)
	}
	if cfg.Definitions.Builtin {
		file, err := pipeline.DefinitionFile(cfg.Pipeline)
		if err != nil {
			return nil, 0, fmt.Errorf("definitions: %w", err)
		}
		defs = append(defs, file)
	}
	if len(defs) == 0 {
		return nil, 0, fmt.Errorf("definitions: no directories configured and builtin workflow disabled")
	}

	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, ve := range verrs {
			msgs[i] = ve.Error()
		}
		return nil, 0, fmt.Errorf("definitions: %d validation error(s): %s", len(verrs), strings.Join(msgs, "; "))
	}

	registry, err := definition.NewRegistry(defs)
	if err != nil {
		return nil, 0, fmt.Errorf("definitions: %w", err)
	}
	return registry, len(defs), nil
}

// buildRunStore creates the run store selected by cfg.Driver. The returned
// closer is never nil.
func buildRunStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.RunStore, func(), error) {
	noop := func() {}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory run store")
		return workflow.NewMemoryRunStore(), noop, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, noop, fmt.Errorf("run store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, noop, fmt.Errorf("run store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, noop, fmt.Errorf("run store: connect: %w", err)
		}
		if err := pgPool.Ping(ctx); err != nil {
			pgPool.Close()
			return nil, noop, fmt.Errorf("run store: ping: %w", err)
		}

		store := workflow.NewPgRunStore(pgPool)
		if err := store.Migrate(ctx); err != nil {
			pgPool.Close()
			return nil, noop, fmt.Errorf("run store: migrate: %w", err)
		}
		logger.Info("using postgres run store")
		return store, pgPool.Close, nil

	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, noop, fmt.Errorf("run store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: strings.Split(addr, ","),
			DB:    cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("run store: ping: %w", err)
		}
		logger.Info("using redis run store", zap.String("key_prefix", cfg.KeyPrefix))
		return workflow.NewRedisRunStore(client, cfg.KeyPrefix), func() { _ = client.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unsupported run store driver: %q", cfg.Driver)
	}
}

// buildInvokers assembles the invoker registry. In dry-run mode every remote
// call is simulated and no Dataform client is created, so the returned
// *invoker.DataformInvoker is nil.
func buildInvokers(ctx context.Context, cfg *config.Config, dryRun bool, logger *zap.Logger) (*invoker.Registry, *invoker.DataformInvoker, error) {
	handlers := invoker.NewHandlerRegistry()
	handlers.Register(invoker.HandlerFunc{
		HandlerName: "log",
		Fn: func(ctx context.Context, input model.InvocationInput) (model.InvocationResult, error) {
			logger.Info("log handler",
				zap.String("run_id", input.RunID),
				zap.String("node_id", input.NodeID),
				zap.Any("request", observability.RedactBody(input.Body)),
			)
			return model.InvocationResult{Body: input.Body}, nil
		},
	})

	registry := invoker.NewRegistry()
	registry.Register(invoker.NewHandlerInvoker(handlers))

	if dryRun {
		logger.Info("dry run: remote calls are simulated")
		registry.Register(invoker.NewDryRunInvoker(logger))
		return registry, nil, nil
	}

	dataform, err := invoker.NewDataformInvoker(ctx, cfg.Dataform, logger)
	if err != nil {
		return nil, nil, err
	}
	registry.Register(dataform)
	return registry, dataform, nil
}

func buildEngine(
	cfg *config.Config,
	registry *definition.Registry,
	store workflow.RunStore,
	invokers model.OperationInvoker,
	logger *zap.Logger,
	opts ...workflow.Option,
) (*workflow.Engine, error) {
	pools, err := pool.New(cfg.Pools)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		workflow.WithRunTimeout(cfg.Engine.RunTimeout),
		workflow.WithNotifier(workflow.NewLogNotifier(logger)),
	)
	return workflow.NewEngine(registry, store, invokers, pools, logger, opts...), nil
}

// printGraph writes the execution order and dependency edges of a workflow.
func printGraph(out io.Writer, registry *definition.Registry, workflowID string) error {
	g, ok := registry.GetGraph(workflowID)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "workflow %s\n\norder:\n", workflowID)
	for i, id := range order {
		fmt.Fprintf(out, "  %d. %s\n", i+1, id)
	}
	fmt.Fprintln(out, "\nedges:")
	for _, e := range g.Edges() {
		fmt.Fprintf(out, "  %s >> %s\n", e.From, e.To)
	}
	return nil
}
