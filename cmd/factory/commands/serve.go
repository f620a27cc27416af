package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/modulefactory/pkg/api"
	"github.com/openfroyo/modulefactory/pkg/config"
	"github.com/openfroyo/modulefactory/pkg/dispatch"
	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/policy"
	"github.com/openfroyo/modulefactory/pkg/stores"
	"github.com/openfroyo/modulefactory/pkg/telemetry"
	"github.com/openfroyo/modulefactory/pkg/transports/ssh"
	"github.com/openfroyo/modulefactory/pkg/workers"
)

func newServeCommand(version string) *cobra.Command {
	var (
		listen       string
		skipRecovery bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the factory API and orchestrator",
		Long: `Run the factory API server and the workflow orchestrator.

On startup the state store is migrated and instances left unfinished by a
previous process are failed as abandoned and their workers cleaned up.
On SIGINT or SIGTERM the server stops accepting requests, the orchestrator
waits for running cleanups, and telemetry is flushed.`,
		Example: `  # Serve with a CUE configuration
  factory serve --config factory.cue

  # Override the listen address
  factory serve -c factory.yaml --listen :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader()
			if err != nil {
				return err
			}
			cfg, err := loader.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return serve(cmd.Context(), cfg, version, !skipRecovery)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the API listen address")
	cmd.Flags().BoolVar(&skipRecovery, "skip-recovery", false, "do not recover orphaned instances on startup")

	return cmd
}

// serve runs the factory until ctx is cancelled.
func serve(ctx context.Context, cfg *config.FactoryConfig, version string, recoverOrphans bool) (err error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetrySettings(version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	log.Logger = logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		err = multierr.Append(err, tel.Shutdown(shutdownCtx))
	}()

	store, err := stores.Open(ctx, cfg.StoresConfig())
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	admission, err := policy.NewEngine(logger,
		policy.WithData(cfg.AdmissionData()),
		policy.WithEnvironment(cfg.Policy.Environment),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := admission.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		if cfg.Policy.Watch {
			watcher, err := admission.Watch(ctx, cfg.Policy.Paths)
			if err != nil {
				return fmt.Errorf("failed to watch policies: %w", err)
			}
			defer func() { _ = watcher.StopWatching() }()
		}
	}

	dispatchCfg := cfg.DispatcherConfig()
	dial := func(worker engine.WorkerResource) (ssh.Transport, error) {
		return ssh.NewClient(dispatch.TransportConfig(dispatchCfg, worker))
	}

	manager, err := newWorkerManager(cfg, dial, tel.Metrics, logger)
	if err != nil {
		return err
	}

	orch, err := engine.NewOrchestrator(engine.Options{
		Config:     cfg.EngineConfig(),
		Workers:    manager,
		Dispatcher: dispatch.NewSSHDispatcher(dispatchCfg, dial, logger),
		Store:      store,
		Publisher:  tel.Events,
		Policy:     &meteredPolicy{policy: admission, metrics: tel.Metrics},
		Observer:   tel.Metrics,
		Logger:     logger,
		Tracer:     tel.Tracer.Tracer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := tel.Metrics.RegisterGauge("instances_active", "Workflow instances owned by this process.", func() float64 {
		return float64(orch.ActiveCount())
	}); err != nil {
		return fmt.Errorf("failed to register gauge: %w", err)
	}

	if recoverOrphans {
		recovered, err := orch.RecoverOrphans(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover orphaned instances: %w", err)
		}
		if len(recovered) > 0 {
			logger.Warn().Strs("instances", recovered).Msg("Recovered orphaned instances")
		}
	}

	opts := api.Options{
		Orchestrator: orch,
		Store:        store,
		Tracer:       tel.Tracer,
		Logger:       logger,
		APIToken:     cfg.Server.APIToken,
	}
	if cfg.Telemetry.MetricsEnabled {
		opts.Metrics = tel.Metrics.Handler()
	}
	if cfg.Server.EventStream {
		opts.Events = tel.Events
	}
	server, err := api.NewServer(opts)
	if err != nil {
		return err
	}

	logger.Info().
		Str("version", version).
		Str("listen", cfg.Server.Listen).
		Str("callback_url", cfg.CallbackURL()).
		Str("workers", manager.Name()).
		Msg("Factory starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Server.Listen, cfg.Server.ReadHeaderTimeout.Std(), cfg.Server.ShutdownTimeout.Std())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.CleanupTimeout.Std()+cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("orchestrator shutdown: %w", err)
		}
		logger.Info().Msg("Orchestrator stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// workerManager is an engine.WorkerManager with a name for logging.
type workerManager interface {
	engine.WorkerManager
	Name() string
}

func newWorkerManager(cfg *config.FactoryConfig, dial workers.Dialer, metrics *telemetry.Metrics, logger zerolog.Logger) (workerManager, error) {
	switch cfg.Workers.Manager {
	case config.ManagerPool:
		pool, err := workers.NewPoolManager(cfg.PoolManagerConfig(), dial, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create worker pool: %w", err)
		}
		gauges := []struct {
			name, help string
			value      func(workers.PoolStats) int
		}{
			{"pool_hosts", "Hosts registered in the worker pool.", func(s workers.PoolStats) int { return s.Total }},
			{"pool_hosts_leased", "Pool hosts leased to an instance.", func(s workers.PoolStats) int { return s.Leased }},
			{"pool_hosts_bound", "Pool hosts with an identity bound.", func(s workers.PoolStats) int { return s.Bound }},
			{"pool_hosts_quarantined", "Pool hosts quarantined after a failed reset.", func(s workers.PoolStats) int { return s.Quarantined }},
		}
		for _, g := range gauges {
			value := g.value
			if err := metrics.RegisterGauge(g.name, g.help, func() float64 { return float64(value(pool.Stats())) }); err != nil {
				return nil, fmt.Errorf("failed to register gauge: %w", err)
			}
		}
		return pool, nil
	case config.ManagerCommand:
		sizer, err := cfg.Sizer()
		if err != nil {
			return nil, err
		}
		manager, err := workers.NewCommandManager(cfg.CommandManagerConfig(), sizer, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create command worker manager: %w", err)
		}
		return manager, nil
	default:
		return nil, fmt.Errorf("unknown worker manager %q", cfg.Workers.Manager)
	}
}

// meteredPolicy counts admission denials.
type meteredPolicy struct {
	policy  engine.AdmissionPolicy
	metrics *telemetry.Metrics
}

func (p *meteredPolicy) Admit(ctx context.Context, req engine.BuildRequest) error {
	err := p.policy.Admit(ctx, req)
	if err != nil && engine.KindOf(err) == engine.ErrorKindPolicyDenied {
		p.metrics.AdmissionDenied()
	}
	return err
}
