package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/fleet"
	"github.com/poncho/poncho/pkg/manager"
	"github.com/poncho/poncho/pkg/notify"
	"github.com/poncho/poncho/pkg/policy"
	"github.com/poncho/poncho/pkg/stores"
	"github.com/poncho/poncho/pkg/telemetry"
	"github.com/poncho/poncho/pkg/worker"
)

func newWorkerCommand(version string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Advance open service events",
		Long: `Run the poller on the configured interval until interrupted.

Each pass advances every open service event by at most one state. With
--once a single pass runs and its result is printed. The admin API serves
/healthz, /metrics, /status, /events, /workflows and /policies on
worker.admin_addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, version, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")

	return cmd
}

func runWorker(cmd *cobra.Command, version string, once bool) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = version
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			tel.Logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	logger := tel.Logger
	ctx = tel.WithContext(ctx)

	registry, err := engine.DefaultRegistry(cfg.Worker.Workflows)
	if err != nil {
		return err
	}

	store, err := stores.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	budget := worker.RetryBudget(cfg.Worker.PollingInterval)

	fleetClient, err := fleet.New(cfg.Fleet, tel.Metrics, logger.With().Str("component", "fleet").Logger(),
		fleet.WithRetryBudget(budget),
	)
	if err != nil {
		return fmt.Errorf("failed to create fleet client: %w", err)
	}
	if err := fleetClient.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("Compute API is not reachable yet")
	}

	notifier := notify.New(cfg.Notify.Config,
		notify.WithRetryBudget(budget),
		notify.WithMetrics(tel.Metrics),
		notify.WithLogger(logger.With().Str("component", "notify").Logger()),
	)

	guard, err := policy.NewGuard(ctx, cfg.Policy, logger.With().Str("component", "policy").Logger())
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	defer guard.Close()

	poller := engine.NewPoller(store, registry, fleetClient, notifier,
		engine.WithGuard(guard),
		engine.WithMetrics(tel.Metrics),
		engine.WithLogger(logger),
	)

	w, err := worker.New(poller, cfg.Worker.PollingInterval, logger)
	if err != nil {
		return err
	}

	if once {
		result, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		return printStep(cmd, result)
	}

	if err := guard.Watch(ctx); err != nil {
		return fmt.Errorf("failed to watch policies: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })

	if addr := cfg.Worker.AdminAddr; addr != "" {
		events := manager.New(store, registry, manager.WithLogger(logger))
		router := worker.NewAdminRouter(worker.AdminConfig{
			Events:   events,
			Health:   store,
			Metrics:  tel.Metrics.Handler(),
			Worker:   w,
			Policies: guard,
			Logger:   logger.With().Str("component", "admin").Logger(),
		})
		g.Go(func() error { return worker.ServeAdmin(gctx, addr, router, logger) })
	}

	return g.Wait()
}

func printStep(cmd *cobra.Command, result *engine.StepResult) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, result)
	}
	if len(result.Events) == 0 {
		_, err := fmt.Fprintln(out, "No open service events.")
		return err
	}

	t := newTable("ID", "WORKFLOW", "FROM", "TO", "RESULT")
	for _, ev := range result.Events {
		t.Row(fmt.Sprintf("%d", ev.ID), ev.Workflow, ev.From, ev.To, stepOutcome(ev))
	}
	_, err := fmt.Fprintln(out, t)
	return err
}

func stepOutcome(ev engine.EventResult) string {
	switch {
	case ev.Stuck:
		return "stuck: " + ev.Error
	case ev.Err != nil:
		return string(ev.Class) + ": " + ev.Error
	case ev.Skipped:
		return "skipped"
	case ev.Advanced():
		return "advanced"
	default:
		return "waiting"
	}
}
