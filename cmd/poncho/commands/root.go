package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/poncho/poncho/pkg/config"
	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/manager"
	"github.com/poncho/poncho/pkg/stores"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "poncho",
		Short: "Poncho - compute host maintenance orchestrator",
		Long: `Poncho moves compute hosts through maintenance workflows.

A service event names a set of hosts and a workflow. The worker advances
every open event one state per pass: owners are notified, the hosts stop
taking new instances, and instances are removed once their notice has
expired and their annotations allow it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or CUE package directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServiceCommand())
	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newAnnotationCommand())
	rootCmd.AddCommand(newWorkerCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// withManager opens the store and hands a manager to fn.
func withManager(ctx context.Context, fn func(cfg *config.Config, m *manager.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := engine.DefaultRegistry(cfg.Worker.Workflows)
	if err != nil {
		return err
	}
	store, err := stores.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	m := manager.New(store, registry,
		manager.WithDefaultNotify(cfg.Notify.DefaultDelay),
		manager.WithMaximumNotify(cfg.Notify.MaximumDelay),
		manager.WithLogger(log.Logger),
	)
	return fn(cfg, m)
}
