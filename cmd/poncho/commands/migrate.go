package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/poncho/poncho/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := stores.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Info().Str("driver", cfg.Database.Driver).Msg("Database schema is up to date")
			return nil
		},
	}
}
