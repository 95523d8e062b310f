package controlplane

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelproxy/sentinel-cp/internal/store/sqlstore"
)

// migrateApp applies pending schema migrations without starting the server.
// The server also migrates on startup; this command exists for pipelines
// that run migrations as a separate deploy step.
func migrateApp(cp *controlPlane) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending postgres schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cp.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("store.driver is %q; only the postgres store has migrations", cfg.Store.Driver)
			}
			st, err := sqlstore.Open(cmd.Context(), cfg.Store.DSN)
			if err != nil {
				return fmt.Errorf("opening postgres store: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrating schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
