package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okonma/parley/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		fmt.Println("database is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
