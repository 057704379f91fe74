package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"

	"drivepulse/services/telemetry/internal/config"
	"drivepulse/services/telemetry/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return err
			}

			log.Printf("schema migration complete")
			return nil
		},
	}
}
