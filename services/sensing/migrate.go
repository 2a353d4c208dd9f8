package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/config"
	"github.com/02loveslollipop/urbanflow-sensing/services/sensing/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the directory and aggregate tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		log := newLogger(cfg.LogLevel)

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, cfg.ShutdownTimeout+cfg.RequestTimeout)
		defer cancelTimeout()

		store, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connection error: %w", err)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		log.Info("schema applied", "statements", len(db.SchemaStatements()))
		return nil
	},
}
