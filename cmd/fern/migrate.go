package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(cmd.Context())
		},
	}
}

func runMigrations(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appOptions{migrate: true})
	if err != nil {
		return err
	}
	defer a.Stop(context.WithoutCancel(ctx))

	if err := a.Start(ctx); err != nil {
		return err
	}
	a.logger.WithContext(ctx).Info("Migrations applied")
	return nil
}
