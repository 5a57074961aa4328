package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newJanitorCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Run the auto-prune and auto-delete loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJanitor(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single prune and delete pass and exit")
	return cmd
}

func runJanitor(ctx context.Context, once bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{kafka: true, redis: true})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		a.Stop(stopCtx)
	}()

	if err := a.Start(ctx); err != nil {
		return err
	}

	j := a.newJanitor()
	if !once {
		return j.Run(ctx)
	}

	if cfg.Janitor.PruneEnabled {
		outcome, err := j.Prune(ctx)
		if err != nil {
			return err
		}
		a.logger.WithContext(ctx).WithFields(map[string]any{"count": outcome.Count, "skipped": outcome.Skipped}).Info("Prune pass finished")
	}
	if cfg.Janitor.DeleteEnabled {
		outcome, err := j.Delete(ctx)
		if err != nil {
			return err
		}
		a.logger.WithContext(ctx).WithFields(map[string]any{"count": outcome.Count, "skipped": outcome.Skipped}).Info("Delete pass finished")
	}
	return nil
}
