package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshu-sajeev/jobrunner/internal/app"
	"github.com/joshu-sajeev/jobrunner/internal/config"
	"github.com/joshu-sajeev/jobrunner/internal/logging"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "jobrunner-worker",
		Short:         "Run migrations, then claim and execute queued jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), runWorker)
		},
	}

	rootCmd.AddCommand(newMigrateCommand())
	return rootCmd
}

// withApp loads config from the environment, builds the app and closes it
// once fn returns.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	return fn(ctx, a)
}

func runWorker(ctx context.Context, a *app.App) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}

	d := a.Dispatcher()
	if err := d.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	a.LogFaults(ctx, d)
	a.Logger.Info().Str("mode", a.Queue.Mode()).Msg("worker running, press Ctrl+C to stop")

	<-ctx.Done()
	a.Logger.Info().Msg("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Queue.ShutdownTimeout)
	defer cancel()

	if err := a.Queue.Drain(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("drain queue")
	}
	return d.Stop(shutdownCtx)
}
