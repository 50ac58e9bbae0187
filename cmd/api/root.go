package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/joshu-sajeev/jobrunner/internal/app"
	"github.com/joshu-sajeev/jobrunner/internal/config"
	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/joshu-sajeev/jobrunner/internal/logging"
	"github.com/joshu-sajeev/jobrunner/internal/server"
	"github.com/joshu-sajeev/jobrunner/internal/worker"
)

func newRootCommand() *cobra.Command {
	var addr string

	rootCmd := &cobra.Command{
		Use:           "jobrunner-api",
		Short:         "Serve the job producer HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), addr)
		},
	}

	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides API_ADDR)")
	return rootCmd
}

func run(ctx context.Context, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.APIAddr = addr
	}
	logger := logging.New(cfg.Log)
	gin.SetMode(gin.ReleaseMode)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	ready := server.NewReadiness()
	svc := job.NewJobService(a.Queue, a.Registry)
	router := server.NewRouter(server.Deps{
		Jobs:       job.NewJobHandler(svc, a.Bus),
		Readiness:  ready,
		Migrations: a.Migrations,
		Mode:       a.Queue.Mode(),
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.APIAddr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// /healthz reports starting until migrations are done
	if err := a.Migrate(ctx); err != nil {
		_ = srv.Close()
		return err
	}

	var d *worker.Dispatcher
	if a.Queue.Mode() == config.BrokerMemory {
		// nothing else can see an in-memory queue, so this process runs it
		d = a.Dispatcher()
		if err := d.Start(context.WithoutCancel(ctx)); err != nil {
			_ = srv.Close()
			return err
		}
		a.LogFaults(ctx, d)
	}

	if a.Queue.Degraded() {
		ready.Set(server.StateDegraded)
	} else {
		ready.Set(server.StateReady)
	}

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			return err
		}
	}
	logger.Info().Msg("shutting down api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if d != nil {
		if err := a.Queue.Drain(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("drain queue")
		}
		errs = append(errs, d.Stop(shutdownCtx))
	}
	return errors.Join(errs...)
}
