// Package app assembles the pieces both binaries share: config, logging,
// the migration store, the handler registry and the queue.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/joshu-sajeev/jobrunner/internal/config"
	"github.com/joshu-sajeev/jobrunner/internal/events"
	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/joshu-sajeev/jobrunner/internal/migration"
	"github.com/joshu-sajeev/jobrunner/internal/queue"
	"github.com/joshu-sajeev/jobrunner/internal/storage/postgres"
	"github.com/joshu-sajeev/jobrunner/internal/worker"
)

// ExitMigrationFailed is the process exit code when a startup migration
// fails.
const ExitMigrationFailed = 3

const webhookClientTimeout = 60 * time.Second

type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *gorm.DB
	Registry   *job.Registry
	Queue      *queue.Queue
	Bus        *events.Bus
	Migrations *migration.Runner

	relay *events.Relay
}

// New opens the record database and the queue backend and registers every
// built-in handler and migration. Migrations live in their own registry so
// they can never be enqueued as jobs. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Registry: job.NewRegistry()}

	db, err := postgres.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open record database: %w", err)
	}
	a.DB = db

	migrations := job.NewRegistry()
	err = errors.Join(
		worker.RegisterDefaults(a.Registry, worker.DirStore{Root: cfg.FilesDir}, &http.Client{Timeout: webhookClientTimeout}),
		migration.RegisterDefaults(migrations, db),
	)
	if err != nil {
		a.closeDB()
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	q, err := queue.New(ctx, cfg, a.Registry, logger)
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.Queue = q

	a.Bus = events.NewBus(cfg.Queue.EventBuffer, logger)
	if client := q.RedisClient(); client != nil {
		a.relay = events.NewRelay(client, a.Bus, cfg.Queue.KeyPrefix+":events", logger)
		if err := a.relay.Start(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("start event relay: %w", err)
		}
	}

	a.Migrations = migration.NewRunner(migrations,
		postgres.NewMigrationRepository(db),
		migration.DefaultNames,
		migration.WithLocker(a.locker()),
		migration.WithLockTimeout(cfg.Migration.LockTimeout),
		migration.WithLogger(logger),
	)
	return a, nil
}

// locker picks the Redis lease when workers share a Redis broker and a
// host-local file lock otherwise.
func (a *App) locker() migration.Locker {
	if client := a.Queue.RedisClient(); client != nil {
		return migration.RedisLocker{
			Client: client,
			Key:    a.Config.Queue.KeyPrefix + ":migrate-lock",
			TTL:    a.Config.Migration.LockTimeout * 5,
		}
	}
	path := a.Config.Migration.LockFile
	if path == "" {
		path = filepath.Join(os.TempDir(), "jobrunner-migrate.lock")
	}
	return migration.FileLocker{Path: path}
}

// Migrate runs pending migrations. A failure wraps
// migration.ErrMigrationFailed.
func (a *App) Migrate(ctx context.Context) error {
	n, err := a.Migrations.Run(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("ran", n).Msg("migrations up to date")
	return nil
}

// Dispatcher builds a dispatcher over the app's queue with the configured
// concurrency and timings.
func (a *App) Dispatcher() *worker.Dispatcher {
	q := a.Config.Queue
	return worker.New(a.Queue.Backend(), a.Registry, a.Bus,
		worker.WithConcurrency(q.MaxConcurrent),
		worker.WithPollInterval(q.PollInterval),
		worker.WithHeartbeatInterval(q.HeartbeatInterval),
		worker.WithLeaseDuration(q.LeaseDuration),
		worker.WithLogger(a.Logger),
	)
}

// LogFaults logs dispatcher faults until ctx is done.
func (a *App) LogFaults(ctx context.Context, d *worker.Dispatcher) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-d.Err():
				a.Logger.Error().Err(err).Msg("dispatcher fault")
			}
		}
	}()
}

// Close stops the relay and closes the queue and the record database.
func (a *App) Close() error {
	var errs []error
	if a.relay != nil {
		errs = append(errs, a.relay.Stop())
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	errs = append(errs, a.closeDB())
	return errors.Join(errs...)
}

func (a *App) closeDB() error {
	if a.DB == nil {
		return nil
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
