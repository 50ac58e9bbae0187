package postgres

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/joshu-sajeev/jobrunner/internal/config"
)

// SetupTestDB opens a migrated sqlite database private to t.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(context.Background(), config.DatabaseConfig{
		Driver:     DriverSQLite,
		DSN:        filepath.Join(t.TempDir(), "jobs.db"),
		RetryDelay: 10 * time.Millisecond,
		LogLevel:   "silent",
	}, zerolog.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
