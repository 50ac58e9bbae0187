package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/joshu-sajeev/jobrunner/internal/migration"
	"github.com/joshu-sajeev/jobrunner/internal/models"
)

// MigrationRepository stores migration records in job_migrations.
type MigrationRepository struct {
	db *gorm.DB
}

var _ migration.RecordStore = (*MigrationRepository)(nil)

func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// Ensure creates a pending record for name unless one exists, and returns
// the stored record.
func (r *MigrationRepository) Ensure(ctx context.Context, name string, position int) (migration.Record, error) {
	db := r.db.WithContext(ctx)

	row := models.MigrationRecord{Name: name, Position: position, Status: string(migration.StatusPending)}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return migration.Record{}, fmt.Errorf("failed to create migration record %s: %w", name, err)
	}

	var stored models.MigrationRecord
	if err := db.Where("name = ?", name).Take(&stored).Error; err != nil {
		return migration.Record{}, fmt.Errorf("failed to read migration record %s: %w", name, err)
	}
	return toRecord(stored), nil
}

func (r *MigrationRepository) List(ctx context.Context) ([]migration.Record, error) {
	var rows []models.MigrationRecord
	if err := r.db.WithContext(ctx).Order("position ASC").Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list migration records: %w", err)
	}

	out := make([]migration.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRecord(row))
	}
	return out, nil
}

func (r *MigrationRepository) MarkExecuted(ctx context.Context, name string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.MigrationRecord{}).
		Where("name = ?", name).
		Updates(map[string]any{
			"status":      string(migration.StatusExecuted),
			"executed_at": at.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark migration %s executed: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("migration record %s not found", name)
	}
	return nil
}

func toRecord(row models.MigrationRecord) migration.Record {
	return migration.Record{
		Name:       row.Name,
		Position:   row.Position,
		Status:     migration.Status(row.Status),
		ExecutedAt: utc(row.ExecutedAt),
	}
}
