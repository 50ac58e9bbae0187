package migration

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/joshu-sajeev/jobrunner/internal/models"
)

const (
	NormalizeLegacyStatus = "0001_normalize_legacy_job_status"
	BackfillFinishedAt    = "0002_backfill_job_finished_at"
)

// DefaultNames is the boot order. Append only: later entries may rely on
// earlier ones having run.
var DefaultNames = []string{
	NormalizeLegacyStatus,
	BackfillFinishedAt,
}

// legacyStatus maps statuses written by the old worker onto the current set.
// Rows the old worker left running carry no lease, so they go back to the
// queue instead of becoming active rows the reaper would never see.
var legacyStatus = map[string]job.Status{
	"pending":    job.StatusQueued,
	"processing": job.StatusQueued,
	"running":    job.StatusQueued,
	"done":       job.StatusCompleted,
	"success":    job.StatusCompleted,
	"error":      job.StatusFailed,
	"canceled":   job.StatusFailed,
	"cancelled":  job.StatusFailed,
}

// RegisterDefaults binds the built-in migrations to db.
func RegisterDefaults(reg *job.Registry, db *gorm.DB) error {
	return errors.Join(
		reg.Register(NormalizeLegacyStatus, job.HandlerFunc(normalizeLegacyStatus(db))),
		reg.Register(BackfillFinishedAt, job.HandlerFunc(backfillFinishedAt(db))),
	)
}

func normalizeLegacyStatus(db *gorm.DB) job.HandlerFunc {
	return func(ctx context.Context, _ json.RawMessage, rt job.Runtime) (any, error) {
		total := int64(0)
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for from, to := range legacyStatus {
				res := tx.Model(&models.Job{}).Where("status = ?", from).Update("status", string(to))
				if res.Error != nil {
					return res.Error
				}
				total += res.RowsAffected
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		rt.Logf("normalized %d legacy job statuses", total)
		return map[string]int64{"updated": total}, nil
	}
}

// backfillFinishedAt stamps terminal rows that predate the finished_at
// column with their last update time.
func backfillFinishedAt(db *gorm.DB) job.HandlerFunc {
	return func(ctx context.Context, _ json.RawMessage, rt job.Runtime) (any, error) {
		res := db.WithContext(ctx).Model(&models.Job{}).
			Where("status IN ? AND finished_at IS NULL", []string{string(job.StatusCompleted), string(job.StatusFailed)}).
			Update("finished_at", gorm.Expr("updated_at"))
		if res.Error != nil {
			return nil, res.Error
		}
		rt.Logf("backfilled finished_at on %d jobs", res.RowsAffected)
		return map[string]int64{"updated": res.RowsAffected}, nil
	}
}
