// Package store persists run jobs, artifacts, schedules and the
// database-side dispatch lock in the portal sqlite database.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"oiat.dev/common"
)

// ErrLockHeld is returned when another dispatcher already holds the
// database lock row.
var ErrLockHeld = errors.New("dispatch lock row is held")

// ErrNoQueuedJobs is returned by ClaimOldestQueued when the queue is empty.
var ErrNoQueuedJobs = errors.New("no queued jobs")

// failureReasonMax caps the persisted failure reason.
const failureReasonMax = 200

// Store wraps the portal database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (creating if needed) the portal database at path and runs
// the schema migration.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create portal db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open portal db %s: %w", path, err)
	}
	if err := db.AutoMigrate(
		&RunJob{}, &RunArtifact{}, &RunSchedule{},
		&RunLockRow{}, &WorkerHeartbeat{}, &PortalSetting{},
	); err != nil {
		return nil, fmt.Errorf("migrate portal db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetClock overrides the store clock (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// --- jobs ---

// CreateJob enqueues a job. A missing id gets a fresh UUID, a missing
// status defaults to queued.
func (s *Store) CreateJob(job *RunJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	return s.db.Create(job).Error
}

// Job returns one job by id.
func (s *Store) Job(id string) (*RunJob, error) {
	var job RunJob
	if err := s.db.First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs lists the most recent jobs, newest first.
func (s *Store) Jobs(limit int) ([]RunJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []RunJob
	err := s.db.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// JobsByStatus lists jobs in one status, oldest first.
func (s *Store) JobsByStatus(status string) ([]RunJob, error) {
	var jobs []RunJob
	err := s.db.Where("status = ?", status).Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

// ClaimOldestQueued flips the oldest queued job to running and inserts
// the global lock row in the same transaction. The claimant's pid is
// written as a placeholder so a concurrent reaper sweep landing between
// claim and spawn sees a live process; the dispatcher overwrites it
// with the subprocess pid once the run starts. When another holder owns
// the lock row the transaction rolls back, the job stays queued, and
// ErrLockHeld is returned.
func (s *Store) ClaimOldestQueued(pid int) (*RunJob, error) {
	var claimed RunJob
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ?", StatusQueued).
			Order("created_at ASC").First(&claimed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoQueuedJobs
			}
			return err
		}

		now := s.now()
		res := tx.Model(&RunJob{}).
			Where("id = ? AND status = ?", claimed.ID, StatusQueued).
			Updates(map[string]interface{}{
				"status":     StatusRunning,
				"started_at": now,
				"pid":        pid,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNoQueuedJobs
		}

		lock := RunLockRow{
			Owner:      LockOwnerGlobal,
			PID:        pid,
			JobID:      claimed.ID,
			AcquiredAt: now,
		}
		if err := tx.Create(&lock).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrLockHeld
			}
			return err
		}

		claimed.Status = StatusRunning
		claimed.StartedAt = &now
		claimed.PID = common.Ptr(pid)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// SetJobPID replaces the claim placeholder with the spawned subprocess
// pid.
func (s *Store) SetJobPID(id string, pid int) error {
	return s.db.Model(&RunJob{}).Where("id = ?", id).Update("pid", pid).Error
}

// SetJobLogPath records where the job's output is redirected.
func (s *Store) SetJobLogPath(id, path string) error {
	return s.db.Model(&RunJob{}).Where("id = ?", id).Update("log_path", path).Error
}

// FinishJob writes the terminal status and deletes the lock row in the
// same transaction. The failure reason is truncated to the column size.
func (s *Store) FinishJob(id, status string, exitCode int, failureReason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&RunJob{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":         status,
				"exit_code":      exitCode,
				"failure_reason": common.Truncate(failureReason, failureReasonMax),
				"finished_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s not found", id)
		}
		return tx.Where("owner = ? AND job_id = ?", LockOwnerGlobal, id).
			Delete(&RunLockRow{}).Error
	})
}

// RequestCancel flags a queued or running job for cancellation. A queued
// job flips straight to cancelled; a running job keeps its status until
// the pipeline observes the flag.
func (s *Store) RequestCancel(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var job RunJob
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			return err
		}
		switch job.Status {
		case StatusQueued:
			now := s.now()
			return tx.Model(&RunJob{}).Where("id = ?", id).
				Updates(map[string]interface{}{
					"status":           StatusCancelled,
					"cancel_requested": true,
					"finished_at":      now,
				}).Error
		case StatusRunning:
			return tx.Model(&RunJob{}).Where("id = ?", id).
				Update("cancel_requested", true).Error
		default:
			return fmt.Errorf("job %s is %s; cannot cancel", id, job.Status)
		}
	})
}

// CancelRequested reports whether the job has a pending cancel flag.
func (s *Store) CancelRequested(id string) (bool, error) {
	job, err := s.Job(id)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// RunningJobs lists jobs currently in the running state.
func (s *Store) RunningJobs() ([]RunJob, error) {
	return s.JobsByStatus(StatusRunning)
}

// --- lock row ---

// LockHolder returns the current lock row, or nil when nobody holds it.
func (s *Store) LockHolder() (*RunLockRow, error) {
	var row RunLockRow
	err := s.db.First(&row, "owner = ?", LockOwnerGlobal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ReleaseLock force-deletes the lock row regardless of holder.
func (s *Store) ReleaseLock() error {
	return s.db.Where("owner = ?", LockOwnerGlobal).Delete(&RunLockRow{}).Error
}

// --- artifacts ---

// SaveArtifact marks any live artifact for the same tenant and date as
// superseded, then inserts the new one, in one transaction.
func (s *Store) SaveArtifact(a *RunArtifact) error {
	if a.ProcessedAt.IsZero() {
		a.ProcessedAt = s.now()
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&RunArtifact{}).
			Where("tenant = ? AND target_date = ? AND superseded = ?", a.Tenant, a.TargetDate, false).
			Update("superseded", true).Error; err != nil {
			return err
		}
		return tx.Create(a).Error
	})
}

// Artifact returns the live (non-superseded) artifact for a tenant and
// date, or nil when none exists.
func (s *Store) Artifact(tenant, targetDate string) (*RunArtifact, error) {
	var a RunArtifact
	err := s.db.Where("tenant = ? AND target_date = ? AND superseded = ?", tenant, targetDate, false).
		Order("processed_at DESC").First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ArtifactsForJob lists every artifact a job produced.
func (s *Store) ArtifactsForJob(jobID string) ([]RunArtifact, error) {
	var out []RunArtifact
	err := s.db.Where("job_id = ?", jobID).Order("tenant, target_date").Find(&out).Error
	return out, err
}

// Artifacts lists recent live artifacts, newest first. An empty tenant
// matches all tenants.
func (s *Store) Artifacts(tenant string, limit int) ([]RunArtifact, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.Where("superseded = ?", false)
	if tenant != "" {
		q = q.Where("tenant = ?", tenant)
	}
	var out []RunArtifact
	err := q.Order("processed_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// MismatchedArtifacts lists live artifacts whose reconciliation failed.
func (s *Store) MismatchedArtifacts() ([]RunArtifact, error) {
	var out []RunArtifact
	err := s.db.Where("superseded = ? AND reconcile_status = ?", false, ReconcileMismatch).
		Order("processed_at DESC").Find(&out).Error
	return out, err
}

// --- schedules ---

// CreateSchedule inserts a schedule.
func (s *Store) CreateSchedule(sched *RunSchedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = s.now()
	}
	sched.UpdatedAt = sched.CreatedAt
	return s.db.Create(sched).Error
}

// UpdateSchedule rewrites the operator-editable fields.
func (s *Store) UpdateSchedule(sched *RunSchedule) error {
	return s.db.Model(&RunSchedule{}).Where("id = ?", sched.ID).
		Updates(map[string]interface{}{
			"name":         sched.Name,
			"cron_expr":    sched.CronExpr,
			"timezone":     sched.Timezone,
			"tenant_scope": sched.TenantScope,
			"enabled":      sched.Enabled,
			"updated_at":   s.now(),
		}).Error
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id uint) error {
	return s.db.Delete(&RunSchedule{}, id).Error
}

// Schedule returns one schedule by id.
func (s *Store) Schedule(id uint) (*RunSchedule, error) {
	var sched RunSchedule
	if err := s.db.First(&sched, id).Error; err != nil {
		return nil, err
	}
	return &sched, nil
}

// Schedules lists schedules, optionally only enabled ones.
func (s *Store) Schedules(enabledOnly bool) ([]RunSchedule, error) {
	q := s.db.Order("id ASC")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []RunSchedule
	err := q.Find(&out).Error
	return out, err
}

// MarkScheduleEvaluated records the evaluation watermark and the
// precomputed next fire instant.
func (s *Store) MarkScheduleEvaluated(id uint, evaluated time.Time, nextFire time.Time) error {
	return s.db.Model(&RunSchedule{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_evaluated": evaluated,
			"next_fire":      nextFire,
		}).Error
}

// --- heartbeats and settings ---

// Heartbeat upserts a worker's liveness record.
func (s *Store) Heartbeat(name string, pid int) error {
	beat := WorkerHeartbeat{Name: name, PID: pid, BeatAt: s.now()}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&beat).Error
}

// Heartbeats lists all worker liveness records.
func (s *Store) Heartbeats() ([]WorkerHeartbeat, error) {
	var out []WorkerHeartbeat
	err := s.db.Order("name ASC").Find(&out).Error
	return out, err
}

// Setting returns the setting value, or fallback when unset.
func (s *Store) Setting(key, fallback string) (string, error) {
	var setting PortalSetting
	err := s.db.First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// SetSetting upserts one portal setting.
func (s *Store) SetSetting(key, value string) error {
	setting := PortalSetting{Key: key, Value: value, UpdatedAt: s.now()}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&setting).Error
}

// Settings lists all portal settings.
func (s *Store) Settings() ([]PortalSetting, error) {
	var out []PortalSetting
	err := s.db.Order("key ASC").Find(&out).Error
	return out, err
}
