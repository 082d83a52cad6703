package store

import "time"

// RunJob statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Reconciliation statuses stored on artifacts.
const (
	ReconcileMatch    = "match"
	ReconcileMismatch = "mismatch"
	ReconcileNotRun   = "not_run"
)

// TenantScopeAll requests a run across every configured tenant.
const TenantScopeAll = "all"

// LockOwnerGlobal is the single owner value of the database lock row.
const LockOwnerGlobal = "global"

// RunJob is one queued or executed pipeline run.
type RunJob struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	TenantScope     string     `gorm:"size:64;index;not null" json:"tenant_scope"`
	FromDate        string     `gorm:"size:10" json:"from_date"`
	ToDate          string     `gorm:"size:10" json:"to_date"`
	Status          string     `gorm:"size:16;index;not null" json:"status"`
	RequestedBy     string     `gorm:"size:64" json:"requested_by"`
	SkipDownload    bool       `json:"skip_download"`
	DryRun          bool       `json:"dry_run"`
	CancelRequested bool       `json:"cancel_requested"`
	PID             *int       `gorm:"column:pid" json:"pid,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	FailureReason   string     `gorm:"size:200" json:"failure_reason,omitempty"`
	LogPath         string     `gorm:"size:255" json:"log_path,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// RunArtifact is the per-(tenant, date) outcome of a successful or failed
// upload, read-only once written. Re-runs supersede the prior artifact
// instead of mutating it.
type RunArtifact struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	JobID           string    `gorm:"size:36;index" json:"job_id"`
	Tenant          string    `gorm:"size:64;index;not null" json:"tenant"`
	TargetDate      string    `gorm:"size:10;index;not null" json:"target_date"`
	RowsIn          int       `json:"rows_in"`
	DocsCreated     int       `json:"docs_created"`
	DocsSkipped     int       `json:"docs_skipped"`
	DocsFailed      int       `json:"docs_failed"`
	SourceTotal     float64   `json:"source_total"`
	RemoteTotal     float64   `json:"remote_total"`
	Diff            float64   `json:"diff"`
	ReconcileStatus string    `gorm:"size:16" json:"reconcile_status"`
	Superseded      bool      `gorm:"index" json:"superseded"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// RunSchedule is an operator-managed cron schedule.
type RunSchedule struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Name          string     `gorm:"size:64" json:"name"`
	CronExpr      string     `gorm:"size:64;not null" json:"cron_expr"`
	Timezone      string     `gorm:"size:48" json:"timezone"`
	TenantScope   string     `gorm:"size:64;not null" json:"tenant_scope"`
	Enabled       bool       `gorm:"index" json:"enabled"`
	LastEvaluated *time.Time `json:"last_evaluated,omitempty"`
	NextFire      *time.Time `json:"next_fire,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RunLockRow is the transactional twin of the filesystem run lock. The
// unique owner column serializes dispatch across processes sharing the
// database.
type RunLockRow struct {
	Owner      string    `gorm:"primaryKey;size:16" json:"owner"`
	PID        int       `json:"pid"`
	JobID      string    `gorm:"size:36" json:"job_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// WorkerHeartbeat records liveness of the background workers for the
// operator UI.
type WorkerHeartbeat struct {
	Name   string    `gorm:"primaryKey;size:32" json:"name"`
	PID    int       `json:"pid"`
	BeatAt time.Time `json:"beat_at"`
}

// PortalSetting is one portal-wide key/value setting.
type PortalSetting struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"size:1024" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
