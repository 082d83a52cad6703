// Package dispatcher pulls queued run jobs off the portal database and
// launches the orchestrator for each, one at a time. The database lock
// row serializes dispatch across processes; the filesystem run lock is
// taken by the spawned run itself.
package dispatcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"oiat.dev/common"
	"oiat.dev/pipeline"
	"oiat.dev/runlock"
	"oiat.dev/store"
)

// MaxConsecutiveStartFailures caps the spawn-failure loop in one
// DispatchNext call.
const MaxConsecutiveStartFailures = 5

// DefaultStaleAfter is how long a run lock may go unobserved before the
// reaper removes it.
const DefaultStaleAfter = 4 * time.Hour

// Status is the outcome of one DispatchNext call.
type Status string

const (
	StatusStarted     Status = "started"      // a job was launched
	StatusQueued      Status = "queued"       // lock held elsewhere, job stays queued
	StatusEmpty       Status = "empty"        // nothing to dispatch
	StatusStartFailed Status = "start_failed" // spawn failure cap reached
)

// Request describes a job to enqueue.
type Request struct {
	TenantScope  string
	FromDate     string
	ToDate       string
	RequestedBy  string
	SkipDownload bool
	DryRun       bool
}

// Dispatcher owns job selection, subprocess launch, and the reaper sweep.
type Dispatcher struct {
	store      *store.Store
	lock       *runlock.Lock
	logsDir    string
	binary     string
	staleAfter time.Duration
	log        *common.ContextLogger

	// spawn launches the run subprocess and returns its pid. Overridable
	// in tests.
	spawn func(job *store.RunJob, logPath string) (int, error)
}

// New builds a dispatcher. binary is the orchestrator executable; empty
// means the current executable.
func New(st *store.Store, lock *runlock.Lock, logsDir, binary string, staleAfter time.Duration) *Dispatcher {
	if binary == "" {
		if self, err := os.Executable(); err == nil {
			binary = self
		} else {
			binary = "oiat"
		}
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	d := &Dispatcher{
		store:      st,
		lock:       lock,
		logsDir:    logsDir,
		binary:     binary,
		staleAfter: staleAfter,
		log:        common.ServiceLogger("oiat", "dispatcher"),
	}
	d.spawn = d.spawnProcess
	return d
}

// Enqueue creates a queued job and returns its id.
func (d *Dispatcher) Enqueue(req Request) (string, error) {
	if req.TenantScope == "" {
		return "", common.Kindf(common.KindConfig, "enqueue: tenant scope is required")
	}
	if req.FromDate == "" {
		return "", common.Kindf(common.KindConfig, "enqueue: from date is required")
	}
	if req.ToDate == "" {
		req.ToDate = req.FromDate
	}
	job := &store.RunJob{
		TenantScope:  req.TenantScope,
		FromDate:     req.FromDate,
		ToDate:       req.ToDate,
		RequestedBy:  req.RequestedBy,
		SkipDownload: req.SkipDownload,
		DryRun:       req.DryRun,
	}
	if err := d.store.CreateJob(job); err != nil {
		return "", err
	}
	d.log.WithFields(map[string]interface{}{
		"job_id": job.ID,
		"scope":  job.TenantScope,
		"from":   job.FromDate,
		"to":     job.ToDate,
	}).Info("Job enqueued")
	return job.ID, nil
}

// DispatchNext claims the oldest queued job and launches it. On spawn
// failure the job is marked failed and the next queued job is tried, up
// to the consecutive-failure cap.
func (d *Dispatcher) DispatchNext() (*store.RunJob, Status) {
	failures := 0
	for {
		job, err := d.store.ClaimOldestQueued(os.Getpid())
		if errors.Is(err, store.ErrNoQueuedJobs) {
			return nil, StatusEmpty
		}
		if errors.Is(err, store.ErrLockHeld) {
			return nil, StatusQueued
		}
		if err != nil {
			d.log.WithError(err).Error("Job claim failed")
			return nil, StatusEmpty
		}

		logPath := filepath.Join(d.logsDir, fmt.Sprintf("run_%s.log", job.ID))
		pid, err := d.spawn(job, logPath)
		if err != nil {
			startErr := common.WithKind(common.KindDispatchStart, err)
			d.log.WithError(startErr).WithField("job_id", job.ID).Error("Failed to start run")
			if ferr := d.store.FinishJob(job.ID, store.StatusFailed, pipeline.ExitSpawnFailure,
				fmt.Sprintf("failed to start: %v", err)); ferr != nil {
				d.log.WithError(ferr).Error("Failed to record spawn failure")
			}
			failures++
			if failures >= MaxConsecutiveStartFailures {
				return nil, StatusStartFailed
			}
			continue
		}

		if err := d.store.SetJobPID(job.ID, pid); err != nil {
			d.log.WithError(err).WithField("job_id", job.ID).Error("Failed to record run pid")
		}
		if err := d.store.SetJobLogPath(job.ID, logPath); err != nil {
			d.log.WithError(err).WithField("job_id", job.ID).Error("Failed to record run log path")
		}
		d.log.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"pid":    pid,
			"log":    logPath,
		}).Info("Run started")
		return job, StatusStarted
	}
}

// Reconcile marks running jobs whose pid is dead as failed and releases
// both locks. It also reaps a stale filesystem lock left by a crashed
// run.
func (d *Dispatcher) Reconcile() error {
	running, err := d.store.RunningJobs()
	if err != nil {
		return err
	}
	for _, job := range running {
		alive := false
		if job.PID != nil && *job.PID > 0 {
			alive, _ = process.PidExists(int32(*job.PID))
		}
		if alive {
			continue
		}
		d.log.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"pid":    job.PID,
		}).Warn("Running job has no live process; reaping")
		if err := d.store.FinishJob(job.ID, store.StatusFailed, pipeline.ExitReaped, "reaped stale PID"); err != nil {
			d.log.WithError(err).WithField("job_id", job.ID).Error("Failed to reap job")
			continue
		}
		if job.PID != nil {
			if _, lockAlive, err := d.lock.HolderAlive(); err == nil && !lockAlive {
				if err := d.lock.ForceRelease(); err != nil {
					d.log.WithError(err).Warn("Failed to release stale run lock")
				}
			}
		}
	}

	if pid, reaped, err := d.lock.ReapIfStale(d.staleAfter); err == nil && reaped {
		d.log.WithField("pid", pid).Warn("Reaped stale run lock")
	}
	return nil
}

// spawnProcess launches `<binary> run …` detached, with stdout and
// stderr redirected to the job's log file.
func (d *Dispatcher) spawnProcess(job *store.RunJob, logPath string) (int, error) {
	if err := os.MkdirAll(d.logsDir, 0o755); err != nil {
		return 0, fmt.Errorf("create logs dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open run log: %w", err)
	}
	defer logFile.Close()

	args := runArgs(job)
	cmd := exec.Command(d.binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits; the run writes its own terminal state.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// runArgs maps a job to the orchestrator CLI invocation.
func runArgs(job *store.RunJob) []string {
	var args []string
	if job.TenantScope == store.TenantScopeAll {
		args = append(args, "run-all")
	} else {
		args = append(args, "run", "--tenant", job.TenantScope)
	}
	if job.FromDate == job.ToDate {
		args = append(args, "--date", job.FromDate)
	} else {
		args = append(args, "--from", job.FromDate, "--to", job.ToDate)
	}
	args = append(args, "--job-id", job.ID)
	if job.SkipDownload {
		args = append(args, "--skip-download")
	}
	if job.DryRun {
		args = append(args, "--dry-run")
	}
	return args
}
