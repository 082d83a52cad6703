package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "portal.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateJobDefaults(t *testing.T) {
	s := newTestStore(t)

	job := &RunJob{TenantScope: "demo_cafe", FromDate: "2026-01-10", ToDate: "2026-01-10"}
	require.NoError(t, s.CreateJob(job))

	assert.Len(t, job.ID, 36)
	assert.Equal(t, StatusQueued, job.Status)
	assert.False(t, job.CreatedAt.IsZero())

	loaded, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo_cafe", loaded.TenantScope)
}

func TestStore_ClaimOldestQueued(t *testing.T) {
	s := newTestStore(t)

	first := &RunJob{TenantScope: "demo_cafe", CreatedAt: time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)}
	second := &RunJob{TenantScope: TenantScopeAll, CreatedAt: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, s.CreateJob(first))
	require.NoError(t, s.CreateJob(second))

	claimed, err := s.ClaimOldestQueued(4242)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, StatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.PID)
	assert.Equal(t, 4242, *claimed.PID)

	// The placeholder pid is persisted with the claim itself, not later.
	persisted, err := s.Job(claimed.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted.PID)
	assert.Equal(t, 4242, *persisted.PID)

	lock, err := s.LockHolder()
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, LockOwnerGlobal, lock.Owner)
	assert.Equal(t, first.ID, lock.JobID)
	assert.Equal(t, 4242, lock.PID)

	// Lock held: the second job stays queued and the claim fails cleanly.
	_, err = s.ClaimOldestQueued(4243)
	require.ErrorIs(t, err, ErrLockHeld)

	still, err := s.Job(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, still.Status)
}

func TestStore_ClaimEmptyQueue(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ClaimOldestQueued(1)
	require.ErrorIs(t, err, ErrNoQueuedJobs)
}

func TestStore_FinishJobReleasesLock(t *testing.T) {
	s := newTestStore(t)

	job := &RunJob{TenantScope: "demo_cafe"}
	require.NoError(t, s.CreateJob(job))
	_, err := s.ClaimOldestQueued(100)
	require.NoError(t, err)

	require.NoError(t, s.SetJobPID(job.ID, 31337))
	require.NoError(t, s.FinishJob(job.ID, StatusSucceeded, 0, ""))

	done, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	require.NotNil(t, done.PID)
	assert.Equal(t, 31337, *done.PID)
	require.NotNil(t, done.FinishedAt)

	lock, err := s.LockHolder()
	require.NoError(t, err)
	assert.Nil(t, lock)

	// The lock is free again for the next claim.
	next := &RunJob{TenantScope: "demo_cafe"}
	require.NoError(t, s.CreateJob(next))
	claimed, err := s.ClaimOldestQueued(101)
	require.NoError(t, err)
	assert.Equal(t, next.ID, claimed.ID)
}

func TestStore_FinishJobTruncatesFailureReason(t *testing.T) {
	s := newTestStore(t)

	job := &RunJob{TenantScope: "demo_cafe"}
	require.NoError(t, s.CreateJob(job))
	_, err := s.ClaimOldestQueued(1)
	require.NoError(t, err)

	long := strings.Repeat("x", 350)
	require.NoError(t, s.FinishJob(job.ID, StatusFailed, 1, long))

	done, err := s.Job(job.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(done.FailureReason), 200)
}

func TestStore_RequestCancel(t *testing.T) {
	s := newTestStore(t)

	queued := &RunJob{TenantScope: "demo_cafe"}
	require.NoError(t, s.CreateJob(queued))
	require.NoError(t, s.RequestCancel(queued.ID))

	job, err := s.Job(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	require.NotNil(t, job.FinishedAt)

	running := &RunJob{TenantScope: "demo_cafe"}
	require.NoError(t, s.CreateJob(running))
	_, err = s.ClaimOldestQueued(1)
	require.NoError(t, err)
	require.NoError(t, s.RequestCancel(running.ID))

	flagged, err := s.CancelRequested(running.ID)
	require.NoError(t, err)
	assert.True(t, flagged)
	job, err = s.Job(running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)

	// Terminal jobs cannot be cancelled.
	require.NoError(t, s.FinishJob(running.ID, StatusSucceeded, 0, ""))
	assert.Error(t, s.RequestCancel(running.ID))
}

func TestStore_ArtifactSupersede(t *testing.T) {
	s := newTestStore(t)

	first := &RunArtifact{
		JobID: "job-1", Tenant: "demo_cafe", TargetDate: "2026-01-10",
		DocsCreated: 4, SourceTotal: 100, RemoteTotal: 100,
		ReconcileStatus: ReconcileMatch,
	}
	require.NoError(t, s.SaveArtifact(first))

	second := &RunArtifact{
		JobID: "job-2", Tenant: "demo_cafe", TargetDate: "2026-01-10",
		DocsCreated: 5, SourceTotal: 120, RemoteTotal: 119,
		ReconcileStatus: ReconcileMatch,
	}
	require.NoError(t, s.SaveArtifact(second))

	live, err := s.Artifact("demo_cafe", "2026-01-10")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "job-2", live.JobID)
	assert.Equal(t, 5, live.DocsCreated)

	all, err := s.ArtifactsForJob("job-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Superseded)

	// Other dates are untouched by the supersede.
	otherDate := &RunArtifact{JobID: "job-3", Tenant: "demo_cafe", TargetDate: "2026-01-11"}
	require.NoError(t, s.SaveArtifact(otherDate))
	live, err = s.Artifact("demo_cafe", "2026-01-10")
	require.NoError(t, err)
	assert.Equal(t, "job-2", live.JobID)
}

func TestStore_MismatchedArtifacts(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveArtifact(&RunArtifact{
		JobID: "j1", Tenant: "demo_cafe", TargetDate: "2026-01-10",
		ReconcileStatus: ReconcileMatch,
	}))
	require.NoError(t, s.SaveArtifact(&RunArtifact{
		JobID: "j2", Tenant: "club_house", TargetDate: "2026-01-10",
		SourceTotal: 500, RemoteTotal: 380, Diff: 120,
		ReconcileStatus: ReconcileMismatch,
	}))

	mismatched, err := s.MismatchedArtifacts()
	require.NoError(t, err)
	require.Len(t, mismatched, 1)
	assert.Equal(t, "club_house", mismatched[0].Tenant)
}

func TestStore_Schedules(t *testing.T) {
	s := newTestStore(t)

	sched := &RunSchedule{
		Name: "nightly", CronExpr: "30 2 * * *", Timezone: "Africa/Lagos",
		TenantScope: TenantScopeAll, Enabled: true,
	}
	require.NoError(t, s.CreateSchedule(sched))
	require.NotZero(t, sched.ID)

	disabled := &RunSchedule{Name: "paused", CronExpr: "0 6 * * *", TenantScope: "demo_cafe"}
	require.NoError(t, s.CreateSchedule(disabled))

	enabled, err := s.Schedules(true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "nightly", enabled[0].Name)

	all, err := s.Schedules(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sched.CronExpr = "45 2 * * *"
	sched.Enabled = false
	require.NoError(t, s.UpdateSchedule(sched))
	loaded, err := s.Schedule(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "45 2 * * *", loaded.CronExpr)
	assert.False(t, loaded.Enabled)

	evaluated := time.Date(2026, 1, 10, 2, 45, 0, 0, time.UTC)
	next := evaluated.Add(24 * time.Hour)
	require.NoError(t, s.MarkScheduleEvaluated(sched.ID, evaluated, next))
	loaded, err = s.Schedule(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastEvaluated)
	assert.Equal(t, evaluated.Unix(), loaded.LastEvaluated.Unix())
	require.NotNil(t, loaded.NextFire)
	assert.Equal(t, next.Unix(), loaded.NextFire.Unix())

	require.NoError(t, s.DeleteSchedule(disabled.ID))
	all, err = s.Schedules(false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_SettingsAndHeartbeats(t *testing.T) {
	s := newTestStore(t)

	val, err := s.Setting("pause_uploads", "false")
	require.NoError(t, err)
	assert.Equal(t, "false", val)

	require.NoError(t, s.SetSetting("pause_uploads", "true"))
	require.NoError(t, s.SetSetting("pause_uploads", "false"))
	val, err = s.Setting("pause_uploads", "true")
	require.NoError(t, err)
	assert.Equal(t, "false", val)

	require.NoError(t, s.Heartbeat("scheduler", 100))
	require.NoError(t, s.Heartbeat("scheduler", 200))
	require.NoError(t, s.Heartbeat("dispatcher", 300))

	beats, err := s.Heartbeats()
	require.NoError(t, err)
	require.Len(t, beats, 2)
	assert.Equal(t, "dispatcher", beats[0].Name)
	assert.Equal(t, 200, beats[1].PID)
}
