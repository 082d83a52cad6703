// Package scheduler is the polling schedule worker: it evaluates cron
// schedules, enqueues due runs, and drains the dispatcher each tick.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"oiat.dev/common"
	"oiat.dev/dispatcher"
	"oiat.dev/store"
)

// DefaultPollSeconds is the schedule evaluation interval, overridable
// via OIAT_SCHEDULER_POLL_SECONDS.
const DefaultPollSeconds = 15

// heartbeatName is this worker's row in the heartbeat table.
const heartbeatName = "scheduler"

// envLastEvalKey persists the env-fallback schedule's watermark in the
// portal settings, since it has no schedule row of its own.
const envLastEvalKey = "env_schedule_last_evaluated"

// JobDispatcher is the slice of the dispatcher the worker drives.
type JobDispatcher interface {
	Enqueue(req dispatcher.Request) (string, error)
	DispatchNext() (*store.RunJob, dispatcher.Status)
	Reconcile() error
}

// Worker evaluates schedules on a fixed poll interval.
type Worker struct {
	store      *store.Store
	dispatcher JobDispatcher
	poll       time.Duration
	now        func() time.Time
	log        *common.ContextLogger
}

// New builds a worker. poll <= 0 selects the default, with the env
// override applied.
func New(st *store.Store, d JobDispatcher, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = time.Duration(common.GetEnvInt("OIAT_SCHEDULER_POLL_SECONDS", DefaultPollSeconds)) * time.Second
	}
	return &Worker{
		store:      st,
		dispatcher: d,
		poll:       poll,
		now:        time.Now,
		log:        common.ServiceLogger("oiat", "scheduler"),
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithField("poll", w.poll.String()).Info("Schedule worker started")
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Schedule worker stopping")
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick performs one evaluation cycle: reap dead runs, heartbeat,
// evaluate schedules, drain the dispatcher. A panicking tick is logged
// and swallowed so the worker loop keeps polling.
func (w *Worker) Tick(ctx context.Context) {
	defer common.LogPanic(w.log)

	if err := w.dispatcher.Reconcile(); err != nil {
		w.log.WithError(err).Error("Reconcile sweep failed")
	}
	if err := w.store.Heartbeat(heartbeatName, os.Getpid()); err != nil {
		w.log.WithError(err).Warn("Heartbeat write failed")
	}

	w.evaluateSchedules()
	w.drain(ctx)
}

// evaluateSchedules enqueues one job per schedule whose next fire
// instant has passed. Multiple elapsed fire instants coalesce into a
// single enqueue.
func (w *Worker) evaluateSchedules() {
	now := w.now()

	schedules, err := w.store.Schedules(true)
	if err != nil {
		w.log.WithError(err).Error("Failed to load schedules")
		return
	}

	if len(schedules) == 0 {
		w.evaluateEnvFallback(now)
		return
	}

	for _, sched := range schedules {
		base := sched.CreatedAt
		if sched.LastEvaluated != nil {
			base = *sched.LastEvaluated
		}
		next, err := NextFire(sched.CronExpr, sched.Timezone, base)
		if err != nil {
			w.log.WithError(err).WithField("schedule", sched.Name).Error("Invalid cron expression")
			continue
		}
		if now.Before(next) {
			continue
		}

		if err := w.fire(sched.TenantScope, sched.Timezone, now, fmt.Sprintf("schedule:%s", sched.Name)); err != nil {
			w.log.WithError(err).WithField("schedule", sched.Name).Error("Failed to enqueue scheduled run")
			continue
		}

		upcoming, err := NextFire(sched.CronExpr, sched.Timezone, now)
		if err != nil {
			upcoming = now
		}
		if err := w.store.MarkScheduleEvaluated(sched.ID, now, upcoming); err != nil {
			w.log.WithError(err).WithField("schedule", sched.Name).Error("Failed to update schedule watermark")
		}
	}
}

// evaluateEnvFallback treats SCHEDULE_CRON/SCHEDULE_TZ as a synthetic
// all-tenants schedule when no database schedules are enabled.
func (w *Worker) evaluateEnvFallback(now time.Time) {
	expr := strings.TrimSpace(os.Getenv("SCHEDULE_CRON"))
	if expr == "" {
		return
	}
	tz := common.GetEnv("SCHEDULE_TZ", "UTC")

	base := now.Add(-w.poll)
	if raw, err := w.store.Setting(envLastEvalKey, ""); err == nil && raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			base = parsed
		}
	}

	next, err := NextFire(expr, tz, base)
	if err != nil {
		w.log.WithError(err).Error("Invalid SCHEDULE_CRON expression")
		return
	}
	if now.Before(next) {
		return
	}

	if err := w.fire(store.TenantScopeAll, tz, now, "schedule:env"); err != nil {
		w.log.WithError(err).Error("Failed to enqueue env-fallback run")
		return
	}
	if err := w.store.SetSetting(envLastEvalKey, now.Format(time.RFC3339)); err != nil {
		w.log.WithError(err).Warn("Failed to persist env schedule watermark")
	}
}

// fire enqueues a run for the just-closed business day in the
// schedule's timezone.
func (w *Worker) fire(scope, tz string, now time.Time, requestedBy string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	target := now.In(loc).AddDate(0, 0, -1).Format("2006-01-02")

	id, err := w.dispatcher.Enqueue(dispatcher.Request{
		TenantScope: scope,
		FromDate:    target,
		ToDate:      target,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return err
	}
	w.log.WithFields(map[string]interface{}{
		"job_id": id,
		"scope":  scope,
		"date":   target,
	}).Info("Scheduled run enqueued")
	return nil
}

// drain dispatches until the queue is empty, the lock is held
// elsewhere, or the spawn-failure cap trips.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, status := w.dispatcher.DispatchNext()
		if status != dispatcher.StatusStarted {
			if status == dispatcher.StatusStartFailed {
				w.log.Error("Dispatch degraded: consecutive start failures hit the cap")
			}
			return
		}
	}
}

// NextFire computes the next cron fire instant after `after` in the
// named timezone. An empty timezone means UTC.
func NextFire(expr, tz string, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}
	return schedule.Next(after.In(loc)), nil
}
