package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"oiat.dev/common"
	"oiat.dev/dispatcher"
	"oiat.dev/pipeline"
	"oiat.dev/runlock"
	"oiat.dev/store"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Enqueue a run and drain the job queue",
	Long: `Enqueue a run for one tenant (--tenant) or all tenants (--all), then
attempt to start the oldest queued job as a subprocess. Without a
scope flag only the drain is performed. Exits 2 when a running job
already holds the lock and 3 when the subprocess could not start.`,
	RunE: runDispatch,
}

var dispatchFlags struct {
	tenant       string
	all          bool
	date         string
	from         string
	to           string
	skipDownload bool
	dryRun       bool
}

func init() {
	f := dispatchCmd.Flags()
	f.StringVar(&dispatchFlags.tenant, "tenant", "", "company key to enqueue")
	f.BoolVar(&dispatchFlags.all, "all", false, "enqueue a run covering every tenant")
	f.StringVar(&dispatchFlags.date, "date", "", "single target date (YYYY-MM-DD)")
	f.StringVar(&dispatchFlags.from, "from", "", "range start date (YYYY-MM-DD)")
	f.StringVar(&dispatchFlags.to, "to", "", "range end date (YYYY-MM-DD)")
	f.BoolVar(&dispatchFlags.skipDownload, "skip-download", false, "reuse existing staged split files instead of fetching")
	f.BoolVar(&dispatchFlags.dryRun, "dry-run", false, "plan the upload without posting documents or writing the ledger")
	RootCmd.AddCommand(dispatchCmd)
	RootCmd.AddCommand(reconcileJobsCmd)
}

var (
	errHeldByRunningJob = errors.New("blocked: a run already holds the lock")
	errSpawnFailed      = errors.New("failed to start the run subprocess")
)

func runDispatch(cmd *cobra.Command, args []string) error {
	if dispatchFlags.tenant != "" && dispatchFlags.all {
		return usagef("--tenant cannot be combined with --all")
	}

	app, err := loadApp()
	if err != nil {
		return err
	}
	st, err := store.Open(app.Database.PortalPath)
	if err != nil {
		return err
	}
	defer st.Close()

	binary, err := os.Executable()
	if err != nil {
		binary = "oiat"
	}
	lock := runlock.New(app.Paths.LockPath())
	disp := dispatcher.New(st, lock, app.Paths.LogsDir, binary, app.Scheduler.StaleAfter)

	if dispatchFlags.tenant != "" || dispatchFlags.all {
		from, to, err := resolveDates(dispatchFlags.date, dispatchFlags.from, dispatchFlags.to)
		if err != nil {
			return err
		}
		scope := dispatchFlags.tenant
		if dispatchFlags.all {
			scope = store.TenantScopeAll
		}
		id, err := disp.Enqueue(dispatcher.Request{
			TenantScope:  scope,
			FromDate:     from,
			ToDate:       to,
			RequestedBy:  "cli",
			SkipDownload: dispatchFlags.skipDownload,
			DryRun:       dispatchFlags.dryRun,
		})
		if err != nil {
			return err
		}
		common.Logger.WithField("job_id", id).Info("Job enqueued")
	}

	job, status := disp.DispatchNext()
	switch status {
	case dispatcher.StatusStarted:
		common.Logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"pid":    common.PtrValue(job.PID),
		}).Info("Run started")
		return nil
	case dispatcher.StatusEmpty:
		common.Logger.Info("Queue is empty")
		return nil
	case dispatcher.StatusQueued:
		return &exitError{code: pipeline.ExitBlocked, err: errHeldByRunningJob}
	default:
		return &exitError{code: pipeline.ExitSpawnFailure, err: errSpawnFailed}
	}
}

var reconcileJobsCmd = &cobra.Command{
	Use:   "reconcile-jobs",
	Short: "One-shot reaper sweep over running jobs",
	Long: `Mark running jobs whose process has died as failed, release the
orphaned filesystem lock, and reap a stale lock file. The serve daemon
performs this sweep periodically; this command is for cron or manual
recovery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp()
		if err != nil {
			return err
		}
		st, err := store.Open(app.Database.PortalPath)
		if err != nil {
			return err
		}
		defer st.Close()

		lock := runlock.New(app.Paths.LockPath())
		disp := dispatcher.New(st, lock, app.Paths.LogsDir, "", app.Scheduler.StaleAfter)
		return disp.Reconcile()
	},
}
