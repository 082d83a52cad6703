package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/pipeline"
	"oiat.dev/runlock"
	"oiat.dev/store"
	"oiat.dev/tokenstore"
)

var runAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run the pipeline for every tenant",
	Long: `Run the pipeline sequentially for each configured tenant (or the
subset named with --tenants) under a single global lock acquisition.
The first tenant failure aborts the remainder.`,
	RunE: runRunAll,
}

var runAllFlags struct {
	tenants      []string
	date         string
	from         string
	to           string
	skipDownload bool
	dryRun       bool
	jobID        string
}

func init() {
	f := runAllCmd.Flags()
	f.StringSliceVar(&runAllFlags.tenants, "tenants", nil, "company keys to run (default: all configured)")
	f.StringVar(&runAllFlags.date, "date", "", "single target date (YYYY-MM-DD)")
	f.StringVar(&runAllFlags.from, "from", "", "range start date (YYYY-MM-DD)")
	f.StringVar(&runAllFlags.to, "to", "", "range end date (YYYY-MM-DD)")
	f.BoolVar(&runAllFlags.skipDownload, "skip-download", false, "reuse existing staged split files instead of fetching")
	f.BoolVar(&runAllFlags.dryRun, "dry-run", false, "plan the upload without posting documents or writing the ledger")
	f.StringVar(&runAllFlags.jobID, "job-id", "", "dispatcher job id to report terminal state to")
	RootCmd.AddCommand(runAllCmd)
}

func runRunAll(cmd *cobra.Command, args []string) error {
	from, to, err := resolveDates(runAllFlags.date, runAllFlags.from, runAllFlags.to)
	if err != nil {
		return err
	}

	app, err := loadApp()
	if err != nil {
		return err
	}

	tenants := runAllFlags.tenants
	if len(tenants) == 0 {
		tenants, err = config.AvailableCompanies(app.Paths.CompaniesDir)
		if err != nil {
			return err
		}
	}
	if len(tenants) == 0 {
		return usagef("no companies configured under %s", app.Paths.CompaniesDir)
	}

	st, err := store.Open(app.Database.PortalPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := attachRunLog(st, runAllFlags.jobID); err != nil {
		return err
	}

	lock := runlock.New(app.Paths.LockPath())
	if err := lock.TryAcquire(os.Getpid()); err != nil {
		finishJob(st, runAllFlags.jobID, err)
		return exitWith(err)
	}
	defer func() {
		if err := lock.Release(os.Getpid()); err != nil {
			common.Logger.WithError(err).Warn("Run lock release failed")
		}
	}()

	tokens, err := tokenstore.Open(app.Database.TokensPath, oauthOptions(app))
	if err != nil {
		finishJob(st, runAllFlags.jobID, err)
		return exitWith(err)
	}
	defer tokens.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	for _, tenant := range tenants {
		cfg, err := config.LoadCompanyByKey(app.Paths.CompaniesDir, tenant)
		if err != nil {
			runErr = err
			break
		}
		common.Logger.WithField("tenant", tenant).Info("Starting tenant run")
		err = executeRun(ctx, app, st, tokens, cfg, pipeline.Request{
			Company:      cfg,
			FromDate:     from,
			ToDate:       to,
			JobID:        runAllFlags.jobID,
			SkipDownload: runAllFlags.skipDownload,
			DryRun:       runAllFlags.dryRun,
		})
		if err != nil {
			runErr = err
			break
		}
	}
	finishJob(st, runAllFlags.jobID, runErr)
	return exitWith(runErr)
}
