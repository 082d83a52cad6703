package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/ledger"
	"oiat.dev/notification"
	"oiat.dev/pipeline"
	"oiat.dev/qbo"
	"oiat.dev/runlock"
	"oiat.dev/store"
	"oiat.dev/tokenstore"
	"oiat.dev/uploader"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for one tenant",
	Long: `Run the download-split-transform-upload-archive-reconcile pipeline for
a single tenant, either for one date (--date) or an inclusive range
(--from/--to). Exactly one run may hold the global lock at a time;
a blocked run exits with code 2.`,
	RunE: runRun,
}

var runFlags struct {
	tenant          string
	date            string
	from            string
	to              string
	skipDownload    bool
	dryRun          bool
	jobID           string
	syncMode        string
	bypassStartDate bool
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.tenant, "tenant", "", "company key (required)")
	f.StringVar(&runFlags.date, "date", "", "single target date (YYYY-MM-DD)")
	f.StringVar(&runFlags.from, "from", "", "range start date (YYYY-MM-DD)")
	f.StringVar(&runFlags.to, "to", "", "range end date (YYYY-MM-DD)")
	f.BoolVar(&runFlags.skipDownload, "skip-download", false, "reuse existing staged split files instead of fetching")
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "plan the upload without posting documents or writing the ledger")
	f.StringVar(&runFlags.jobID, "job-id", "", "dispatcher job id to report terminal state to")
	f.StringVar(&runFlags.syncMode, "inventory-sync-mode", "", "override inventory sync mode (inline|upload_fast)")
	f.BoolVar(&runFlags.bypassStartDate, "bypass-inventory-startdate", false, "swap backdated inventory lines to the fallback service item")
	RootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runFlags.tenant == "" {
		return usagef("--tenant is required")
	}
	from, to, err := resolveDates(runFlags.date, runFlags.from, runFlags.to)
	if err != nil {
		return err
	}
	if err := validateSyncMode(runFlags.syncMode); err != nil {
		return err
	}

	app, err := loadApp()
	if err != nil {
		return err
	}
	cfg, err := config.LoadCompanyByKey(app.Paths.CompaniesDir, runFlags.tenant)
	if err != nil {
		return err
	}
	applySyncMode(cfg, runFlags.syncMode)

	st, err := store.Open(app.Database.PortalPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := attachRunLog(st, runFlags.jobID); err != nil {
		return err
	}

	lock := runlock.New(app.Paths.LockPath())
	if err := lock.TryAcquire(os.Getpid()); err != nil {
		finishJob(st, runFlags.jobID, err)
		return exitWith(err)
	}
	defer func() {
		if err := lock.Release(os.Getpid()); err != nil {
			common.Logger.WithError(err).Warn("Run lock release failed")
		}
	}()

	tokens, err := tokenstore.Open(app.Database.TokensPath, oauthOptions(app))
	if err != nil {
		finishJob(st, runFlags.jobID, err)
		return exitWith(err)
	}
	defer tokens.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := executeRun(ctx, app, st, tokens, cfg, pipeline.Request{
		Company:                  cfg,
		FromDate:                 from,
		ToDate:                   to,
		JobID:                    runFlags.jobID,
		SkipDownload:             runFlags.skipDownload,
		DryRun:                   runFlags.dryRun,
		BypassInventoryStartDate: runFlags.bypassStartDate,
	})
	finishJob(st, runFlags.jobID, runErr)
	return exitWith(runErr)
}

// executeRun wires the pipeline for one tenant and runs it. The caller
// holds the global run lock.
func executeRun(ctx context.Context, app *config.AppConfig, st *store.Store, tokens *tokenstore.Store, cfg *config.CompanyConfig, req pipeline.Request) error {
	led := ledger.New(cfg.LedgerPath(app.Paths.OpsRoot))

	baseURL := app.OAuth.ProductionBaseURL
	if cfg.QBO.Environment == "sandbox" {
		baseURL = app.OAuth.SandboxBaseURL
	}
	client := qbo.New(qbo.Config{
		BaseURL:      baseURL,
		RealmID:      cfg.QBO.RealmID,
		MinorVersion: app.OAuth.MinorVersion,
		Tokens: &qboTokens{
			store:  tokens,
			tenant: cfg.CompanyKey,
			realm:  cfg.QBO.RealmID,
		},
	})
	engine := uploader.NewEngine(client, led, common.Logger.WithField("tenant", cfg.CompanyKey))

	notifier := notification.New(os.Getenv("SLACK_WEBHOOK_URL"))

	scope := req.FromDate
	if req.ToDate != req.FromDate {
		scope = req.FromDate + ".." + req.ToDate
	}
	orch := pipeline.New(app.Paths, &pipeline.CommandDownloader{}, nil, engine, st,
		notifier.SinkFor(cfg), common.RunLogger(cfg.CompanyKey, scope))

	_, err := orch.Run(ctx, req)
	return err
}

// qboTokens adapts the token store to the accounting client's provider
// contract.
type qboTokens struct {
	store  *tokenstore.Store
	tenant string
	realm  string
}

func (t *qboTokens) AccessToken(ctx context.Context) (string, error) {
	rec, err := t.store.Load(t.tenant, t.realm)
	if err != nil {
		return "", err
	}
	if rec.Valid(time.Now()) {
		return rec.AccessToken, nil
	}
	return t.Refresh(ctx)
}

func (t *qboTokens) Refresh(ctx context.Context) (string, error) {
	rec, err := t.store.Refresh(ctx, t.tenant, t.realm)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// oauthOptions builds the token store options from the app config and the
// platform credentials in the environment.
func oauthOptions(app *config.AppConfig) tokenstore.Options {
	return tokenstore.Options{
		TokenURL:     app.OAuth.TokenURL,
		ClientID:     os.Getenv("QBO_CLIENT_ID"),
		ClientSecret: os.Getenv("QBO_CLIENT_SECRET"),
	}
}

func validateSyncMode(mode string) error {
	switch mode {
	case "", config.InventorySyncInline, config.InventorySyncUploadFast:
		return nil
	}
	return usagef("invalid --inventory-sync-mode %q (want %s or %s)",
		mode, config.InventorySyncInline, config.InventorySyncUploadFast)
}

func applySyncMode(cfg *config.CompanyConfig, mode string) {
	if mode == "" {
		return
	}
	if cfg.Inventory == nil {
		cfg.Inventory = &config.InventorySection{}
	}
	cfg.Inventory.InventorySyncMode = mode
}

// attachRunLog duplicates log output into the job's log file so the
// portal log tail sees lines from this process too, not only the
// subprocess stdout the dispatcher redirects.
func attachRunLog(st *store.Store, jobID string) error {
	if jobID == "" {
		return nil
	}
	job, err := st.Job(jobID)
	if err != nil {
		return err
	}
	if job.LogPath == "" {
		return nil
	}
	hook, err := common.NewFileHook(job.LogPath)
	if err != nil {
		common.Logger.WithError(err).Warn("Run log hook unavailable")
		return nil
	}
	common.Logger.AddHook(hook)
	return nil
}

// finishJob records the terminal job state when this run was spawned by
// the dispatcher.
func finishJob(st *store.Store, jobID string, runErr error) {
	if jobID == "" {
		return
	}
	status := store.StatusSucceeded
	reason := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, pipeline.ErrCancelled):
		status = store.StatusCancelled
		reason = "cancelled"
	default:
		status = store.StatusFailed
		reason = runErr.Error()
	}
	if err := st.FinishJob(jobID, status, exitCode(runErr), reason); err != nil {
		common.Logger.WithError(err).WithField("job_id", jobID).Warn("Failed to record job result")
	}
}
