package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/splitter"
	"oiat.dev/store"
	"oiat.dev/transform"
	"oiat.dev/uploader"
)

// UploadEngine is the slice of the uploader the orchestrator drives.
type UploadEngine interface {
	Upload(ctx context.Context, normalizedFile string, cfg *config.CompanyConfig, targetDate string, opts uploader.Options) (*uploader.Result, error)
	Reconcile(ctx context.Context, fromDate, toDate string, sourceTotal float64, attempted int, tolerance float64) (*uploader.Reconciliation, error)
}

// ArtifactStore is the slice of the portal store the orchestrator needs.
// A nil store disables artifact persistence and cancel polling (one-shot
// CLI runs outside the dispatcher).
type ArtifactStore interface {
	SaveArtifact(a *store.RunArtifact) error
	CancelRequested(jobID string) (bool, error)
}

// Request describes one orchestrated run.
type Request struct {
	Company  *config.CompanyConfig
	FromDate string // YYYY-MM-DD
	ToDate   string // YYYY-MM-DD; equal to FromDate in single-date mode

	JobID        string // empty outside the dispatcher
	SkipDownload bool
	DryRun       bool
	BypassInventoryStartDate bool
}

// DateReport is the outcome of one date of a run.
type DateReport struct {
	Date           string                  `json:"date"`
	Stats          transform.Stats         `json:"stats"`
	Upload         *uploader.Result        `json:"upload,omitempty"`
	Reconciliation *uploader.Reconciliation `json:"reconciliation,omitempty"`
	Archived       bool                    `json:"archived"`
}

// Report is the outcome of a whole run.
type Report struct {
	Tenant    string       `json:"tenant"`
	FromDate  string       `json:"from_date"`
	ToDate    string       `json:"to_date"`
	Dates     []DateReport `json:"dates"`
	SpillRows int          `json:"spill_rows"`
}

// Orchestrator wires the phases together for one tenant.
type Orchestrator struct {
	paths      config.PathsConfig
	downloader Downloader
	transform  transform.Transformer
	engine     UploadEngine
	artifacts  ArtifactStore
	sink       Sink
	log        *common.ContextLogger
}

// New builds an orchestrator. downloader may be nil when every run will
// use --skip-download; artifacts and sink may be nil.
func New(paths config.PathsConfig, downloader Downloader, tr transform.Transformer, engine UploadEngine, artifacts ArtifactStore, sink Sink, log *common.ContextLogger) *Orchestrator {
	if tr == nil {
		tr = transform.NewGroupingTransformer()
	}
	if log == nil {
		log = common.ServiceLogger("oiat", "pipeline")
	}
	return &Orchestrator{
		paths:      paths,
		downloader: downloader,
		transform:  tr,
		engine:     engine,
		artifacts:  artifacts,
		sink:       sink,
		log:        log,
	}
}

// Run executes the full pipeline for req. Completed dates stay archived
// even when a later date fails.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	cfg := req.Company
	tenant := cfg.CompanyKey
	em := &emitter{tenant: tenant, log: o.log.WithField("tenant", tenant), sink: o.sink}

	dates, err := datesBetween(req.FromDate, req.ToDate)
	if err != nil {
		return nil, common.WithKind(common.KindConfig, err)
	}
	scope := req.FromDate
	if req.ToDate != req.FromDate {
		scope = req.FromDate + ".." + req.ToDate
	}
	em.emit(ctx, EventPipelineStarted, "", PhaseStart, map[string]interface{}{"scope": scope})

	report := &Report{Tenant: tenant, FromDate: req.FromDate, ToDate: req.ToDate}
	logDone := common.LogDuration(o.log.WithField("tenant", tenant), "pipeline_run")
	runErr := o.run(ctx, req, dates, em, report)
	if runErr != nil {
		phase := PhaseFailed
		if errors.Is(runErr, ErrCancelled) {
			phase = PhaseCancelled
		}
		em.emit(ctx, EventPipelineFailed, "", phase, map[string]interface{}{
			"reason": common.Truncate(runErr.Error(), 200),
		})
		return report, runErr
	}
	em.emit(ctx, EventPipelineSucceeded, "", PhaseDone, map[string]interface{}{
		"dates": len(report.Dates),
	})
	logDone()
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, dates []string, em *emitter, report *Report) error {
	cfg := req.Company
	tenant := cfg.CompanyKey
	stagingDir := o.paths.StagingDir(tenant, req.FromDate, req.ToDate)
	spillDir := o.paths.SpillDir(tenant)

	// DOWNLOAD, or the skip-download edge reusing prior split files
	rawFile := ""
	if req.SkipDownload {
		if !hasSplitFiles(stagingDir) {
			return common.Kindf(common.KindConfig,
				"--skip-download requested but %s has no split files", stagingDir)
		}
		o.log.WithField("staging", stagingDir).Info("Skipping download; reusing existing split files")
	} else {
		if err := o.checkCancel(ctx, req.JobID); err != nil {
			return err
		}
		if o.downloader == nil {
			return common.Kindf(common.KindConfig, "no downloader configured; use --skip-download")
		}
		err := common.LogOperation(o.log.WithField("tenant", tenant), "download", func() error {
			var ferr error
			rawFile, ferr = o.downloader.Fetch(ctx, cfg, req.FromDate, req.ToDate)
			return ferr
		})
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}

		// SPLIT
		loc, err := cfg.Location()
		if err != nil {
			return common.WithKind(common.KindConfig, err)
		}
		var cutoff *splitter.Cutoff
		if h, m, ok := cfg.TradingDayCutoff(); ok {
			cutoff = &splitter.Cutoff{Hour: h, Minute: m}
		}
		splitRes, err := splitter.SplitByDate(rawFile, splitter.Options{
			Tenant:        tenant,
			Location:      loc,
			Cutoff:        cutoff,
			FromDate:      req.FromDate,
			ToDate:        req.ToDate,
			StagingDir:    stagingDir,
			SpillDir:      spillDir,
			ClearExisting: true,
		})
		if err != nil {
			return fmt.Errorf("split: %w", err)
		}
		for date, rows := range splitRes.SpillRows {
			report.SpillRows += rows
			em.emit(ctx, EventSpillCreated, date, PhaseSplit, map[string]interface{}{"rows": rows})
		}
	}

	// Per-date inner sequence; fail-fast preserves earlier archived dates.
	allArchived := true
	for _, date := range dates {
		if err := o.checkCancel(ctx, req.JobID); err != nil {
			return err
		}
		dr, err := o.runDate(ctx, req, date, rawFile, stagingDir, spillDir, em)
		if dr != nil {
			report.Dates = append(report.Dates, *dr)
			if !dr.Archived {
				allArchived = false
			}
		}
		if err != nil {
			return fmt.Errorf("date %s: %w", date, err)
		}
	}

	if allArchived && !req.DryRun {
		if err := RemoveStaging(stagingDir); err != nil {
			o.log.WithError(err).Warn("Failed to remove staging directory")
		}
	}
	return nil
}

// runDate executes MERGE → TRANSFORM → UPLOAD → ARCHIVE → RECONCILE for
// one date.
func (o *Orchestrator) runDate(ctx context.Context, req Request, date, rawFile, stagingDir, spillDir string, em *emitter) (*DateReport, error) {
	cfg := req.Company
	dr := &DateReport{Date: date}
	dlog := o.log.WithFields(map[string]interface{}{"tenant": cfg.CompanyKey, "date": date})

	splitFile := filepath.Join(stagingDir, "BookKeeping_"+date+".csv")
	spillFile := splitter.SpillPath(spillDir, date)
	combinedFile := ""

	// MERGE
	inputFile := splitFile
	if fileExists(spillFile) {
		if fileExists(splitFile) {
			combinedFile = filepath.Join(stagingDir, "BookKeeping_combined_"+date+".csv")
			targetRows, spillRows, finalRows, err := splitter.MergeSpill(splitFile, spillFile, combinedFile)
			if err != nil {
				return dr, err
			}
			inputFile = combinedFile
			em.emit(ctx, EventSpillMerged, date, PhaseMerge, map[string]interface{}{
				"target_rows": targetRows,
				"spill_rows":  spillRows,
				"final_rows":  finalRows,
			})
		} else {
			// Spill-only date: the retained rows are the whole input
			inputFile = spillFile
			dlog.Info("No split file for date; uploading retained spill rows")
		}
	}

	// Zero-activity date: nothing downloaded, nothing spilled
	if !fileExists(inputFile) {
		dlog.Info("No rows for date; recording zero-activity artifact")
		rec, err := o.engine.Reconcile(ctx, date, date, 0, 0, cfg.QBO.ReconcileTolerance)
		if err != nil {
			return dr, err
		}
		dr.Reconciliation = rec
		dr.Archived = true
		o.saveArtifact(req, date, dr, dlog)
		return dr, nil
	}

	// TRANSFORM
	var normalized string
	var stats transform.Stats
	if err := common.LogOperation(dlog, "transform", func() error {
		var terr error
		normalized, stats, terr = o.transform.Transform(ctx, inputFile, cfg, date)
		return terr
	}); err != nil {
		return dr, fmt.Errorf("transform: %w", err)
	}
	dr.Stats = stats

	// UPLOAD
	if err := o.checkCancel(ctx, req.JobID); err != nil {
		return dr, err
	}
	opts := uploader.Options{
		DryRun:                   req.DryRun,
		BypassInventoryStartDate: req.BypassInventoryStartDate,
		TradingDayMode:           cfg.TradingDay != nil && cfg.TradingDay.Enabled,
		OpsRoot:                  o.paths.OpsRoot,
	}
	var result *uploader.Result
	if err := common.LogOperation(dlog, "upload", func() error {
		var uerr error
		result, uerr = o.engine.Upload(ctx, normalized, cfg, date, opts)
		if result != nil {
			// Partial results still feed the report on failure
			dr.Upload = result
		}
		return uerr
	}); err != nil {
		return dr, fmt.Errorf("upload: %w", err)
	}
	em.emit(ctx, EventUploadSummary, date, PhaseUpload, map[string]interface{}{
		"attempted":    result.Attempted,
		"created":      result.Created,
		"skipped":      result.SkippedDup,
		"failed":       result.Failed,
		"source_total": result.SourceTotal,
	})

	if req.DryRun {
		dlog.Info("Dry run: skipping archive and reconcile")
		return dr, nil
	}

	// ARCHIVE; a failure here is a warning, the upload already happened
	set := ArchiveSet{
		SplitFile:    splitFile,
		CombinedFile: combinedFile,
		SpillFile:    spillFile,
		Normalized:   normalized,
		MetadataFile: transform.MetadataPath(inputFile, cfg),
	}
	if date == req.ToDate {
		set.Original = rawFile
	}
	if err := ArchiveDate(o.paths.ArchiveDir, date, set, dlog); err != nil {
		dlog.WithError(err).Warn("Archive failed; staging left in place")
	} else {
		dr.Archived = true
	}

	// RECONCILE
	rec, err := o.engine.Reconcile(ctx, date, date, result.SourceTotal, result.Attempted, cfg.QBO.ReconcileTolerance)
	if err != nil {
		return dr, fmt.Errorf("reconcile: %w", err)
	}
	dr.Reconciliation = rec
	em.emit(ctx, EventReconcile, date, PhaseReconcile, map[string]interface{}{
		"status":       rec.Status,
		"source_total": rec.SourceTotal,
		"remote_total": rec.RemoteTotal,
		"diff":         rec.Diff,
	})

	o.saveArtifact(req, date, dr, dlog)
	return dr, nil
}

// saveArtifact persists the per-date outcome, superseding any prior
// artifact for the same tenant and date.
func (o *Orchestrator) saveArtifact(req Request, date string, dr *DateReport, log *common.ContextLogger) {
	if o.artifacts == nil || req.DryRun {
		return
	}
	a := &store.RunArtifact{
		JobID:           req.JobID,
		Tenant:          req.Company.CompanyKey,
		TargetDate:      date,
		RowsIn:          dr.Stats.RowsTotal,
		ReconcileStatus: store.ReconcileNotRun,
		ProcessedAt:     time.Now(),
	}
	if dr.Upload != nil {
		a.DocsCreated = dr.Upload.Created
		a.DocsSkipped = dr.Upload.SkippedDup
		a.DocsFailed = dr.Upload.Failed
		a.SourceTotal = dr.Upload.SourceTotal
	}
	if dr.Reconciliation != nil {
		a.ReconcileStatus = dr.Reconciliation.Status
		a.RemoteTotal = dr.Reconciliation.RemoteTotal
		a.Diff = dr.Reconciliation.Diff
	}
	if err := o.artifacts.SaveArtifact(a); err != nil {
		log.WithError(err).Error("Failed to persist run artifact")
	}
}

// checkCancel is the per-phase cancellation point: context first, then
// the job's cancel flag when running under the dispatcher.
func (o *Orchestrator) checkCancel(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	if o.artifacts == nil || jobID == "" {
		return nil
	}
	cancelled, err := o.artifacts.CancelRequested(jobID)
	if err != nil {
		o.log.WithError(err).Warn("Cancel flag check failed")
		return nil
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

func datesBetween(from, to string) ([]string, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, fmt.Errorf("invalid from date %q", from)
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return nil, fmt.Errorf("invalid to date %q", to)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("date range %s..%s is inverted", from, to)
	}
	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func hasSplitFiles(stagingDir string) bool {
	matches, err := filepath.Glob(filepath.Join(stagingDir, "BookKeeping_*.csv"))
	return err == nil && len(matches) > 0
}
