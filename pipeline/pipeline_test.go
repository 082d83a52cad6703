package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/runlock"
	"oiat.dev/store"
	"oiat.dev/transform"
	"oiat.dev/uploader"
)

func TestPhase_Transitions(t *testing.T) {
	tests := []struct {
		name string
		from Phase
		to   Phase
		ok   bool
	}{
		{"StartToDownload", PhaseStart, PhaseDownload, true},
		{"SkipDownloadEdge", PhaseStart, PhaseSplit, true},
		{"ReconcileToNextDate", PhaseReconcile, PhaseMerge, true},
		{"ReconcileToDone", PhaseReconcile, PhaseDone, true},
		{"UploadCannotSkipArchive", PhaseUpload, PhaseReconcile, false},
		{"NoLeavingDone", PhaseDone, PhaseMerge, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to))
		})
	}

	assert.True(t, PhaseDone.IsTerminal())
	assert.True(t, PhaseFailed.IsTerminal())
	assert.True(t, PhaseCancelled.IsTerminal())
	assert.False(t, PhaseUpload.IsTerminal())
}

func TestDatesBetween(t *testing.T) {
	dates, err := datesBetween("2026-01-30", "2026-02-02")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-30", "2026-01-31", "2026-02-01", "2026-02-02"}, dates)

	dates, err = datesBetween("2026-01-10", "2026-01-10")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-10"}, dates)

	_, err = datesBetween("2026-01-10", "2026-01-09")
	assert.Error(t, err)

	_, err = datesBetween("10/01/2026", "2026-01-10")
	assert.Error(t, err)
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCodeFor(nil))
	assert.Equal(t, ExitBlocked, ExitCodeFor(fmt.Errorf("acquire: %w", runlock.ErrHeld)))
	assert.Equal(t, ExitFailure, ExitCodeFor(errors.New("boom")))
}

func TestArchiveDate(t *testing.T) {
	dir := t.TempDir()
	mk := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("data\n"), 0o644))
		return p
	}

	set := ArchiveSet{
		Original:     mk("export.csv"),
		SplitFile:    mk("BookKeeping_2026-01-10.csv"),
		CombinedFile: mk("BookKeeping_combined_2026-01-10.csv"),
		SpillFile:    mk("BookKeeping_raw_spill_2026-01-10.csv"),
		Normalized:   mk("gp_sales_receipts_export.csv"),
		MetadataFile: mk("transform_metadata.json"),
	}
	archiveRoot := filepath.Join(dir, "Uploaded")
	log := testLogger()

	require.NoError(t, ArchiveDate(archiveRoot, "2026-01-10", set, log))

	dest := filepath.Join(archiveRoot, "2026-01-10")
	for _, want := range []string{
		"ORIGINAL_export.csv",
		"RAW_SPLIT_BookKeeping_2026-01-10.csv",
		"RAW_COMBINED_BookKeeping_combined_2026-01-10.csv",
		"RAW_SPILL_BookKeeping_raw_spill_2026-01-10.csv",
		"gp_sales_receipts_export.csv",
		"transform_metadata.json",
	} {
		assert.FileExists(t, filepath.Join(dest, want))
	}
	// Sources are gone
	assert.NoFileExists(t, set.Original)
	assert.NoFileExists(t, set.SplitFile)

	// Missing entries are skipped, not errors
	require.NoError(t, ArchiveDate(archiveRoot, "2026-01-11", ArchiveSet{Original: filepath.Join(dir, "absent.csv")}, log))
}

// --- orchestrator fixtures ---

type fakeTransformer struct {
	calls []string
	stats transform.Stats
	err   error
}

func (f *fakeTransformer) Transform(_ context.Context, rawFile string, cfg *config.CompanyConfig, targetDate string) (string, transform.Stats, error) {
	f.calls = append(f.calls, rawFile)
	if f.err != nil {
		return "", transform.Stats{}, f.err
	}
	normalized := filepath.Join(filepath.Dir(rawFile), "normalized_"+targetDate+".csv")
	if err := os.WriteFile(normalized, []byte("*SalesReceiptNo\n"), 0o644); err != nil {
		return "", transform.Stats{}, err
	}
	return normalized, f.stats, nil
}

type fakeEngine struct {
	mu         sync.Mutex
	uploads    []string // normalized file per call
	uploadErr  map[string]error
	result     *uploader.Result
	reconciles int
	tolerances []float64
}

func (f *fakeEngine) Upload(_ context.Context, normalizedFile string, _ *config.CompanyConfig, targetDate string, _ uploader.Options) (*uploader.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, normalizedFile)
	if err := f.uploadErr[targetDate]; err != nil {
		return nil, err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &uploader.Result{Attempted: 2, Created: 2, SourceTotal: 4300}, nil
}

func (f *fakeEngine) Reconcile(_ context.Context, _, _ string, sourceTotal float64, attempted int, tolerance float64) (*uploader.Reconciliation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	f.tolerances = append(f.tolerances, tolerance)
	return &uploader.Reconciliation{
		Status:      uploader.ReconcileMatch,
		SourceTotal: sourceTotal,
		RemoteTotal: sourceTotal,
		Tolerance:   uploader.DefaultTolerance,
	}, nil
}

type fakeArtifacts struct {
	mu        sync.Mutex
	saved     []*store.RunArtifact
	cancelled bool
}

func (f *fakeArtifacts) SaveArtifact(a *store.RunArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, a)
	return nil
}

func (f *fakeArtifacts) CancelRequested(string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled, nil
}

func testLogger() *common.ContextLogger {
	return common.ServiceLogger("oiat-test", "pipeline")
}

func testPaths(t *testing.T) config.PathsConfig {
	root := t.TempDir()
	return config.PathsConfig{
		OpsRoot:      root,
		CompaniesDir: filepath.Join(root, "companies"),
		UploadsDir:   filepath.Join(root, "uploads"),
		ArchiveDir:   filepath.Join(root, "Uploaded"),
		RuntimeDir:   filepath.Join(root, "runtime"),
		LogsDir:      filepath.Join(root, "logs"),
	}
}

func testCompany() *config.CompanyConfig {
	return &config.CompanyConfig{
		CompanyKey: "demo_cafe",
		Timezone:   "Africa/Lagos",
		QBO:        config.QBOSection{RealmID: "12345", Environment: "sandbox", TaxMode: config.TaxModeVATInclusive},
		Transform:  config.TransformSection{GroupBy: []string{"date", "tender"}, ReceiptPrefix: "SR"},
		Output:     config.OutputSection{CSVPrefix: "gp_sales_receipts"},
	}
}

func writeSplitFile(t *testing.T, paths config.PathsConfig, tenant, from, to, date string) string {
	t.Helper()
	staging := paths.StagingDir(tenant, from, to)
	require.NoError(t, os.MkdirAll(staging, 0o755))
	p := filepath.Join(staging, "BookKeeping_"+date+".csv")
	require.NoError(t, os.WriteFile(p, []byte("Date/Time,TOTAL Sales\n10/01/2026 12:00:00,100\n"), 0o644))
	return p
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

func TestOrchestrator_SkipDownloadSingleDate(t *testing.T) {
	paths := testPaths(t)
	cfg := testCompany()
	writeSplitFile(t, paths, cfg.CompanyKey, "2026-01-10", "2026-01-10", "2026-01-10")

	tr := &fakeTransformer{stats: transform.Stats{RowsTotal: 5, RowsKept: 5, Documents: 2, SourceTotal: 4300}}
	engine := &fakeEngine{}
	artifacts := &fakeArtifacts{}
	rec := &eventRecorder{}

	o := New(paths, nil, tr, engine, artifacts, rec, testLogger())
	report, err := o.Run(context.Background(), Request{
		Company:      cfg,
		FromDate:     "2026-01-10",
		ToDate:       "2026-01-10",
		JobID:        "job-1",
		SkipDownload: true,
	})
	require.NoError(t, err)
	require.Len(t, report.Dates, 1)
	assert.True(t, report.Dates[0].Archived)

	assert.Equal(t, []string{EventPipelineStarted, EventUploadSummary, EventReconcile, EventPipelineSucceeded}, rec.names())

	require.Len(t, artifacts.saved, 1)
	a := artifacts.saved[0]
	assert.Equal(t, "job-1", a.JobID)
	assert.Equal(t, "2026-01-10", a.TargetDate)
	assert.Equal(t, 2, a.DocsCreated)
	assert.Equal(t, store.ReconcileMatch, a.ReconcileStatus)
	assert.Equal(t, 5, a.RowsIn)

	// Split file archived with its prefix, staging removed
	assert.FileExists(t, filepath.Join(paths.ArchiveDir, "2026-01-10", "RAW_SPLIT_BookKeeping_2026-01-10.csv"))
	assert.NoDirExists(t, paths.StagingDir(cfg.CompanyKey, "2026-01-10", "2026-01-10"))
}

func TestOrchestrator_SpillMerge(t *testing.T) {
	paths := testPaths(t)
	cfg := testCompany()
	writeSplitFile(t, paths, cfg.CompanyKey, "2026-01-10", "2026-01-10", "2026-01-10")

	spillDir := paths.SpillDir(cfg.CompanyKey)
	require.NoError(t, os.MkdirAll(spillDir, 0o755))
	spill := filepath.Join(spillDir, "BookKeeping_raw_spill_2026-01-10.csv")
	require.NoError(t, os.WriteFile(spill, []byte("Date/Time,TOTAL Sales\n10/01/2026 23:30:00,50\n"), 0o644))

	tr := &fakeTransformer{stats: transform.Stats{RowsTotal: 2}}
	engine := &fakeEngine{}
	rec := &eventRecorder{}

	o := New(paths, nil, tr, engine, &fakeArtifacts{}, rec, testLogger())
	_, err := o.Run(context.Background(), Request{
		Company: cfg, FromDate: "2026-01-10", ToDate: "2026-01-10", SkipDownload: true,
	})
	require.NoError(t, err)

	assert.Contains(t, rec.names(), EventSpillMerged)
	// The transformer consumed the combined file, not the bare split
	require.Len(t, tr.calls, 1)
	assert.Contains(t, tr.calls[0], "BookKeeping_combined_2026-01-10.csv")
	// Merged spill archived
	assert.FileExists(t, filepath.Join(paths.ArchiveDir, "2026-01-10", "RAW_SPILL_BookKeeping_raw_spill_2026-01-10.csv"))
}

func TestOrchestrator_ZeroActivityDate(t *testing.T) {
	paths := testPaths(t)
	cfg := testCompany()
	// Range covers two dates, split rows exist only for the first
	writeSplitFile(t, paths, cfg.CompanyKey, "2026-01-10", "2026-01-11", "2026-01-10")

	tr := &fakeTransformer{stats: transform.Stats{RowsTotal: 1}}
	engine := &fakeEngine{}
	artifacts := &fakeArtifacts{}

	o := New(paths, nil, tr, engine, artifacts, nil, testLogger())
	report, err := o.Run(context.Background(), Request{
		Company: cfg, FromDate: "2026-01-10", ToDate: "2026-01-11", SkipDownload: true,
	})
	require.NoError(t, err)
	require.Len(t, report.Dates, 2)

	// Only the first date was transformed and uploaded
	assert.Len(t, tr.calls, 1)
	assert.Len(t, engine.uploads, 1)

	require.Len(t, artifacts.saved, 2)
	zero := artifacts.saved[1]
	assert.Equal(t, "2026-01-11", zero.TargetDate)
	assert.Equal(t, 0, zero.DocsCreated)
	assert.Equal(t, store.ReconcileMatch, zero.ReconcileStatus)
}

func TestOrchestrator_ReconcileUsesCompanyTolerance(t *testing.T) {
	paths := testPaths(t)
	cfg := testCompany()
	cfg.QBO.ReconcileTolerance = 2.5
	// Second date has no rows, so both reconcile paths are exercised
	writeSplitFile(t, paths, cfg.CompanyKey, "2026-01-10", "2026-01-11", "2026-01-10")

	tr := &fakeTransformer{stats: transform.Stats{RowsTotal: 1}}
	engine := &fakeEngine{}

	o := New(paths, nil, tr, engine, &fakeArtifacts{}, nil, testLogger())
	_, err := o.Run(context.Background(), Request{
		Company: cfg, FromDate: "2026-01-10", ToDate: "2026-01-11", SkipDownload: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []float64{2.5, 2.5}, engine.tolerances)
}

func TestOrchestrator_FailureKeepsEarlierDates(t *testing.T) {
	paths := testPaths(t)
	cfg := testCompany()
	writeSplitFile(t, paths, cfg.CompanyKey, "2026-01-10", "2026-01-11", "2026-01-10")
	writeSplitFile(t, paths, cfg.CompanyKey, "2026-01-10", "2026-01-11", "2026-01-11")

	tr := &fakeTransformer{stats: transform.Stats{RowsTotal: 1}}
	engine := &fakeEngine{uploadErr: map[string]error{"2026-01-11": errors.New("remote exploded")}}
	rec := &eventRecorder{}

	o := New(paths, nil, tr, engine, &fakeArtifacts{}, rec, testLogger())
	report, err := o.Run(context.Background(), Request{
		Company: cfg, FromDate: "2026-01-10", ToDate: "2026-01-11", SkipDownload: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2026-01-11")

	// First date completed and stayed archived
	require.NotEmpty(t, report.Dates)
	assert.True(t, report.Dates[0].Archived)
	assert.FileExists(t, filepath.Join(paths.ArchiveDir, "2026-01-10", "RAW_SPLIT_BookKeeping_2026-01-10.csv"))
	// Second date's staging preserved for forensics
	assert.FileExists(t, filepath.Join(paths.StagingDir(cfg.CompanyKey, "2026-01-10", "2026-01-11"), "BookKeeping_2026-01-11.csv"))

	assert.Contains(t, rec.names(), EventPipelineFailed)
	assert.NotContains(t, rec.names(), EventPipelineSucceeded)
}

func TestOrchestrator_CancelRequested(t *testing.T) {
	paths := testPaths(t)
	cfg := testCompany()
	writeSplitFile(t, paths, cfg.CompanyKey, "2026-01-10", "2026-01-10", "2026-01-10")

	artifacts := &fakeArtifacts{cancelled: true}
	o := New(paths, nil, &fakeTransformer{}, &fakeEngine{}, artifacts, nil, testLogger())
	_, err := o.Run(context.Background(), Request{
		Company: cfg, FromDate: "2026-01-10", ToDate: "2026-01-10",
		JobID: "job-9", SkipDownload: true,
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, artifacts.saved)
}

func TestOrchestrator_DryRunSkipsArchiveAndArtifacts(t *testing.T) {
	paths := testPaths(t)
	cfg := testCompany()
	split := writeSplitFile(t, paths, cfg.CompanyKey, "2026-01-10", "2026-01-10", "2026-01-10")

	artifacts := &fakeArtifacts{}
	engine := &fakeEngine{}
	o := New(paths, nil, &fakeTransformer{}, engine, artifacts, nil, testLogger())
	report, err := o.Run(context.Background(), Request{
		Company: cfg, FromDate: "2026-01-10", ToDate: "2026-01-10",
		SkipDownload: true, DryRun: true,
	})
	require.NoError(t, err)
	require.Len(t, report.Dates, 1)

	assert.Empty(t, artifacts.saved)
	assert.Equal(t, 0, engine.reconciles)
	assert.FileExists(t, split)
	assert.NoDirExists(t, filepath.Join(paths.ArchiveDir, "2026-01-10"))
}

func TestOrchestrator_SkipDownloadRequiresSplitFiles(t *testing.T) {
	paths := testPaths(t)
	o := New(paths, nil, &fakeTransformer{}, &fakeEngine{}, nil, nil, testLogger())
	_, err := o.Run(context.Background(), Request{
		Company: testCompany(), FromDate: "2026-01-10", ToDate: "2026-01-10", SkipDownload: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skip-download")
}

func TestCommandDownloader(t *testing.T) {
	downloadDir := t.TempDir()
	cfg := testCompany()
	cfg.EPOS = config.EPOSSection{
		UsernameEnvKey: "EPOS_USERNAME_DEMO",
		PasswordEnvKey: "EPOS_PASSWORD_DEMO",
		DownloadDir:    downloadDir,
		FetchCommand:   `printf 'Date/Time,TOTAL Sales\n' > "$EPOS_DOWNLOAD_DIR/export_$EPOS_FROM_DATE.csv"`,
	}
	t.Setenv("EPOS_USERNAME_DEMO", "user")
	t.Setenv("EPOS_PASSWORD_DEMO", "secret")

	d := &CommandDownloader{Timeout: 30 * time.Second}
	raw, err := d.Fetch(context.Background(), cfg, "2026-01-10", "2026-01-10")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(raw, "export_2026-01-10.csv"))
	assert.FileExists(t, raw)
}

func TestCommandDownloader_FailedCommand(t *testing.T) {
	cfg := testCompany()
	cfg.EPOS = config.EPOSSection{
		UsernameEnvKey: "EPOS_USERNAME_DEMO",
		PasswordEnvKey: "EPOS_PASSWORD_DEMO",
		DownloadDir:    t.TempDir(),
		FetchCommand:   "exit 7",
	}
	t.Setenv("EPOS_USERNAME_DEMO", "user")
	t.Setenv("EPOS_PASSWORD_DEMO", "secret")

	d := &CommandDownloader{}
	_, err := d.Fetch(context.Background(), cfg, "2026-01-10", "2026-01-10")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 7, cmdErr.Code)
}

func TestCommandDownloader_MissingConfig(t *testing.T) {
	cfg := testCompany()
	d := &CommandDownloader{}
	_, err := d.Fetch(context.Background(), cfg, "2026-01-10", "2026-01-10")
	require.Error(t, err)
}
