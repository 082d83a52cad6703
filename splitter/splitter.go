// Package splitter assigns the rows of a raw multi-day POS export to
// business dates and writes one staging file per date. Rows dated beyond
// the requested range become spill files retained for later runs; rows
// dated before the range are counted as "past drop" and discarded.
//
// Every input row lands in exactly one of: a split file, a spill file, the
// past-drop counter, or the unparseable-date counter. The sum of those
// always equals the input row count, which the pipeline asserts after
// every split.
package splitter

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"oiat.dev/common"
)

// Timestamp layouts accepted in the raw CSV, tried in order.
var timestampLayouts = []string{
	"02/01/2006 15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"2006-01-02",
}

// Cutoff is the trading-day boundary. A row timestamped at or before the
// cutoff belongs to the previous calendar date.
type Cutoff struct {
	Hour   int
	Minute int
}

// Options controls one split operation.
type Options struct {
	Tenant   string
	Location *time.Location
	Cutoff   *Cutoff // nil disables trading-day mode
	FromDate string  // YYYY-MM-DD, earliest requested target
	ToDate   string  // YYYY-MM-DD, latest requested target
	// StagingDir receives BookKeeping_<date>.csv files for in-range dates
	StagingDir string
	// SpillDir receives BookKeeping_raw_spill_<date>.csv files
	SpillDir string
	// ClearExisting removes leftover split files from a prior attempt so
	// re-runs never append to stale output
	ClearExisting bool
}

// Result reports where every input row went.
type Result struct {
	// DateFiles maps in-range dates to their split file paths
	DateFiles map[string]string
	// DateRows maps in-range dates to row counts
	DateRows map[string]int
	// SpillFiles maps future dates to their spill file paths
	SpillFiles map[string]string
	// SpillRows maps future dates to row counts
	SpillRows map[string]int

	TotalRows   int
	InRangeRows int
	FutureRows  int
	PastRows    int
	NullRows    int
	SummaryRows int

	// PastDates lists the distinct past dates observed, for the log line
	PastDates []string
}

// AssignDate converts a row timestamp to its business date. With a cutoff,
// times at or before the cutoff minute belong to the previous calendar
// date (the cutoff minute itself closes the earlier trading day).
func AssignDate(ts time.Time, loc *time.Location, cutoff *Cutoff) string {
	local := ts.In(loc)
	if cutoff != nil {
		rowMinutes := local.Hour()*60 + local.Minute()
		cutoffMinutes := cutoff.Hour*60 + cutoff.Minute
		if rowMinutes <= cutoffMinutes {
			local = local.AddDate(0, 0, -1)
		}
	}
	return local.Format("2006-01-02")
}

// ParseTimestamp parses a raw CSV timestamp in the business timezone.
func ParseTimestamp(value string, loc *time.Location) (time.Time, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

type dateWriter struct {
	file *os.File
	csv  *csv.Writer
}

// SplitByDate streams the raw CSV at rawFile and distributes its rows per
// the options. The raw file must carry either a "Date/Time" or a "Date"
// column; summary rows (any field equal to "Total:") are dropped so POS
// footer totals never double-count.
func SplitByDate(rawFile string, opts Options) (*Result, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if _, err := time.Parse("2006-01-02", opts.FromDate); err != nil {
		return nil, fmt.Errorf("bad from date %q: %w", opts.FromDate, err)
	}
	if _, err := time.Parse("2006-01-02", opts.ToDate); err != nil {
		return nil, fmt.Errorf("bad to date %q: %w", opts.ToDate, err)
	}

	f, err := os.Open(rawFile)
	if err != nil {
		return nil, fmt.Errorf("open raw csv: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	if opts.ClearExisting {
		if err := clearStaging(opts.StagingDir); err != nil {
			return nil, err
		}
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read raw csv header: %w", err)
	}

	dateIdx := indexOf(header, "Date/Time")
	if dateIdx < 0 {
		dateIdx = indexOf(header, "Date")
	}
	if dateIdx < 0 {
		return nil, fmt.Errorf("raw csv must contain either a Date/Time or a Date column")
	}

	res := &Result{
		DateFiles:  map[string]string{},
		DateRows:   map[string]int{},
		SpillFiles: map[string]string{},
		SpillRows:  map[string]int{},
	}

	splitWriters := map[string]*dateWriter{}
	spillWriters := map[string]*dateWriter{}
	pastDates := map[string]bool{}
	defer func() {
		closeWriters(splitWriters)
		closeWriters(spillWriters)
	}()

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read raw csv: %w", err)
		}

		if isSummaryRow(row) {
			res.SummaryRows++
			continue
		}
		res.TotalRows++

		if dateIdx >= len(row) {
			res.NullRows++
			continue
		}
		ts, ok := ParseTimestamp(row[dateIdx], opts.Location)
		if !ok {
			res.NullRows++
			continue
		}

		date := AssignDate(ts, opts.Location, opts.Cutoff)
		switch {
		case date < opts.FromDate:
			res.PastRows++
			pastDates[date] = true

		case date <= opts.ToDate:
			w, err := openDateWriter(splitWriters, date,
				filepath.Join(opts.StagingDir, "BookKeeping_"+date+".csv"), header)
			if err != nil {
				return nil, err
			}
			if err := w.csv.Write(row); err != nil {
				return nil, fmt.Errorf("write split row: %w", err)
			}
			res.DateFiles[date] = filepath.Join(opts.StagingDir, "BookKeeping_"+date+".csv")
			res.DateRows[date]++
			res.InRangeRows++

		default: // future date, retained as spill
			path := filepath.Join(opts.SpillDir, "BookKeeping_raw_spill_"+date+".csv")
			w, err := openDateWriter(spillWriters, date, path, header)
			if err != nil {
				return nil, err
			}
			if err := w.csv.Write(row); err != nil {
				return nil, fmt.Errorf("write spill row: %w", err)
			}
			res.SpillFiles[date] = path
			res.SpillRows[date]++
			res.FutureRows++
		}
	}

	if err := flushWriters(splitWriters); err != nil {
		return nil, err
	}
	if err := flushWriters(spillWriters); err != nil {
		return nil, err
	}

	for date := range pastDates {
		res.PastDates = append(res.PastDates, date)
	}
	sort.Strings(res.PastDates)

	if got := res.InRangeRows + res.FutureRows + res.PastRows + res.NullRows; got != res.TotalRows {
		return nil, fmt.Errorf("row accounting mismatch: %d assigned of %d input rows", got, res.TotalRows)
	}
	return res, nil
}

// SpillPath returns the canonical spill file path for a tenant and date.
func SpillPath(spillDir, date string) string {
	return filepath.Join(spillDir, "BookKeeping_raw_spill_"+date+".csv")
}

// MergeSpill concatenates the split file for a date with its spill file
// into combinedPath, writing the header exactly once. The spill file is
// left untouched; archival only happens after the date fully succeeds.
func MergeSpill(splitFile, spillFile, combinedPath string) (targetRows, spillRows, finalRows int, err error) {
	out, err := os.Create(combinedPath)
	if err != nil {
		return 0, 0, 0, common.WithKind(common.KindSpillMerge, fmt.Errorf("create combined file: %w", err))
	}
	defer out.Close()

	w := csv.NewWriter(out)

	var header []string
	header, targetRows, err = appendCSV(w, splitFile, nil)
	if err != nil {
		return 0, 0, 0, common.WithKind(common.KindSpillMerge, err)
	}
	_, spillRows, err = appendCSV(w, spillFile, header)
	if err != nil {
		return 0, 0, 0, common.WithKind(common.KindSpillMerge, err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return 0, 0, 0, common.WithKind(common.KindSpillMerge, fmt.Errorf("flush combined file: %w", err))
	}
	return targetRows, spillRows, targetRows + spillRows, nil
}

// appendCSV copies file into w. When wantHeader is nil the file's header is
// written through and returned; otherwise the header must match wantHeader
// and is skipped.
func appendCSV(w *csv.Writer, file string, wantHeader []string) ([]string, int, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", filepath.Base(file), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header of %s: %w", filepath.Base(file), err)
	}

	if wantHeader == nil {
		if err := w.Write(header); err != nil {
			return nil, 0, err
		}
	} else if !equalHeader(header, wantHeader) {
		return nil, 0, fmt.Errorf("header mismatch between split and spill file %s", filepath.Base(file))
	}

	rows := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read %s: %w", filepath.Base(file), err)
		}
		if err := w.Write(row); err != nil {
			return nil, 0, err
		}
		rows++
	}
	return header, rows, nil
}

func openDateWriter(writers map[string]*dateWriter, date, path string, header []string) (*dateWriter, error) {
	if w, ok := writers[date]; ok {
		return w, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := &dateWriter{file: f, csv: csv.NewWriter(f)}
	if err := w.csv.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	writers[date] = w
	return w, nil
}

func flushWriters(writers map[string]*dateWriter) error {
	for _, w := range writers {
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			return err
		}
	}
	return nil
}

func closeWriters(writers map[string]*dateWriter) {
	for _, w := range writers {
		w.csv.Flush()
		w.file.Close()
	}
}

func clearStaging(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "BookKeeping_") || strings.HasPrefix(name, "CombinedRaw_") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func isSummaryRow(row []string) bool {
	for _, field := range row {
		if strings.TrimSpace(field) == "Total:" {
			return true
		}
	}
	return false
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

func equalHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.TrimSpace(a[i]) != strings.TrimSpace(b[i]) {
			return false
		}
	}
	return true
}
