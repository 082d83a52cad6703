// Package transform normalizes single-date raw POS exports into the
// receipt CSV consumed by the upload engine. Transformers are pure: no
// network, no shared state, one invocation per (tenant, date).
package transform

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/splitter"
)

// Raw export columns the transformer requires.
var requiredColumns = []string{
	"Customer Full Name",
	"Location Name",
	"Quantity",
	"Product",
	"Category",
	"Date/Time",
	"TOTAL Sales",
}

// Normalized receipt CSV columns, in output order.
var OutputColumns = []string{
	"*SalesReceiptNo",
	"Customer",
	"*SalesReceiptDate",
	"*DepositAccount",
	"Location",
	"Memo",
	"Item(Product/Service)",
	"ItemDescription",
	"ItemQuantity",
	"ItemRate",
	"*ItemAmount",
	"*ItemTaxCode",
	"ItemTaxAmount",
	"Service Date",
}

// Stats reports what one transform invocation did with its input.
type Stats struct {
	RowsTotal     int      `json:"rows_total"`
	RowsKept      int      `json:"rows_kept"`
	RowsNonTarget int      `json:"rows_non_target"`
	RowsNoDate    int      `json:"rows_no_date"`
	DatesPresent  []string `json:"dates_present"`
	Documents     int      `json:"documents"`
	SourceTotal   float64  `json:"source_total"`
}

// Metadata is the transform_metadata.json sidecar archived with each run.
type Metadata struct {
	RawFile        string   `json:"raw_file"`
	RawFilePath    string   `json:"raw_file_path"`
	ProcessedFiles []string `json:"processed_files"`
	NormalizedDate string   `json:"normalized_date"`
	TargetDate     string   `json:"target_date"`
	RowsTotal      int      `json:"rows_total"`
	RowsKept       int      `json:"rows_kept"`
	RowsNonTarget  int      `json:"rows_non_target"`
	DatesPresent   []string `json:"dates_present"`
	MinDate        string   `json:"min_dt"`
	MaxDate        string   `json:"max_dt"`
	SourceTotal    float64  `json:"source_total"`
	ProcessedAt    string   `json:"processed_at"`
	CompanyKey     string   `json:"company_key"`
	Grouping       []string `json:"grouping"`
	SourceMode     string   `json:"source_mode"`
}

// Transformer converts a single-date raw CSV into the normalized receipt
// CSV. Implementations must be stateless.
type Transformer interface {
	Transform(ctx context.Context, rawFile string, cfg *config.CompanyConfig, targetDate string) (normalizedFile string, stats Stats, err error)
}

// GroupingTransformer is the default Transformer. It assigns each row a
// document number derived from the company's grouping key and receipt
// number format, so identical inputs always yield identical numbering.
type GroupingTransformer struct{}

// NewGroupingTransformer returns the default transformer.
func NewGroupingTransformer() *GroupingTransformer {
	return &GroupingTransformer{}
}

// Transform reads rawFile, keeps rows dated targetDate in the company's
// business timezone, and writes the normalized CSV plus the metadata
// sidecar next to rawFile. Rows for other dates are counted and dropped
// with a warning; the raw-level split should already have excluded them.
func (g *GroupingTransformer) Transform(ctx context.Context, rawFile string, cfg *config.CompanyConfig, targetDate string) (string, Stats, error) {
	if err := ctx.Err(); err != nil {
		return "", Stats{}, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return "", Stats{}, err
	}

	f, err := os.Open(rawFile)
	if err != nil {
		return "", Stats{}, fmt.Errorf("open raw file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return "", Stats{}, fmt.Errorf("read raw header: %w", err)
	}
	cols, err := indexColumns(header)
	if err != nil {
		return "", Stats{}, err
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return "", Stats{}, fmt.Errorf("read raw rows: %w", err)
	}

	stats := Stats{RowsTotal: len(rows)}
	datesPresent := map[string]bool{}
	seq := map[string]int{}
	withLocation := groupsByLocation(cfg.Transform.GroupBy)
	layout := dateLayout(cfg)

	out := [][]string{OutputColumns}
	for _, row := range rows {
		ts, ok := splitter.ParseTimestamp(cols.get(row, "Date/Time"), loc)
		if !ok {
			stats.RowsNoDate++
			continue
		}
		date := ts.In(loc).Format("2006-01-02")
		datesPresent[date] = true
		if targetDate != "" && date != targetDate {
			stats.RowsNonTarget++
			continue
		}

		locationRaw := strings.TrimSpace(cols.get(row, "Location Name"))
		tender := strings.TrimSpace(cols.get(row, "Tender"))
		if tender == "" {
			tender = "UNKNOWN"
		}
		amount := parseAmount(cols.get(row, "TOTAL Sales"))

		var key string
		if withLocation {
			key = ts.Format("20060102") + "|" + locationRaw + "|" + tender
		} else {
			key = ts.Format("20060102") + "|" + tender
		}
		if _, known := seq[key]; !known {
			seq[key] = len(seq) + 1
		}

		receiptNo := receiptNumber(cfg, ts, locationRaw, seq[key])
		dateStr := ts.Format(layout)

		out = append(out, []string{
			receiptNo,
			strings.TrimSpace(cols.get(row, "Customer Full Name")),
			dateStr,
			cfg.QBO.DepositAccount,
			locationRaw,
			tender,
			strings.TrimSpace(cols.get(row, "Product")),
			strings.TrimSpace(cols.get(row, "Category")),
			cols.get(row, "Quantity"),
			"",
			strconv.FormatFloat(amount, 'f', 2, 64),
			taxCode(cfg, cols.get(row, "Product")),
			strconv.FormatFloat(parseAmount(cols.get(row, "Tax")), 'f', 2, 64),
			dateStr,
		})

		stats.RowsKept++
		stats.SourceTotal += amount
	}

	stats.Documents = len(seq)
	for date := range datesPresent {
		stats.DatesPresent = append(stats.DatesPresent, date)
	}
	sort.Strings(stats.DatesPresent)

	if stats.RowsNonTarget > 0 {
		common.Logger.WithFields(map[string]interface{}{
			"tenant":      cfg.CompanyKey,
			"target_date": targetDate,
			"non_target":  stats.RowsNonTarget,
		}).Warn("Raw file contains rows outside the target date; split should have removed them")
	}

	normalizedPath := normalizedPath(rawFile, cfg)
	if err := writeCSV(normalizedPath, out); err != nil {
		return "", stats, err
	}

	if err := writeMetadata(rawFile, normalizedPath, cfg, targetDate, stats); err != nil {
		return "", stats, err
	}
	return normalizedPath, stats, nil
}

// MetadataPath returns where the transform sidecar for rawFile lives.
func MetadataPath(rawFile string, cfg *config.CompanyConfig) string {
	name := cfg.Output.MetadataFile
	if name == "" {
		name = "transform_metadata.json"
	}
	return filepath.Join(filepath.Dir(rawFile), name)
}

func normalizedPath(rawFile string, cfg *config.CompanyConfig) string {
	prefix := cfg.Output.CSVPrefix
	if prefix == "" {
		prefix = "SalesReceipts"
	}
	base := strings.TrimSuffix(filepath.Base(rawFile), filepath.Ext(rawFile))
	return filepath.Join(filepath.Dir(rawFile), prefix+"_"+base+".csv")
}

func writeMetadata(rawFile, normalizedPath string, cfg *config.CompanyConfig, targetDate string, stats Stats) error {
	normalizedDate := targetDate
	if normalizedDate == "" && len(stats.DatesPresent) > 0 {
		normalizedDate = stats.DatesPresent[0]
	}
	minDate, maxDate := "", ""
	if len(stats.DatesPresent) > 0 {
		minDate = stats.DatesPresent[0]
		maxDate = stats.DatesPresent[len(stats.DatesPresent)-1]
	}

	meta := Metadata{
		RawFile:        filepath.Base(rawFile),
		RawFilePath:    rawFile,
		ProcessedFiles: []string{filepath.Base(normalizedPath)},
		NormalizedDate: normalizedDate,
		TargetDate:     targetDate,
		RowsTotal:      stats.RowsTotal,
		RowsKept:       stats.RowsKept,
		RowsNonTarget:  stats.RowsNonTarget,
		DatesPresent:   stats.DatesPresent,
		MinDate:        minDate,
		MaxDate:        maxDate,
		SourceTotal:    stats.SourceTotal,
		ProcessedAt:    time.Now().Format(time.RFC3339),
		CompanyKey:     cfg.CompanyKey,
		Grouping:       cfg.Transform.GroupBy,
		SourceMode:     sourceMode(rawFile),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transform metadata: %w", err)
	}
	if err := os.WriteFile(MetadataPath(rawFile, cfg), data, 0o644); err != nil {
		return fmt.Errorf("write transform metadata: %w", err)
	}
	return nil
}

func sourceMode(rawFile string) string {
	base := filepath.Base(rawFile)
	switch {
	case strings.Contains(base, "_combined_"):
		return "raw_combined"
	case strings.HasPrefix(base, "BookKeeping_"):
		return "raw_split"
	default:
		return "raw_direct"
	}
}

// receiptNumber builds the document number per the company's format,
// clamped to the remote service's 21-character limit.
func receiptNumber(cfg *config.CompanyConfig, ts time.Time, locationRaw string, seq int) string {
	prefix := cfg.Transform.ReceiptPrefix
	if prefix == "" {
		prefix = "SR"
	}
	dateStr := ts.Format("20060102")

	if cfg.Transform.ReceiptNumberFormat != "date_location_sequence" {
		return fmt.Sprintf("%s-%s-%04d", prefix, dateStr, seq)
	}

	code := locationCode(cfg, locationRaw)
	no := fmt.Sprintf("%s-%s-%s-%04d", prefix, dateStr, code, seq)
	if len(no) > 21 {
		maxLoc := 21 - len(fmt.Sprintf("%s-%s--%04d", prefix, dateStr, seq))
		if maxLoc < 1 {
			maxLoc = 1
		}
		if len(code) > maxLoc {
			code = code[:maxLoc]
		}
		no = fmt.Sprintf("%s-%s-%s-%04d", prefix, dateStr, code, seq)
	}
	return no
}

// locationCode resolves the short location code: configured mapping first,
// keyed by the normalized location name, then a generic fallback.
func locationCode(cfg *config.CompanyConfig, locationRaw string) string {
	key := strings.ToUpper(strings.TrimRight(collapseSpaces(locationRaw), ","))
	if code, ok := cfg.Transform.LocationMapping[key]; ok && code != "" {
		return code
	}
	return sanitizeLocation(locationRaw)
}

var parenRe = regexp.MustCompile(`[()]`)
var spaceRe = regexp.MustCompile(`\s+`)

func collapseSpaces(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

var locationStopWords = map[string]bool{
	"THE": true, "AND": true, "OR": true, "OF": true, "IN": true, "AT": true, "ON": true,
}

func sanitizeLocation(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return "UNK"
	}
	for _, word := range strings.Fields(parenRe.ReplaceAllString(name, " ")) {
		if !locationStopWords[word] && len(word) >= 3 {
			if len(word) > 4 {
				return word[:4]
			}
			return word
		}
	}
	return "UNK"
}

func taxCode(cfg *config.CompanyConfig, product string) string {
	name := cfg.QBO.TaxCodeName
	if name == "" {
		name = "Sales Tax"
	}
	switch cfg.TaxMode() {
	case config.TaxModeVATInclusive:
		p := strings.ToLower(product)
		if strings.Contains(p, "delivery") || strings.Contains(p, "pack") {
			return "No VAT"
		}
		return name
	case config.TaxModeNone:
		return "No VAT"
	default:
		return name
	}
}

func parseAmount(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func dateLayout(cfg *config.CompanyConfig) string {
	if cfg.Transform.DateFormat != "" {
		return cfg.Transform.DateFormat
	}
	return "02/01/2006"
}

func groupsByLocation(groupBy []string) bool {
	for _, g := range groupBy {
		if g == "location" {
			return true
		}
	}
	return false
}

type columnIndex map[string]int

func indexColumns(header []string) (columnIndex, error) {
	idx := columnIndex{}
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("raw file missing required column(s): %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

func (c columnIndex) get(row []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
