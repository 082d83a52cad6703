package transform

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oiat.dev/config"
)

var rawHeader = []string{
	"Customer Full Name", "Location Name", "Quantity", "Product", "Category",
	"Date/Time", "TOTAL Sales", "Tender", "Tax",
}

func rawRow(ts, location, product, tender, amount string) []string {
	return []string{"Walk-in", location, "1", product, "Drinks", ts, amount, tender, "0"}
}

func testCompany() *config.CompanyConfig {
	return &config.CompanyConfig{
		CompanyKey: "demo_cafe",
		Timezone:   "Africa/Lagos",
		QBO: config.QBOSection{
			DepositAccount: "Undeposited Funds",
			TaxMode:        config.TaxModeVATInclusive,
		},
		Transform: config.TransformSection{
			GroupBy:             []string{"date", "location", "tender"},
			ReceiptPrefix:       "SR",
			ReceiptNumberFormat: "date_location_sequence",
			LocationMapping:     map[string]string{"MAIN RESTAURANT": "MAIN"},
		},
		Output: config.OutputSection{CSVPrefix: "gp_sales_receipts"},
	}
}

func writeRaw(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "BookKeeping_2025-12-27.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll(rows))
	w.Flush()
	require.NoError(t, f.Close())
	return path
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

// TestTransform_GroupsAndNumbers tests grouping and document numbering
func TestTransform_GroupsAndNumbers(t *testing.T) {
	raw := writeRaw(t, [][]string{
		rawHeader,
		rawRow("27/12/2025 10:00:00", "Main Restaurant", "Espresso", "Cash", "1500"),
		rawRow("27/12/2025 11:00:00", "Main Restaurant", "Latte", "Cash", "2500"),
		rawRow("27/12/2025 12:00:00", "Main Restaurant", "Tea", "Card", "1000"),
	})

	out, stats, err := NewGroupingTransformer().Transform(context.Background(), raw, testCompany(), "2025-12-27")
	require.NoError(t, err)

	assert.Equal(t, 3, stats.RowsTotal)
	assert.Equal(t, 3, stats.RowsKept)
	assert.Equal(t, 2, stats.Documents, "cash and card form separate documents")
	assert.InDelta(t, 5000.0, stats.SourceTotal, 0.001)

	rows := readCSV(t, out)
	require.Len(t, rows, 4)
	assert.Equal(t, OutputColumns, rows[0])

	// Same (date, location, tender) shares one document number
	assert.Equal(t, "SR-20251227-MAIN-0001", rows[1][0])
	assert.Equal(t, "SR-20251227-MAIN-0001", rows[2][0])
	assert.Equal(t, "SR-20251227-MAIN-0002", rows[3][0])

	assert.Equal(t, "Undeposited Funds", rows[1][3])
	assert.Equal(t, "1500.00", rows[1][10])
}

// TestTransform_DateTenderGrouping tests the simpler grouping key
func TestTransform_DateTenderGrouping(t *testing.T) {
	cfg := testCompany()
	cfg.Transform.GroupBy = []string{"date", "tender"}
	cfg.Transform.ReceiptNumberFormat = "date_sequence"

	raw := writeRaw(t, [][]string{
		rawHeader,
		rawRow("27/12/2025 10:00:00", "Main Restaurant", "Espresso", "Cash", "1500"),
		rawRow("27/12/2025 11:00:00", "Club", "Latte", "Cash", "2500"),
	})

	out, stats, err := NewGroupingTransformer().Transform(context.Background(), raw, cfg, "2025-12-27")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents, "location is ignored by date+tender grouping")

	rows := readCSV(t, out)
	assert.Equal(t, "SR-20251227-0001", rows[1][0])
	assert.Equal(t, "SR-20251227-0001", rows[2][0])
}

// TestTransform_NonTargetRowsDropped tests defensive date filtering
func TestTransform_NonTargetRowsDropped(t *testing.T) {
	raw := writeRaw(t, [][]string{
		rawHeader,
		rawRow("27/12/2025 10:00:00", "Club", "Espresso", "Cash", "1500"),
		rawRow("28/12/2025 10:00:00", "Club", "Latte", "Cash", "2500"),
		rawRow("", "Club", "Undated", "Cash", "100"),
	})

	_, stats, err := NewGroupingTransformer().Transform(context.Background(), raw, testCompany(), "2025-12-27")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.RowsTotal)
	assert.Equal(t, 1, stats.RowsKept)
	assert.Equal(t, 1, stats.RowsNonTarget)
	assert.Equal(t, 1, stats.RowsNoDate)
	assert.Equal(t, []string{"2025-12-27", "2025-12-28"}, stats.DatesPresent)
}

// TestTransform_TaxCodes tests VAT-inclusive tax code inference
func TestTransform_TaxCodes(t *testing.T) {
	tests := []struct {
		name     string
		product  string
		expected string
	}{
		{"RegularProduct", "Espresso", "Sales Tax"},
		{"DeliveryFee", "Delivery Fee", "No VAT"},
		{"TakeawayPack", "Pack (small)", "No VAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := writeRaw(t, [][]string{
				rawHeader,
				rawRow("27/12/2025 10:00:00", "Club", tt.product, "Cash", "100"),
			})
			out, _, err := NewGroupingTransformer().Transform(context.Background(), raw, testCompany(), "2025-12-27")
			require.NoError(t, err)
			rows := readCSV(t, out)
			assert.Equal(t, tt.expected, rows[1][11])
		})
	}
}

// TestTransform_MetadataSidecar tests the archived metadata file
func TestTransform_MetadataSidecar(t *testing.T) {
	cfg := testCompany()
	raw := writeRaw(t, [][]string{
		rawHeader,
		rawRow("27/12/2025 10:00:00", "Club", "Espresso", "Cash", "1500"),
	})

	out, _, err := NewGroupingTransformer().Transform(context.Background(), raw, cfg, "2025-12-27")
	require.NoError(t, err)

	data, err := os.ReadFile(MetadataPath(raw, cfg))
	require.NoError(t, err)

	var meta Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "demo_cafe", meta.CompanyKey)
	assert.Equal(t, "2025-12-27", meta.TargetDate)
	assert.Equal(t, "2025-12-27", meta.NormalizedDate)
	assert.Equal(t, "raw_split", meta.SourceMode)
	assert.Equal(t, []string{filepath.Base(out)}, meta.ProcessedFiles)
	assert.Equal(t, 1, meta.RowsKept)

	ts, err := time.Parse(time.RFC3339, meta.ProcessedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

// TestTransform_EmptyInput tests that a header-only file yields zero counts
func TestTransform_EmptyInput(t *testing.T) {
	raw := writeRaw(t, [][]string{rawHeader})

	out, stats, err := NewGroupingTransformer().Transform(context.Background(), raw, testCompany(), "2025-12-27")
	require.NoError(t, err)
	assert.Zero(t, stats.RowsTotal)
	assert.Zero(t, stats.Documents)

	rows := readCSV(t, out)
	assert.Len(t, rows, 1, "header only")
}

// TestTransform_MissingColumns tests input validation
func TestTransform_MissingColumns(t *testing.T) {
	raw := writeRaw(t, [][]string{
		{"Date/Time", "Product"},
		{"27/12/2025 10:00:00", "Espresso"},
	})

	_, _, err := NewGroupingTransformer().Transform(context.Background(), raw, testCompany(), "2025-12-27")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOTAL Sales")
}

// TestReceiptNumber_LengthClamp tests the 21-character ceiling
func TestReceiptNumber_LengthClamp(t *testing.T) {
	cfg := testCompany()
	cfg.Transform.ReceiptPrefix = "LONGPREFIX"
	ts := time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC)

	no := receiptNumber(cfg, ts, "Main Restaurant", 7)
	assert.LessOrEqual(t, len(no), 21)
	assert.Contains(t, no, "LONGPREFIX-20251227")
}

// TestSanitizeLocation tests the fallback location coder
func TestSanitizeLocation(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"Simple", "Club", "CLUB"},
		{"Truncated", "Restaurant", "REST"},
		{"StopWordsSkipped", "The Lounge", "LOUN"},
		{"Parenthesized", "(VI) Hotel", "HOTE"},
		{"Empty", "", "UNK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeLocation(tt.in))
		})
	}
}
