package uploader

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LineRow is one normalized CSV row inside a document.
type LineRow struct {
	ItemName    string
	Description string
	ServiceDate string
	TaxCode     string
	Qty         float64
	GrossAmount float64
	TaxAmount   float64
}

// Document is one sales receipt to create, grouped by document number.
type Document struct {
	DocNumber string
	TxnDate   string // YYYY-MM-DD
	Memo      string
	Location  string
	Lines     []LineRow
}

// GrossTotal sums the tax-inclusive line amounts.
func (d *Document) GrossTotal() float64 {
	total := 0.0
	for _, l := range d.Lines {
		total += l.GrossAmount
	}
	return total
}

// Normalized CSV layouts accepted for receipt dates.
var receiptDateLayouts = []string{"2006-01-02", "02/01/2006", "01/02/2006"}

// ReadDocuments loads the normalized CSV and groups its rows by document
// number, preserving first-appearance order within each document. Returns
// the documents sorted by document number and the source-side gross total.
func ReadDocuments(normalizedFile string) ([]*Document, float64, error) {
	f, err := os.Open(normalizedFile)
	if err != nil {
		return nil, 0, fmt.Errorf("open normalized file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read normalized header: %w", err)
	}

	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	for _, required := range []string{"*SalesReceiptNo", "*SalesReceiptDate", "*ItemAmount"} {
		if _, ok := col[required]; !ok {
			return nil, 0, fmt.Errorf("normalized file missing column %s", required)
		}
	}

	byNumber := map[string]*Document{}
	var order []string
	sourceTotal := 0.0

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read normalized rows: %w", err)
		}

		docNumber := get(row, "*SalesReceiptNo")
		if docNumber == "" {
			continue
		}

		txnDate, err := normalizeReceiptDate(get(row, "*SalesReceiptDate"))
		if err != nil {
			return nil, 0, fmt.Errorf("document %s: %w", docNumber, err)
		}

		doc, ok := byNumber[docNumber]
		if !ok {
			doc = &Document{
				DocNumber: docNumber,
				TxnDate:   txnDate,
				Memo:      get(row, "Memo"),
				Location:  get(row, "Location"),
			}
			byNumber[docNumber] = doc
			order = append(order, docNumber)
		}

		gross := parseFloat(get(row, "*ItemAmount"))
		serviceDate := get(row, "Service Date")
		if serviceDate == "" {
			serviceDate = txnDate
		} else if normalized, err := normalizeReceiptDate(serviceDate); err == nil {
			serviceDate = normalized
		}

		doc.Lines = append(doc.Lines, LineRow{
			ItemName:    get(row, "Item(Product/Service)"),
			Description: firstNonEmpty(get(row, "ItemDescription"), doc.Memo),
			ServiceDate: serviceDate,
			TaxCode:     get(row, "*ItemTaxCode"),
			Qty:         parseQty(get(row, "ItemQuantity")),
			GrossAmount: gross,
			TaxAmount:   parseFloat(get(row, "ItemTaxAmount")),
		})
		sourceTotal += gross
	}

	sort.Strings(order)
	docs := make([]*Document, 0, len(order))
	for _, n := range order {
		docs = append(docs, byNumber[n])
	}
	return docs, sourceTotal, nil
}

func normalizeReceiptDate(value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("empty receipt date")
	}
	for _, layout := range receiptDateLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unparseable receipt date %q", value)
}

func parseFloat(s string) float64 {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseQty defaults missing or non-positive quantities to 1 so unit-price
// derivation never divides by zero.
func parseQty(s string) float64 {
	v := parseFloat(s)
	if v <= 0 {
		return 1
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
