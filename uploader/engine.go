// Package uploader is the idempotent upload engine. It reads the
// normalized receipt CSV, de-duplicates documents against both the local
// ledger and the remote service, resolves inventory items in one
// prefetch, creates the remaining documents strictly serially, and
// computes the post-run reconciliation arithmetic.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/ledger"
	"oiat.dev/qbo"
)

// DefaultTolerance is the reconciliation tolerance in currency units.
const DefaultTolerance = 1.0

// Reconciliation statuses.
const (
	ReconcileMatch    = "match"
	ReconcileMismatch = "mismatch"
)

// Options tunes one upload invocation.
type Options struct {
	// DryRun plans the upload without issuing POSTs or ledger writes
	DryRun bool
	// BypassInventoryStartDate swaps backdated inventory lines to the
	// fallback service item
	BypassInventoryStartDate bool
	// TradingDayMode adds the expected transaction date to the remote
	// existence check
	TradingDayMode bool
	// OpsRoot anchors relative paths such as the product mapping file
	OpsRoot string
	// Now overrides the clock (tests)
	Now time.Time
}

// Reconciliation is the totals comparison attached to the run artifact.
type Reconciliation struct {
	Status      string  `json:"status"`
	SourceTotal float64 `json:"source_total"`
	RemoteTotal float64 `json:"remote_total"`
	Diff        float64 `json:"diff"`
	Tolerance   float64 `json:"tolerance"`
}

// Result reports what one upload invocation did.
type Result struct {
	Attempted   int      `json:"attempted"`
	SkippedDup  int      `json:"skipped_dup"`
	Created     int      `json:"created"`
	Failed      int      `json:"failed"`
	CreatedDocs []string `json:"created_docs,omitempty"`
	PlannedDocs []string `json:"planned_docs,omitempty"`
	HealedDocs  []string `json:"healed_docs,omitempty"`
	SourceTotal float64  `json:"source_total"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Engine uploads normalized receipt CSVs for one tenant.
type Engine struct {
	client *qbo.Client
	ledger *ledger.Ledger
	log    *logrus.Entry
}

// NewEngine returns an engine bound to a client and a tenant ledger.
func NewEngine(client *qbo.Client, led *ledger.Ledger, log *logrus.Entry) *Engine {
	if log == nil {
		log = common.Logger.WithField("component", "uploader")
	}
	return &Engine{client: client, ledger: led, log: log}
}

// Upload processes the normalized CSV for targetDate. Per-document
// validation failures are recorded and the run continues; network and
// token failures abort immediately.
func (e *Engine) Upload(ctx context.Context, normalizedFile string, cfg *config.CompanyConfig, targetDate string, opts Options) (*Result, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	docs, sourceTotal, err := ReadDocuments(normalizedFile)
	if err != nil {
		return nil, err
	}

	result := &Result{SourceTotal: sourceTotal}
	if len(docs) == 0 {
		e.log.Info("Normalized file has no documents; nothing to upload")
		return result, nil
	}

	docNumbers := make([]string, 0, len(docs))
	for _, d := range docs {
		docNumbers = append(docNumbers, d.DocNumber)
	}

	// Layer A: local ledger
	inLedger, err := e.ledger.Load()
	if err != nil {
		return nil, err
	}

	// Layer B: remote existence, date-constrained in trading-day mode
	txnDate := ""
	if opts.TradingDayMode {
		txnDate = targetDate
	}
	remote, err := e.client.FindReceiptsByDocNumbers(ctx, docNumbers, txnDate)
	if err != nil {
		return nil, err
	}

	// Heal: ledger entries with no remote counterpart get retried
	var ledgerCandidates []string
	foundRemote := map[string]bool{}
	for _, n := range docNumbers {
		if inLedger[n] {
			ledgerCandidates = append(ledgerCandidates, n)
		}
		if _, ok := remote[n]; ok {
			foundRemote[n] = true
		}
	}
	if !opts.DryRun {
		healed, err := e.ledger.HealStale(ledgerCandidates, foundRemote)
		if err != nil {
			return nil, err
		}
		for _, n := range healed {
			e.log.WithField("doc_number", n).Warn("Stale ledger entry: present locally, absent remotely; retrying")
			delete(inLedger, n)
		}
		result.HealedDocs = healed

		// Backfill: exists remotely but missing from the ledger
		var backfill []string
		for _, n := range docNumbers {
			if foundRemote[n] && !inLedger[n] {
				backfill = append(backfill, n)
			}
		}
		if len(backfill) > 0 {
			if err := e.ledger.AddAll(backfill); err != nil {
				return nil, err
			}
		}
	}

	catalog := NewCatalog(e.client)
	mapping := map[string]AccountTriple{}
	if cfg.InventoryEnabled() {
		mapping, err = LoadProductMapping(cfg.ProductMappingFile(opts.OpsRoot))
		if err != nil {
			return nil, common.WithKind(common.KindConfig,
				fmt.Errorf("inventory mode needs the product mapping: %w", err))
		}
	}

	var itemNames []string
	for _, d := range docs {
		for _, l := range d.Lines {
			itemNames = append(itemNames, l.ItemName)
		}
	}
	if err := catalog.Prefetch(ctx, itemNames); err != nil {
		return nil, err
	}
	if !opts.DryRun {
		if err := catalog.EnsureItems(ctx, docs, cfg, mapping, now); err != nil {
			return nil, err
		}
	}

	departments := map[string]string{}
	bypassEnabled := opts.BypassInventoryStartDate && cfg.InventoryEnabled()

	taxCodeID := cfg.QBO.TaxCodeID
	if taxCodeID == "" {
		taxCodeID = "2"
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++

		if inLedger[doc.DocNumber] || foundRemote[doc.DocNumber] {
			result.SkippedDup++
			continue
		}

		lines, err := catalog.ResolveLines(ctx, doc, cfg, bypassEnabled)
		if err != nil {
			return result, err
		}

		deptID, ok := departments[doc.Location]
		if !ok && doc.Location != "" {
			deptID, err = e.client.FindDepartment(ctx, doc.Location)
			if err != nil {
				return result, err
			}
			if deptID == "" {
				e.log.WithField("location", doc.Location).Warn("Location not found remotely; document carries no DepartmentRef")
			}
			departments[doc.Location] = deptID
		}

		payload := buildReceipt(doc, lines, taxCodeID, cfg.TaxRate(), deptID)

		if opts.DryRun {
			result.PlannedDocs = append(result.PlannedDocs, doc.DocNumber)
			continue
		}

		created, err := e.client.CreateSalesReceipt(ctx, payload)
		if err != nil {
			fatal, warning := e.classifyCreateError(err, doc, cfg)
			if fatal {
				return result, err
			}
			result.Failed++
			result.Warnings = append(result.Warnings, warning)
			continue
		}

		if err := e.ledger.Add(doc.DocNumber); err != nil {
			// The document exists remotely now; losing the ledger write
			// compromises idempotence bookkeeping, so abort loudly.
			return result, fmt.Errorf("document %s created but ledger write failed: %w", doc.DocNumber, err)
		}
		result.Created++
		result.CreatedDocs = append(result.CreatedDocs, doc.DocNumber)
		e.log.WithFields(logrus.Fields{
			"doc_number": doc.DocNumber,
			"remote_id":  created.ID,
			"gross":      doc.GrossTotal(),
		}).Info("Sales receipt created")
	}

	if opts.DryRun && len(result.PlannedDocs) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("dry-run: %d document(s) planned, none created", len(result.PlannedDocs)))
	}
	return result, nil
}

// classifyCreateError decides whether a create failure aborts the run.
// Validation faults are per-document; everything else is fatal.
func (e *Engine) classifyCreateError(err error, doc *Document, cfg *config.CompanyConfig) (fatal bool, warning string) {
	kind := common.KindOf(err)
	if kind == common.KindRemoteNetwork || kind == common.KindTokenRefresh {
		return true, ""
	}

	var apiErr *qbo.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message + " " + apiErr.Detail)

		// Duplicate document number: a racing writer beat us; record and move on
		if apiErr.Code == "6140" || strings.Contains(msg, "duplicate document number") {
			if lerr := e.ledger.Add(doc.DocNumber); lerr != nil {
				e.log.WithError(lerr).Warn("Failed to record raced duplicate in ledger")
			}
			return false, fmt.Sprintf("%s: already exists remotely (raced duplicate)", doc.DocNumber)
		}

		if strings.Contains(msg, "quantity on hand") || (strings.Contains(msg, "negative") && strings.Contains(msg, "inventory")) {
			blocked := common.WithKind(common.KindInventoryBlocked, err)
			if cfg.AllowNegativeInventory() {
				e.log.WithError(blocked).WithField("doc_number", doc.DocNumber).
					Warn("Inventory quantity warning tolerated by allow_negative_inventory")
				return false, fmt.Sprintf("%s: inventory quantity warning (tolerated): %s", doc.DocNumber, apiErr.Message)
			}
			return false, fmt.Sprintf(
				"%s: blocked by inventory quantity; enable allow_negative_inventory or restock before %s",
				doc.DocNumber, doc.TxnDate)
		}
	}

	e.log.WithError(err).WithField("doc_number", doc.DocNumber).Error("Document rejected")
	return false, fmt.Sprintf("%s: %s", doc.DocNumber, common.Truncate(err.Error(), 160))
}

// Reconcile compares the source-side total with the remote per-date total.
// A zero-activity run reconciles as a match without a remote query.
func (e *Engine) Reconcile(ctx context.Context, fromDate, toDate string, sourceTotal float64, attempted int, tolerance float64) (*Reconciliation, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if attempted == 0 && sourceTotal == 0 {
		return &Reconciliation{Status: ReconcileMatch, Tolerance: tolerance}, nil
	}

	receipts, err := e.client.ReceiptsForDateRange(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	remoteTotal := 0.0
	for _, r := range receipts {
		remoteTotal += r.TotalAmt
	}

	rec := &Reconciliation{
		SourceTotal: round2(sourceTotal),
		RemoteTotal: round2(remoteTotal),
		Diff:        round2(sourceTotal - remoteTotal),
		Tolerance:   tolerance,
	}
	if abs(rec.Diff) <= tolerance {
		rec.Status = ReconcileMatch
	} else {
		rec.Status = ReconcileMismatch
	}
	return rec, nil
}
