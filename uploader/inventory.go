package uploader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/qbo"
)

// prefetchParallelism bounds concurrent read batches against the remote
// service; writes stay strictly serial.
const prefetchParallelism = 4

// prefetchBatchSize is the number of item names per lookup query.
const prefetchBatchSize = 50

// priceDriftThreshold is the currency drift beyond which inline sync
// patches an item's price.
const priceDriftThreshold = 0.01

// fallbackItemID is the generic item used when a line's product cannot be
// resolved or created.
const fallbackItemID = "1"

// bypassItemName is the service item that absorbs backdated inventory
// lines when the bypass is enabled.
const bypassItemName = "Backdated Sales"

// AccountTriple is the income/asset/COGS account set for inventory items
// of one product category.
type AccountTriple struct {
	IncomeAccountID  string
	AssetAccountID   string
	ExpenseAccountID string
}

// LoadProductMapping reads the category → account mapping CSV. Expected
// columns: Category, IncomeAccountID, AssetAccountID, ExpenseAccountID.
func LoadProductMapping(path string) (map[string]AccountTriple, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open product mapping: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read product mapping: %w", err)
	}
	if len(rows) == 0 {
		return map[string]AccountTriple{}, nil
	}

	col := map[string]int{}
	for i, h := range rows[0] {
		col[strings.TrimSpace(h)] = i
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	if _, ok := col["Category"]; !ok {
		return nil, common.Kindf(common.KindConfig, "product mapping %s missing Category column", path)
	}

	mapping := map[string]AccountTriple{}
	for _, row := range rows[1:] {
		category := get(row, "Category")
		if category == "" {
			continue
		}
		mapping[strings.ToUpper(category)] = AccountTriple{
			IncomeAccountID:  get(row, "IncomeAccountID"),
			AssetAccountID:   get(row, "AssetAccountID"),
			ExpenseAccountID: get(row, "ExpenseAccountID"),
		}
	}
	return mapping, nil
}

// Catalog caches remote items for one run. All lookups happen in one
// prefetch; per-line resolution never issues a query.
type Catalog struct {
	client  *qbo.Client
	mu      sync.Mutex
	items   map[string]qbo.Item
	bypass  string // resolved bypass service item id
	patched []string
}

// NewCatalog returns an empty catalog backed by client.
func NewCatalog(client *qbo.Client) *Catalog {
	return &Catalog{client: client, items: map[string]qbo.Item{}}
}

// Prefetch looks up all names against the remote service with bounded
// parallelism and fills the cache.
func (c *Catalog) Prefetch(ctx context.Context, names []string) error {
	unique := uniqueSorted(names)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchParallelism)
	for start := 0; start < len(unique); start += prefetchBatchSize {
		end := start + prefetchBatchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]
		g.Go(func() error {
			found, err := c.client.FindItemsByNames(gctx, batch)
			if err != nil {
				return err
			}
			c.mu.Lock()
			for name, item := range found {
				c.items[name] = item
			}
			c.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Lookup returns the cached item for name.
func (c *Catalog) Lookup(name string) (qbo.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[name]
	return item, ok
}

// PatchedItems lists the names patched by inline sync, for the run log.
func (c *Catalog) PatchedItems() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.patched...)
}

// EnsureItems creates remote items for every name the prefetch did not
// find. Items become Inventory entities when inventory mode is on and the
// category has an account mapping; Service entities otherwise. With inline
// sync, existing items whose price drifted beyond the threshold are
// patched; upload_fast skips patching.
func (c *Catalog) EnsureItems(ctx context.Context, docs []*Document, cfg *config.CompanyConfig, mapping map[string]AccountTriple, now time.Time) error {
	inventoryOn := cfg.InventoryEnabled()
	inlineSync := inventoryOn && cfg.InventorySyncMode() == config.InventorySyncInline
	startDate := cfg.InventoryStartDate(now)

	type observation struct {
		category string
		price    float64
	}
	observed := map[string]observation{}
	for _, doc := range docs {
		for _, l := range doc.Lines {
			if l.ItemName == "" {
				continue
			}
			if _, seen := observed[l.ItemName]; !seen {
				observed[l.ItemName] = observation{
					category: strings.ToUpper(l.Description),
					price:    round2(l.GrossAmount / l.Qty),
				}
			}
		}
	}

	names := make([]string, 0, len(observed))
	for name := range observed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		obs := observed[name]
		item, found := c.Lookup(name)

		if !found {
			created, err := c.createItem(ctx, name, obs.category, obs.price, cfg, mapping, inventoryOn, startDate)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.items[name] = *created
			c.mu.Unlock()
			continue
		}

		if !inlineSync {
			continue
		}
		if err := c.syncItem(ctx, item, obs.price); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) createItem(ctx context.Context, name, category string, price float64, cfg *config.CompanyConfig, mapping map[string]AccountTriple, inventoryOn bool, startDate string) (*qbo.Item, error) {
	item := &qbo.Item{
		Name:      name,
		Type:      "Service",
		Active:    true,
		UnitPrice: price,
		IncomeAccountRef: &qbo.Ref{
			Value: common.GetEnv("OIAT_DEFAULT_INCOME_ACCOUNT_ID", fallbackItemID),
		},
	}

	if inventoryOn {
		triple, mapped := mapping[category]
		if mapped && triple.AssetAccountID != "" {
			qty := float64(cfg.DefaultQtyOnHand())
			item.Type = "Inventory"
			item.TrackQtyOnHand = true
			item.QtyOnHand = &qty
			item.InvStartDate = startDate
			item.IncomeAccountRef = &qbo.Ref{Value: triple.IncomeAccountID}
			item.AssetAccountRef = &qbo.Ref{Value: triple.AssetAccountID}
			item.ExpenseAccountRef = &qbo.Ref{Value: triple.ExpenseAccountID}
		} else {
			common.Logger.WithFields(map[string]interface{}{
				"item":     name,
				"category": category,
			}).Warn("No account mapping for category; creating Service item instead of Inventory")
		}
	}

	created, err := c.client.CreateItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("create item %s: %w", name, err)
	}
	return created, nil
}

// syncItem patches price when it drifts beyond the threshold and cost when
// it is missing entirely.
func (c *Catalog) syncItem(ctx context.Context, item qbo.Item, observedPrice float64) error {
	patch := &qbo.Item{ID: item.ID, SyncToken: item.SyncToken}
	dirty := false

	if observedPrice > 0 && abs(item.UnitPrice-observedPrice) > priceDriftThreshold {
		patch.UnitPrice = observedPrice
		dirty = true
	}
	if item.Type == "Inventory" && item.PurchaseCost == 0 && observedPrice > 0 {
		patch.PurchaseCost = observedPrice
		dirty = true
	}
	if !dirty {
		return nil
	}

	if _, err := c.client.SparseUpdateItem(ctx, patch); err != nil {
		return fmt.Errorf("sync item %s: %w", item.Name, err)
	}
	c.mu.Lock()
	c.patched = append(c.patched, item.Name)
	c.mu.Unlock()
	return nil
}

// ResolveLines maps each document line to its item reference. When the
// bypass is enabled, lines hitting inventory items whose remote start date
// is later than the document date are swapped to the fallback service item
// with an audit note; monetary amounts are untouched.
func (c *Catalog) ResolveLines(ctx context.Context, doc *Document, cfg *config.CompanyConfig, bypassEnabled bool) ([]resolvedLine, error) {
	lines := make([]resolvedLine, 0, len(doc.Lines))
	for _, l := range doc.Lines {
		rl := resolvedLine{Line: l, ItemID: fallbackItemID}

		item, found := c.Lookup(l.ItemName)
		if found && item.ID != "" {
			rl.ItemID = item.ID
		}

		if bypassEnabled && found && item.Type == "Inventory" &&
			item.InvStartDate != "" && item.InvStartDate > doc.TxnDate {
			bypassID, err := c.bypassItemID(ctx, cfg)
			if err != nil {
				return nil, err
			}
			rl.ItemID = bypassID
			rl.AuditNote = fmt.Sprintf("[backdated sale; original item: %s]", l.ItemName)
		}

		lines = append(lines, rl)
	}
	return lines, nil
}

// bypassItemID gets or creates the fallback service item, once per run.
func (c *Catalog) bypassItemID(ctx context.Context, cfg *config.CompanyConfig) (string, error) {
	c.mu.Lock()
	cached := c.bypass
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	incomeAccount := cfg.BypassIncomeAccountID()
	if incomeAccount == "" {
		return "", common.Kindf(common.KindConfig,
			"%s: bypass requires bypass_income_account_id in company config", cfg.CompanyKey)
	}

	found, err := c.client.FindItemsByNames(ctx, []string{bypassItemName})
	if err != nil {
		return "", err
	}
	if item, ok := found[bypassItemName]; ok && item.ID != "" {
		c.mu.Lock()
		c.bypass = item.ID
		c.mu.Unlock()
		return item.ID, nil
	}

	item := &qbo.Item{
		Name:             bypassItemName,
		Type:             "Service",
		Active:           true,
		IncomeAccountRef: &qbo.Ref{Value: incomeAccount},
	}
	if cfg.QBO.TaxCodeID != "" {
		item.Taxable = true
		item.TaxCodeRef = &qbo.Ref{Value: cfg.QBO.TaxCodeID}
	}
	created, err := c.client.CreateItem(ctx, item)
	if err != nil {
		return "", fmt.Errorf("create bypass item: %w", err)
	}

	c.mu.Lock()
	c.bypass = created.ID
	c.mu.Unlock()
	return created.ID, nil
}

func uniqueSorted(names []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
