package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"oiat.dev/common"
)

// Tax modes supported by the transform and upload layers.
const (
	TaxModeVATInclusive = "vat_inclusive"
	TaxModeSalesTax     = "sales_tax"
	TaxModeNone         = "none"
)

// Inventory sync modes for the upload pipeline.
const (
	InventorySyncInline     = "inline"
	InventorySyncUploadFast = "upload_fast"
)

// QBOSection describes the company's remote accounting realm.
type QBOSection struct {
	RealmID               string  `json:"realm_id"`
	Environment           string  `json:"environment"`
	DepositAccount        string  `json:"deposit_account"`
	TaxMode               string  `json:"tax_mode"`
	TaxCodeID             string  `json:"tax_code_id,omitempty"`
	TaxCodeName           string  `json:"tax_code_name,omitempty"`
	TaxRate               float64 `json:"tax_rate,omitempty"`
	ReconcileTolerance    float64 `json:"reconcile_tolerance,omitempty"`
	BypassIncomeAccountID string  `json:"bypass_income_account_id,omitempty"`
}

// EPOSSection names the env vars carrying the POS portal credentials.
type EPOSSection struct {
	UsernameEnvKey string `json:"username_env_key"`
	PasswordEnvKey string `json:"password_env_key"`
	FetchCommand   string `json:"fetch_command,omitempty"`
	DownloadDir    string `json:"download_dir,omitempty"`
}

// TransformSection controls row normalization and document grouping.
type TransformSection struct {
	GroupBy             []string          `json:"group_by"`
	DateFormat          string            `json:"date_format"`
	ReceiptPrefix       string            `json:"receipt_prefix"`
	ReceiptNumberFormat string            `json:"receipt_number_format"`
	LocationMapping     map[string]string `json:"location_mapping,omitempty"`
}

// OutputSection names per-company output files.
type OutputSection struct {
	CSVPrefix              string `json:"csv_prefix"`
	MetadataFile           string `json:"metadata_file"`
	UploadedDocNumbersFile string `json:"uploaded_docnumbers_file"`
}

// SlackSection configures the notification sink for this company.
// WebhookURLEnvKey may be either a literal webhook URL or the name of an
// environment variable holding one.
type SlackSection struct {
	WebhookURLEnvKey string `json:"webhook_url_env_key"`
}

// TradingDaySection shifts rows before the cutoff to the prior calendar date.
type TradingDaySection struct {
	Enabled     bool `json:"enabled"`
	StartHour   int  `json:"start_hour"`
	StartMinute int  `json:"start_minute"`
}

// InventorySection configures inventory item handling during upload.
type InventorySection struct {
	EnableInventoryItems   bool   `json:"enable_inventory_items"`
	AllowNegativeInventory bool   `json:"allow_negative_inventory"`
	InventoryStartDate     string `json:"inventory_start_date,omitempty"`
	DefaultQtyOnHand       int    `json:"default_qty_on_hand,omitempty"`
	InventorySyncMode      string `json:"inventory_sync_mode,omitempty"`
	ProductMappingFile     string `json:"product_mapping_file,omitempty"`
}

// CompanyConfig is one tenant's configuration, loaded from
// <companies_dir>/<key>.json. Unknown fields are rejected so config drift
// surfaces immediately instead of being silently ignored.
type CompanyConfig struct {
	CompanyKey  string             `json:"company_key"`
	DisplayName string             `json:"display_name,omitempty"`
	Timezone    string             `json:"timezone,omitempty"`
	QBO         QBOSection         `json:"qbo"`
	EPOS        EPOSSection        `json:"epos"`
	Transform   TransformSection   `json:"transform"`
	Output      OutputSection      `json:"output"`
	Slack       *SlackSection      `json:"slack,omitempty"`
	TradingDay  *TradingDaySection `json:"trading_day,omitempty"`
	Inventory   *InventorySection  `json:"inventory,omitempty"`
}

// LoadCompany loads and validates a company configuration file.
func LoadCompany(path string) (*CompanyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, common.WithKind(common.KindConfig, fmt.Errorf("company config not found: %s", path))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	cfg := &CompanyConfig{}
	if err := dec.Decode(cfg); err != nil {
		return nil, common.WithKind(common.KindConfig, fmt.Errorf("decode %s: %w", filepath.Base(path), err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCompanyByKey loads <companiesDir>/<key>.json.
func LoadCompanyByKey(companiesDir, key string) (*CompanyConfig, error) {
	return LoadCompany(filepath.Join(companiesDir, key+".json"))
}

// AvailableCompanies returns the sorted company keys found in companiesDir.
func AvailableCompanies(companiesDir string) ([]string, error) {
	entries, err := os.ReadDir(companiesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cfg, err := LoadCompany(filepath.Join(companiesDir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, cfg.CompanyKey)
	}
	sort.Strings(keys)
	return keys, nil
}

// Validate checks required fields and value domains.
func (c *CompanyConfig) Validate() error {
	if c.CompanyKey == "" {
		return common.Kindf(common.KindConfig, "missing required field: company_key")
	}
	if c.QBO.RealmID == "" {
		return common.Kindf(common.KindConfig, "%s: missing qbo.realm_id", c.CompanyKey)
	}
	if strings.HasPrefix(c.QBO.RealmID, "REPLACE_WITH_") {
		return common.Kindf(common.KindConfig, "%s: realm id not configured", c.CompanyKey)
	}
	if c.EPOS.UsernameEnvKey == "" || c.EPOS.PasswordEnvKey == "" {
		return common.Kindf(common.KindConfig, "%s: missing epos credential env keys", c.CompanyKey)
	}
	if len(c.Transform.GroupBy) == 0 {
		return common.Kindf(common.KindConfig, "%s: missing transform.group_by", c.CompanyKey)
	}
	if c.QBO.ReconcileTolerance < 0 {
		return common.Kindf(common.KindConfig, "%s: reconcile_tolerance must not be negative", c.CompanyKey)
	}
	switch c.QBO.TaxMode {
	case "", TaxModeVATInclusive, TaxModeSalesTax, TaxModeNone:
	default:
		return common.Kindf(common.KindConfig, "%s: unknown tax_mode %q", c.CompanyKey, c.QBO.TaxMode)
	}
	if c.Inventory != nil {
		switch c.Inventory.InventorySyncMode {
		case "", InventorySyncInline, InventorySyncUploadFast:
		default:
			return common.Kindf(common.KindConfig, "%s: unknown inventory_sync_mode %q",
				c.CompanyKey, c.Inventory.InventorySyncMode)
		}
	}
	return nil
}

// Name returns the display name, falling back to the company key.
func (c *CompanyConfig) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.CompanyKey
}

// TaxMode returns the resolved tax mode with its default.
func (c *CompanyConfig) TaxMode() string {
	if c.QBO.TaxMode == "" {
		return TaxModeVATInclusive
	}
	return c.QBO.TaxMode
}

// TaxRate returns the tax rate as a decimal, defaulting to 7.5%.
func (c *CompanyConfig) TaxRate() float64 {
	if c.QBO.TaxRate == 0 {
		return 0.075
	}
	return c.QBO.TaxRate
}

// Location returns the company's business timezone. Resolution order is
// company JSON, then OIAT_BUSINESS_TIMEZONE, then Africa/Lagos.
func (c *CompanyConfig) Location() (*time.Location, error) {
	name := c.Timezone
	if name == "" {
		name = common.GetEnv("OIAT_BUSINESS_TIMEZONE", "Africa/Lagos")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, common.WithKind(common.KindConfig, fmt.Errorf("%s: bad timezone %q: %w", c.CompanyKey, name, err))
	}
	return loc, nil
}

// TradingDayCutoff returns the cutoff (hour, minute) when trading-day mode
// is enabled, or ok=false otherwise. OIAT_BUSINESS_DAY_CUTOFF_HOUR and
// OIAT_BUSINESS_DAY_CUTOFF_MINUTE override the configured values.
func (c *CompanyConfig) TradingDayCutoff() (hour, minute int, ok bool) {
	if c.TradingDay == nil || !c.TradingDay.Enabled {
		return 0, 0, false
	}
	hour = common.GetEnvInt("OIAT_BUSINESS_DAY_CUTOFF_HOUR", c.TradingDay.StartHour)
	minute = common.GetEnvInt("OIAT_BUSINESS_DAY_CUTOFF_MINUTE", c.TradingDay.StartMinute)
	return hour, minute, true
}

// envKey builds the per-company override key, e.g.
// COMPANY_DEMO_CAFE_ENABLE_INVENTORY_ITEMS.
func (c *CompanyConfig) envKey(suffix string) string {
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(c.CompanyKey))
	return "COMPANY_" + key + "_" + suffix
}

// InventoryEnabled reports whether inventory items are enabled.
// ENV override: COMPANY_<KEY>_ENABLE_INVENTORY_ITEMS.
func (c *CompanyConfig) InventoryEnabled() bool {
	def := c.Inventory != nil && c.Inventory.EnableInventoryItems
	return common.GetEnvBool(c.envKey("ENABLE_INVENTORY_ITEMS"), def)
}

// AllowNegativeInventory reports whether negative-quantity warnings from the
// remote service are tolerated. ENV override:
// COMPANY_<KEY>_ALLOW_NEGATIVE_INVENTORY.
func (c *CompanyConfig) AllowNegativeInventory() bool {
	def := c.Inventory != nil && c.Inventory.AllowNegativeInventory
	return common.GetEnvBool(c.envKey("ALLOW_NEGATIVE_INVENTORY"), def)
}

// InventorySyncMode returns "inline" or "upload_fast".
// ENV override: COMPANY_<KEY>_INVENTORY_SYNC_MODE.
func (c *CompanyConfig) InventorySyncMode() string {
	def := InventorySyncInline
	if c.Inventory != nil && c.Inventory.InventorySyncMode != "" {
		def = c.Inventory.InventorySyncMode
	}
	mode := strings.ToLower(strings.TrimSpace(common.GetEnv(c.envKey("INVENTORY_SYNC_MODE"), def)))
	if mode != InventorySyncInline && mode != InventorySyncUploadFast {
		return InventorySyncInline
	}
	return mode
}

// InventoryStartDate resolves the inventory start date. The literal "today"
// (and the empty value) resolve to now's date in the business timezone.
// ENV override: COMPANY_<KEY>_INVENTORY_START_DATE.
func (c *CompanyConfig) InventoryStartDate(now time.Time) string {
	def := "today"
	if c.Inventory != nil && c.Inventory.InventoryStartDate != "" {
		def = c.Inventory.InventoryStartDate
	}
	value := common.GetEnv(c.envKey("INVENTORY_START_DATE"), def)
	if value == "today" {
		if loc, err := c.Location(); err == nil {
			now = now.In(loc)
		}
		return now.Format("2006-01-02")
	}
	return value
}

// DefaultQtyOnHand returns the opening quantity for newly created inventory
// items. ENV override: COMPANY_<KEY>_DEFAULT_QTY_ON_HAND.
func (c *CompanyConfig) DefaultQtyOnHand() int {
	def := 0
	if c.Inventory != nil {
		def = c.Inventory.DefaultQtyOnHand
	}
	return common.GetEnvInt(c.envKey("DEFAULT_QTY_ON_HAND"), def)
}

// BypassIncomeAccountID returns the income account for the fallback service
// item used by the inventory-start-date bypass.
// ENV override: COMPANY_<KEY>_BYPASS_INCOME_ACCOUNT_ID.
func (c *CompanyConfig) BypassIncomeAccountID() string {
	return common.GetEnv(c.envKey("BYPASS_INCOME_ACCOUNT_ID"), c.QBO.BypassIncomeAccountID)
}

// ProductMappingFile returns the category → account mapping CSV path,
// resolved relative to opsRoot when not absolute.
func (c *CompanyConfig) ProductMappingFile(opsRoot string) string {
	path := "mappings/Product.Mapping.csv"
	if c.Inventory != nil && c.Inventory.ProductMappingFile != "" {
		path = c.Inventory.ProductMappingFile
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(opsRoot, path)
}

// EPOSUsername resolves the POS portal username from the configured env key.
func (c *CompanyConfig) EPOSUsername() (string, error) {
	return c.requireEnv(c.EPOS.UsernameEnvKey)
}

// EPOSPassword resolves the POS portal password from the configured env key.
func (c *CompanyConfig) EPOSPassword() (string, error) {
	return c.requireEnv(c.EPOS.PasswordEnvKey)
}

func (c *CompanyConfig) requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", common.Kindf(common.KindCredentialMissing,
			"%s: env var %s not set (add it to the environment or .env)", c.CompanyKey, key)
	}
	return value, nil
}

// SlackWebhookURL resolves the notification webhook for this company.
// The configured value may be a literal URL or an env var name. Returns ""
// when notifications are not configured.
func (c *CompanyConfig) SlackWebhookURL() string {
	if c.Slack == nil || c.Slack.WebhookURLEnvKey == "" {
		return ""
	}
	value := c.Slack.WebhookURLEnvKey
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return value
	}
	return os.Getenv(value)
}

// LedgerPath returns the uploaded-docnumbers ledger path for this company.
func (c *CompanyConfig) LedgerPath(opsRoot string) string {
	name := c.Output.UploadedDocNumbersFile
	if name == "" {
		name = "uploaded_docnumbers.json"
	}
	return filepath.Join(opsRoot, c.CompanyKey, name)
}
