package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oiat.dev/common"
)

func writeCompany(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validCompanyJSON = `{
  "company_key": "demo_cafe",
  "display_name": "Demo Cafe",
  "timezone": "Africa/Lagos",
  "qbo": {
    "realm_id": "1234567890",
    "environment": "sandbox",
    "deposit_account": "Undeposited Funds",
    "tax_mode": "vat_inclusive",
    "tax_code_id": "5",
    "tax_rate": 0.075,
    "reconcile_tolerance": 2.5
  },
  "epos": {
    "username_env_key": "EPOS_USERNAME_DEMO",
    "password_env_key": "EPOS_PASSWORD_DEMO"
  },
  "transform": {
    "group_by": ["date", "tender"],
    "date_format": "02/01/2006",
    "receipt_prefix": "SR",
    "receipt_number_format": "date_tender_sequence"
  },
  "output": {
    "csv_prefix": "BookKeeping",
    "metadata_file": "transform_metadata.json",
    "uploaded_docnumbers_file": "uploaded_docnumbers.json"
  },
  "trading_day": {
    "enabled": true,
    "start_hour": 5,
    "start_minute": 30
  },
  "inventory": {
    "enable_inventory_items": true,
    "inventory_sync_mode": "upload_fast"
  }
}`

// TestLoadCompany_Valid tests loading a complete company config
func TestLoadCompany_Valid(t *testing.T) {
	dir := t.TempDir()
	path := writeCompany(t, dir, "demo_cafe.json", validCompanyJSON)

	cfg, err := LoadCompany(path)
	require.NoError(t, err)

	assert.Equal(t, "demo_cafe", cfg.CompanyKey)
	assert.Equal(t, "Demo Cafe", cfg.Name())
	assert.Equal(t, "1234567890", cfg.QBO.RealmID)
	assert.Equal(t, TaxModeVATInclusive, cfg.TaxMode())
	assert.InDelta(t, 0.075, cfg.TaxRate(), 1e-9)
	assert.InDelta(t, 2.5, cfg.QBO.ReconcileTolerance, 1e-9)
	assert.Equal(t, []string{"date", "tender"}, cfg.Transform.GroupBy)

	hour, minute, ok := cfg.TradingDayCutoff()
	require.True(t, ok)
	assert.Equal(t, 5, hour)
	assert.Equal(t, 30, minute)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Africa/Lagos", loc.String())
}

// TestLoadCompany_UnknownFieldRejected tests strict decoding
func TestLoadCompany_UnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeCompany(t, dir, "bad.json", `{
	  "company_key": "bad",
	  "mystery_field": true,
	  "qbo": {"realm_id": "1"},
	  "epos": {"username_env_key": "U", "password_env_key": "P"},
	  "transform": {"group_by": ["date"]},
	  "output": {}
	}`)

	_, err := LoadCompany(path)
	require.Error(t, err)
	assert.Equal(t, common.KindConfig, common.KindOf(err))
	assert.Contains(t, err.Error(), "mystery_field")
}

// TestLoadCompany_Invalid tests validation of required fields
func TestLoadCompany_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "MissingCompanyKey",
			content: `{"qbo": {"realm_id": "1"}, "epos": {"username_env_key": "U", "password_env_key": "P"}, "transform": {"group_by": ["date"]}, "output": {}}`,
			errPart: "company_key",
		},
		{
			name:    "MissingRealm",
			content: `{"company_key": "x", "qbo": {}, "epos": {"username_env_key": "U", "password_env_key": "P"}, "transform": {"group_by": ["date"]}, "output": {}}`,
			errPart: "realm_id",
		},
		{
			name:    "PlaceholderRealm",
			content: `{"company_key": "x", "qbo": {"realm_id": "REPLACE_WITH_REALM"}, "epos": {"username_env_key": "U", "password_env_key": "P"}, "transform": {"group_by": ["date"]}, "output": {}}`,
			errPart: "realm id not configured",
		},
		{
			name:    "MissingCredKeys",
			content: `{"company_key": "x", "qbo": {"realm_id": "1"}, "epos": {}, "transform": {"group_by": ["date"]}, "output": {}}`,
			errPart: "credential env keys",
		},
		{
			name:    "MissingGroupBy",
			content: `{"company_key": "x", "qbo": {"realm_id": "1"}, "epos": {"username_env_key": "U", "password_env_key": "P"}, "transform": {}, "output": {}}`,
			errPart: "group_by",
		},
		{
			name:    "NegativeReconcileTolerance",
			content: `{"company_key": "x", "qbo": {"realm_id": "1", "reconcile_tolerance": -0.5}, "epos": {"username_env_key": "U", "password_env_key": "P"}, "transform": {"group_by": ["date"]}, "output": {}}`,
			errPart: "reconcile_tolerance",
		},
		{
			name:    "BadTaxMode",
			content: `{"company_key": "x", "qbo": {"realm_id": "1", "tax_mode": "nonsense"}, "epos": {"username_env_key": "U", "password_env_key": "P"}, "transform": {"group_by": ["date"]}, "output": {}}`,
			errPart: "tax_mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeCompany(t, dir, "c.json", tt.content)

			_, err := LoadCompany(path)
			require.Error(t, err)
			assert.Equal(t, common.KindConfig, common.KindOf(err))
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

// TestCompanyConfig_EnvOverrides tests ENV → JSON → default precedence
func TestCompanyConfig_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeCompany(t, dir, "demo_cafe.json", validCompanyJSON)

	cfg, err := LoadCompany(path)
	require.NoError(t, err)

	// JSON values without env overrides
	assert.True(t, cfg.InventoryEnabled())
	assert.Equal(t, InventorySyncUploadFast, cfg.InventorySyncMode())
	assert.False(t, cfg.AllowNegativeInventory())

	t.Setenv("COMPANY_DEMO_CAFE_ENABLE_INVENTORY_ITEMS", "false")
	t.Setenv("COMPANY_DEMO_CAFE_INVENTORY_SYNC_MODE", "inline")
	t.Setenv("COMPANY_DEMO_CAFE_ALLOW_NEGATIVE_INVENTORY", "yes")
	t.Setenv("COMPANY_DEMO_CAFE_DEFAULT_QTY_ON_HAND", "25")

	assert.False(t, cfg.InventoryEnabled())
	assert.Equal(t, InventorySyncInline, cfg.InventorySyncMode())
	assert.True(t, cfg.AllowNegativeInventory())
	assert.Equal(t, 25, cfg.DefaultQtyOnHand())

	// Garbage sync mode falls back to inline
	t.Setenv("COMPANY_DEMO_CAFE_INVENTORY_SYNC_MODE", "turbo")
	assert.Equal(t, InventorySyncInline, cfg.InventorySyncMode())
}

// TestCompanyConfig_InventoryStartDate tests "today" resolution
func TestCompanyConfig_InventoryStartDate(t *testing.T) {
	dir := t.TempDir()
	path := writeCompany(t, dir, "demo_cafe.json", validCompanyJSON)

	cfg, err := LoadCompany(path)
	require.NoError(t, err)

	now := time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-12-27", cfg.InventoryStartDate(now))

	t.Setenv("COMPANY_DEMO_CAFE_INVENTORY_START_DATE", "2025-01-01")
	assert.Equal(t, "2025-01-01", cfg.InventoryStartDate(now))
}

// TestCompanyConfig_Credentials tests credential resolution
func TestCompanyConfig_Credentials(t *testing.T) {
	dir := t.TempDir()
	path := writeCompany(t, dir, "demo_cafe.json", validCompanyJSON)

	cfg, err := LoadCompany(path)
	require.NoError(t, err)

	_, err = cfg.EPOSUsername()
	require.Error(t, err)
	assert.Equal(t, common.KindCredentialMissing, common.KindOf(err))

	t.Setenv("EPOS_USERNAME_DEMO", "operator")
	t.Setenv("EPOS_PASSWORD_DEMO", "hunter2")

	user, err := cfg.EPOSUsername()
	require.NoError(t, err)
	assert.Equal(t, "operator", user)

	pass, err := cfg.EPOSPassword()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pass)
}

// TestCompanyConfig_SlackWebhookURL tests both webhook formats
func TestCompanyConfig_SlackWebhookURL(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		slack    string
		env      map[string]string
		expected string
	}{
		{
			name:     "NotConfigured",
			slack:    "",
			expected: "",
		},
		{
			name:     "DirectURL",
			slack:    `"slack": {"webhook_url_env_key": "https://hooks.slack.com/services/T/B/X"},`,
			expected: "https://hooks.slack.com/services/T/B/X",
		},
		{
			name:     "EnvVarName",
			slack:    `"slack": {"webhook_url_env_key": "SLACK_WEBHOOK_URL_DEMO"},`,
			env:      map[string]string{"SLACK_WEBHOOK_URL_DEMO": "https://hooks.slack.com/services/T/B/Y"},
			expected: "https://hooks.slack.com/services/T/B/Y",
		},
		{
			name:     "EnvVarUnset",
			slack:    `"slack": {"webhook_url_env_key": "SLACK_WEBHOOK_URL_UNSET"},`,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			content := `{
			  "company_key": "demo_cafe",
			  ` + tt.slack + `
			  "qbo": {"realm_id": "1"},
			  "epos": {"username_env_key": "U", "password_env_key": "P"},
			  "transform": {"group_by": ["date", "tender"]},
			  "output": {}
			}`
			path := writeCompany(t, dir, tt.name+".json", content)

			cfg, err := LoadCompany(path)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg.SlackWebhookURL())
		})
	}
}

// TestAvailableCompanies tests directory scanning
func TestAvailableCompanies(t *testing.T) {
	dir := t.TempDir()
	writeCompany(t, dir, "demo_cafe.json", validCompanyJSON)
	writeCompany(t, dir, "broken.json", `{"not": "a company"}`)
	writeCompany(t, dir, "notes.txt", "not json")

	keys, err := AvailableCompanies(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo_cafe"}, keys)

	keys, err = AvailableCompanies(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}
