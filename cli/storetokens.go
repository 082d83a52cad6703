package cli

import (
	"os"

	"github.com/spf13/cobra"

	"oiat.dev/common"
	"oiat.dev/tokenstore"
)

var storeTokensCmd = &cobra.Command{
	Use:   "store-tokens",
	Short: "Persist OAuth tokens obtained out of band",
	Long: `Store the access and refresh tokens produced by the one-time OAuth
consent flow for a (tenant, realm) pair. Subsequent runs keep the pair
fresh via the refresh-token grant; this bootstrap is only needed again
when the refresh token itself expires.

Token values may be passed via the QBO_ACCESS_TOKEN and
QBO_REFRESH_TOKEN environment variables to keep them out of shell
history.`,
	RunE: runStoreTokens,
}

var storeTokensFlags struct {
	tenant       string
	realm        string
	accessToken  string
	refreshToken string
	expiresIn    int64
	environment  string
}

func init() {
	f := storeTokensCmd.Flags()
	f.StringVar(&storeTokensFlags.tenant, "tenant", "", "company key (required)")
	f.StringVar(&storeTokensFlags.realm, "realm", "", "remote realm id (required)")
	f.StringVar(&storeTokensFlags.accessToken, "access-token", "", "access token (or QBO_ACCESS_TOKEN)")
	f.StringVar(&storeTokensFlags.refreshToken, "refresh-token", "", "refresh token (or QBO_REFRESH_TOKEN)")
	f.Int64Var(&storeTokensFlags.expiresIn, "expires-in", 3600, "access token lifetime in seconds")
	f.StringVar(&storeTokensFlags.environment, "environment", "production", "realm environment (production|sandbox)")
	RootCmd.AddCommand(storeTokensCmd)
}

func runStoreTokens(cmd *cobra.Command, args []string) error {
	f := &storeTokensFlags
	if f.tenant == "" || f.realm == "" {
		return usagef("--tenant and --realm are required")
	}
	access := f.accessToken
	if access == "" {
		access = os.Getenv("QBO_ACCESS_TOKEN")
	}
	refresh := f.refreshToken
	if refresh == "" {
		refresh = os.Getenv("QBO_REFRESH_TOKEN")
	}
	if access == "" || refresh == "" {
		return usagef("access and refresh tokens are required (flags or QBO_ACCESS_TOKEN/QBO_REFRESH_TOKEN)")
	}
	switch f.environment {
	case "production", "sandbox":
	default:
		return usagef("invalid --environment %q (want production or sandbox)", f.environment)
	}

	app, err := loadApp()
	if err != nil {
		return err
	}
	tokens, err := tokenstore.Open(app.Database.TokensPath, oauthOptions(app))
	if err != nil {
		return err
	}
	defer tokens.Close()

	if err := tokens.StoreFromOAuth(f.tenant, f.realm, access, refresh, f.expiresIn, f.environment); err != nil {
		return err
	}
	common.Logger.WithFields(map[string]interface{}{
		"tenant":      f.tenant,
		"realm":       f.realm,
		"environment": f.environment,
	}).Info("Tokens stored")
	return nil
}
