package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/gateway/auth"
)

var (
	tokenUser    string
	tokenTrust   string
	tokenGrants  []string
	tokenSession string
	tokenTTL     time.Duration
	tokenHashKey string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed bearer token for the HTTP API",
	Long: `Token signs an HS256 token carrying a user, trust level and permissions
with gateways.http.jwt.secret (or TOOLGATE_JWT_SECRET). The HTTP API accepts
it in place of an API key.

With --hash-key it instead prints the SHA-256 digest to put under
gateways.http.api_keys for the given key.`,
	Example: `  toolgate token --user ci --trust verified --grant 'file_read:/srv/repo/**' --ttl 30m
  toolgate token --hash-key "$(openssl rand -hex 32)"`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenUser, "user", "", "subject of the token")
	f.StringVar(&tokenTrust, "trust", "", "trust level (default: security.default_trust)")
	f.StringArrayVar(&tokenGrants, "grant", nil, "permission to embed (repeatable; default: trust_defaults)")
	f.StringVar(&tokenSession, "session", "", "session id to bind the token to")
	f.DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: gateways.http.jwt.ttl)")
	f.StringVar(&tokenHashKey, "hash-key", "", "print the config digest of an API key and exit")
}

func runToken(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if tokenHashKey != "" {
		fmt.Fprintln(out, auth.HashKey(tokenHashKey))
		return nil
	}
	if tokenUser == "" {
		return withCode(ExitUsage, errors.New("--user is required"))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := auth.New(cfg.Gateways.HTTP, cfg.Security)
	if err != nil {
		return withCode(ExitConfig, err)
	}
	token, expires, err := a.IssueToken(config.PrincipalConfig{
		UserID:      tokenUser,
		TrustLevel:  tokenTrust,
		Permissions: tokenGrants,
	}, tokenSession, tokenTTL)
	if errors.Is(err, auth.ErrTokensDisabled) {
		return withCode(ExitConfig, fmt.Errorf("%w: set gateways.http.jwt.secret or TOOLGATE_JWT_SECRET", err))
	}
	if err != nil {
		return withCode(ExitUsage, err)
	}

	fmt.Fprintln(out, token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
	return nil
}
