package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"middlewared/auth"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with auth.token_secret",
	Long: `Issue a bearer token for daemons running with auth.mode "token" or "any".

Example:
  middlewared token --subject root --ttl 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		issuer, err := auth.NewToken([]byte(cfg.Auth.TokenSecret), cfg.Auth.TokenIssuer, nil)
		if err != nil {
			return err
		}
		signed, err := issuer.Issue(tokenSubject, tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "root", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
