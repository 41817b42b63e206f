package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neuro-assistant/backend/internal/auth"
	"github.com/neuro-assistant/backend/internal/config"
)

var (
	tokenUser string
	tokenRole string
)

// tokenCmd mints an access token with the configured secret. Meant for
// local development; production tokens come from the login service.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tok, err := issueAccessToken(cfg, tokenUser, tokenRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func issueAccessToken(cfg *config.Config, user, role string) (string, error) {
	if user == "" {
		return "", errors.New("--user is required")
	}
	tm, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTTL)
	if err != nil {
		return "", err
	}
	return tm.Issue(user, role)
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "Subject (user id) of the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "user", "Role claim")
}
