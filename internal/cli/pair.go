package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/neuro-assistant/backend/internal/config"
	"github.com/neuro-assistant/backend/internal/pairing"
)

var (
	pairUser   string
	pairServer string
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Request a device pairing token from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cred, err := requestPairToken(cmd.Context(), cfg, serverURL(cfg, pairServer), pairUser)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t(expires %s)\n", cred.Token, cred.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func serverURL(cfg *config.Config, override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	return "http://" + cfg.Addr()
}

// requestPairToken signs an access token for user and exchanges it for a
// pairing credential at base.
func requestPairToken(ctx context.Context, cfg *config.Config, base, user string) (pairing.Credential, error) {
	tok, err := issueAccessToken(cfg, user, "user")
	if err != nil {
		return pairing.Credential{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/pair-tokens", nil)
	if err != nil {
		return pairing.Credential{}, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return pairing.Credential{}, fmt.Errorf("requesting pair token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return pairing.Credential{}, fmt.Errorf("pair token request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var cred pairing.Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return pairing.Credential{}, fmt.Errorf("decoding pair token: %w", err)
	}
	return cred, nil
}

func init() {
	pairCmd.Flags().StringVarP(&pairUser, "user", "u", "", "User the device will stream for")
	pairCmd.Flags().StringVar(&pairServer, "server", "", "Server base URL (default from config)")
}
