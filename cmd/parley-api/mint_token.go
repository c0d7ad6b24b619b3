package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type mintedToken struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	Cookie    string `json:"cookie"`
}

// newMintTokenCommand signs a session token for local testing without the
// external auth service.
func newMintTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		avatarURL   string
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Sign a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.SessionProfile{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
				AvatarURL:   avatarURL,
			})
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(mintedToken{
				Token:     token,
				ExpiresAt: expiresAt.Format(time.RFC3339),
				Cookie:    fmt.Sprintf("%s=%s", appConfig.SessionCookieName, token),
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id (required)")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name")
	cmd.Flags().StringVar(&avatarURL, "avatar-url", "", "Profile image URL")
	cmd.Flags().Int("ttl-minutes", viper.GetInt("session.ttl_minutes"), "Token lifetime in minutes")
	if err := viper.BindPFlag("session.ttl_minutes", cmd.Flags().Lookup("ttl-minutes")); err != nil {
		panic(err)
	}
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(userID) == "" {
			return fmt.Errorf("--user-id is required")
		}
		return nil
	}
	return cmd
}
