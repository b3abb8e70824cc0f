package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/nexus-chat/internal/auth"
	"github.com/Tyrowin/nexus-chat/internal/server"
)

func init() {
	tokenCmd.Flags().String("name", "", "display name claim")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (defaults to jwt.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Mint a development bearer token for subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := server.LoadConfig(path)
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = cfg.JWT.TokenTTL
		}
		token, err := mintToken(cfg.JWT, args[0], name, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func mintToken(cfg server.JWTConfig, subject, name string, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier(cfg.Secret,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience))
	if err != nil {
		return "", err
	}
	return verifier.Issue(subject, name, ttl)
}
