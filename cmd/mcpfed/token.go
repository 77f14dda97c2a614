package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"mcpfed/pkg/auth"
	"mcpfed/pkg/types"
)

func tokenCmd() *cobra.Command {
	var (
		serverID string
		verify   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint or verify a federation token",
		Long: `Mint a federation token for a server id, or verify one and print its
claims. Tokens are signed with the configured secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			issuer, err := auth.NewJWTIssuer(cfg.AuthConfig())
			if err != nil {
				return err
			}

			switch {
			case verify != "":
				claims, err := issuer.Verify(verify)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(claims, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			case serverID != "":
				token, err := issuer.Issue(auth.FederationClaims(types.ServerID(serverID)))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
			default:
				return fmt.Errorf("one of --server-id or --verify is required")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverID, "server-id", "", "server id to mint a token for")
	cmd.Flags().StringVar(&verify, "verify", "", "token to verify")
	cmd.MarkFlagsMutuallyExclusive("server-id", "verify")
	return cmd
}
