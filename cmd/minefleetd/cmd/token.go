package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bokiko/bloxos-sub000/internal/agentserver"
)

var tokenUser string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a dashboard/API JWT",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.JWTSecretKey == "" {
			return fmt.Errorf("JWT_SECRET_KEY is required to issue tokens")
		}
		token, err := agentserver.NewJWTManager(cfg.Auth.JWTSecretKey).GenerateToken(tokenUser)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "operator", "user id embedded in the token")
	rootCmd.AddCommand(tokenCmd)
}
