package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bokiko/bloxos-sub000/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Encrypt and decrypt credential material",
	Long: `Operators seed rig credentials without a running daemon by
encrypting secrets with the same vault key the daemon uses. Requires
VAULT_SECRET in the environment.`,
}

var vaultEncryptCmd = &cobra.Command{
	Use:   "encrypt <plaintext>",
	Short: "Encrypt a secret to the packed iv:tag:cipher format",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := vault.New(cfg.Vault.Secret)
		if err != nil {
			return err
		}
		packed, err := v.Encrypt(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), packed)
		return nil
	},
}

var vaultDecryptCmd = &cobra.Command{
	Use:   "decrypt <packed>",
	Short: "Decrypt a packed iv:tag:cipher value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := vault.New(cfg.Vault.Secret)
		if err != nil {
			return err
		}
		plaintext, err := v.Decrypt(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), plaintext)
		return nil
	},
}

func init() {
	vaultCmd.AddCommand(vaultEncryptCmd, vaultDecryptCmd)
	rootCmd.AddCommand(vaultCmd)
}
