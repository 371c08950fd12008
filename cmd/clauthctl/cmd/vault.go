package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage stored provider credentials",
}

var (
	vaultProvider string
	vaultSecret   string
	vaultTTL      int
)

var vaultStoreCmd = &cobra.Command{
	Use:   "store <handle>",
	Short: "Store or update a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"handle":     args[0],
			"provider":   vaultProvider,
			"secret":     vaultSecret,
			"ttlSeconds": vaultTTL,
		}
		var out map[string]string
		if err := apiCall("POST", "/v1/credentials", body, &out); err != nil {
			return err
		}
		fmt.Printf("stored credential %q\n", out["handle"])
		return nil
	},
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete <handle>",
	Short: "Delete a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall("DELETE", "/v1/credentials/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("deleted credential %q\n", args[0])
		return nil
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential metadata (never secrets)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []map[string]any
		if err := apiCall("GET", "/v1/credentials", nil, &out); err != nil {
			return err
		}
		for _, m := range out {
			fmt.Printf("%-20s provider=%-12s\n", m["handle"], m["provider"])
		}
		return nil
	},
}

func init() {
	vaultStoreCmd.Flags().StringVar(&vaultProvider, "provider", "", "credential provider id")
	vaultStoreCmd.Flags().StringVar(&vaultSecret, "secret", "", "credential secret value")
	vaultStoreCmd.Flags().IntVar(&vaultTTL, "ttl-seconds", 0, "expiry in seconds (0 = no expiry)")
	_ = vaultStoreCmd.MarkFlagRequired("provider")
	_ = vaultStoreCmd.MarkFlagRequired("secret")

	vaultCmd.AddCommand(vaultStoreCmd, vaultDeleteCmd, vaultListCmd)
}
