package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether clauthd is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]string
		if err := apiCall("GET", "/healthz", nil, &out); err != nil {
			return fmt.Errorf("clauthd unreachable at %s: %w", serverURL, err)
		}
		fmt.Printf("clauthd at %s: %s\n", serverURL, out["status"])
		return nil
	},
}
