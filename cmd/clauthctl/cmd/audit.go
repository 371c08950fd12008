package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the tamper-evident audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log's hash chain from the start",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Valid        bool   `json:"Valid"`
			BrokenAtLine int64  `json:"BrokenAtLine"`
			Reason       string `json:"Reason"`
		}
		if err := apiCall("GET", "/v1/audit/verify", nil, &out); err != nil {
			return err
		}
		if out.Valid {
			fmt.Println("audit log: OK")
			return nil
		}
		fmt.Printf("audit log: BROKEN at entry %d (%s)\n", out.BrokenAtLine, out.Reason)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}
