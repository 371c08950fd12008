package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Issue or revoke short-lived session tokens",
}

var (
	sessionSkillID string
	sessionScope   string
	sessionTTL     int
	sessionReason  string
)

var sessionIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a session token scoped to a skill and scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"skillId": sessionSkillID, "scope": sessionScope, "ttlSeconds": sessionTTL}
		var out map[string]string
		if err := apiCall("POST", "/v1/sessions", body, &out); err != nil {
			return err
		}
		fmt.Println(out["token"])
		return nil
	},
}

var sessionRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"token": args[0], "reason": sessionReason}
		if err := apiCall("DELETE", "/v1/sessions", body, nil); err != nil {
			return err
		}
		fmt.Println("session revoked")
		return nil
	},
}

func init() {
	sessionIssueCmd.Flags().StringVar(&sessionSkillID, "skill-id", "", "skill identifier")
	sessionIssueCmd.Flags().StringVar(&sessionScope, "scope", "", "scope string")
	sessionIssueCmd.Flags().IntVar(&sessionTTL, "ttl-seconds", 3600, "session lifetime in seconds")
	_ = sessionIssueCmd.MarkFlagRequired("skill-id")
	_ = sessionIssueCmd.MarkFlagRequired("scope")

	sessionRevokeCmd.Flags().StringVar(&sessionReason, "reason", "manual revoke", "audit reason")

	sessionCmd.AddCommand(sessionIssueCmd, sessionRevokeCmd)
}
