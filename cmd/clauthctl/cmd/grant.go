package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Manage skill scope grants",
}

var (
	grantSkillID   string
	grantProvider  string
	grantScope     string
	grantRateLimit int
)

var grantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Grant a skill a provider/scope at a rate limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"skillId":            grantSkillID,
			"provider":           grantProvider,
			"scope":              grantScope,
			"rateLimitPerMinute": grantRateLimit,
		}
		var out map[string]any
		if err := apiCall("POST", "/v1/grants", body, &out); err != nil {
			return err
		}
		fmt.Printf("granted %s %s:%s\n", grantSkillID, grantProvider, grantScope)
		return nil
	},
}

var grantRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a specific grant",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"skillId": {grantSkillID}, "provider": {grantProvider}, "scope": {grantScope}}
		var out map[string]int
		if err := apiCall("DELETE", "/v1/grants?"+q.Encode(), nil, &out); err != nil {
			return err
		}
		fmt.Printf("revoked %d grant(s)\n", out["revoked"])
		return nil
	},
}

var grantEmergencyRevokeCmd = &cobra.Command{
	Use:   "emergency-revoke",
	Short: "Revoke every grant for a skill immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"skillId": {grantSkillID}}
		var out map[string]int
		if err := apiCall("POST", "/v1/grants/emergency-revoke?"+q.Encode(), nil, &out); err != nil {
			return err
		}
		fmt.Printf("revoked %d grant(s)\n", out["revoked"])
		return nil
	},
}

var grantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every scope grant",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []map[string]any
		if err := apiCall("GET", "/v1/grants", nil, &out); err != nil {
			return err
		}
		for _, g := range out {
			fmt.Printf("%-20s %-12s %-20s rate=%v\n", g["skillId"], g["provider"], g["scope"], g["rateLimitPerMinute"])
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{grantCreateCmd, grantRevokeCmd, grantEmergencyRevokeCmd} {
		c.Flags().StringVar(&grantSkillID, "skill-id", "", "skill identifier")
		_ = c.MarkFlagRequired("skill-id")
	}
	grantCreateCmd.Flags().StringVar(&grantProvider, "provider", "", "provider id")
	grantCreateCmd.Flags().StringVar(&grantScope, "scope", "", "scope string, e.g. provider:read")
	grantCreateCmd.Flags().IntVar(&grantRateLimit, "rate-limit", 60, "requests per minute")
	grantRevokeCmd.Flags().StringVar(&grantProvider, "provider", "", "provider id")
	grantRevokeCmd.Flags().StringVar(&grantScope, "scope", "", "scope string")

	grantCmd.AddCommand(grantCreateCmd, grantRevokeCmd, grantEmergencyRevokeCmd, grantListCmd)
}
