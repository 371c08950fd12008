package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var skillTokenCmd = &cobra.Command{
	Use:   "skill-token",
	Short: "Issue or revoke a skill's bearer token",
}

var skillTokenIssueCmd = &cobra.Command{
	Use:   "issue <skill-id>",
	Short: "Issue a fresh bearer token for a skill, invalidating any prior one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]string
		if err := apiCall("POST", "/v1/skill-tokens/"+args[0], nil, &out); err != nil {
			return err
		}
		fmt.Println(out["token"])
		return nil
	},
}

var skillTokenRevokeCmd = &cobra.Command{
	Use:   "revoke <skill-id>",
	Short: "Revoke a skill's bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall("DELETE", "/v1/skill-tokens/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("revoked skill token for %q\n", args[0])
		return nil
	},
}

func init() {
	skillTokenCmd.AddCommand(skillTokenIssueCmd, skillTokenRevokeCmd)
}
