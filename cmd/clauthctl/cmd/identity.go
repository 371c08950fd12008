package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Create and verify identity-ownership challenges",
}

var (
	identitySkillID   string
	identityProvider  string
	identityAccountID string
	identityMethod    string

	verifyCredentialHandle string
	verifyChallenge        string
	verifyAccountID        string
	verifyState            string
	verifyCode             string
	verifyCodeEmail        string
)

var identityChallengeCmd = &cobra.Command{
	Use:   "challenge",
	Short: "Create a new ownership challenge",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"skillId":   identitySkillID,
			"provider":  identityProvider,
			"accountId": identityAccountID,
			"method":    identityMethod,
		}
		var out map[string]any
		if err := apiCall("POST", "/v1/identity/challenges", body, &out); err != nil {
			return err
		}
		fmt.Printf("%+v\n", out)
		return nil
	},
}

var identityVerifyCmd = &cobra.Command{
	Use:   "verify <challenge-id>",
	Short: "Submit verification proof for a pending challenge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"CredentialHandle": verifyCredentialHandle,
			"Challenge":        verifyChallenge,
			"AccountID":        verifyAccountID,
			"State":            verifyState,
			"Code":             verifyCode,
			"VerificationCode": verifyCodeEmail,
		}
		var out map[string]any
		if err := apiCall("POST", "/v1/identity/challenges/"+args[0]+"/verify", body, &out); err != nil {
			return err
		}
		fmt.Printf("status=%v\n", out["status"])
		return nil
	},
}

func init() {
	identityChallengeCmd.Flags().StringVar(&identitySkillID, "skill-id", "", "requesting skill identifier")
	identityChallengeCmd.Flags().StringVar(&identityProvider, "provider", "", "provider id")
	identityChallengeCmd.Flags().StringVar(&identityAccountID, "account-id", "", "account identifier to prove ownership of")
	identityChallengeCmd.Flags().StringVar(&identityMethod, "method", "signed-challenge", "signed-challenge, oauth, or email")
	_ = identityChallengeCmd.MarkFlagRequired("skill-id")
	_ = identityChallengeCmd.MarkFlagRequired("provider")
	_ = identityChallengeCmd.MarkFlagRequired("account-id")

	identityVerifyCmd.Flags().StringVar(&verifyCredentialHandle, "credential-handle", "", "signed-challenge: vault handle of the credential used to call the provider's identity endpoint")
	identityVerifyCmd.Flags().StringVar(&verifyChallenge, "challenge", "", "signed-challenge: the challenge value returned at creation")
	identityVerifyCmd.Flags().StringVar(&verifyAccountID, "account-id", "", "signed-challenge: account identifier being proven")
	identityVerifyCmd.Flags().StringVar(&verifyState, "state", "", "oauth: state value returned by the provider redirect")
	identityVerifyCmd.Flags().StringVar(&verifyCode, "code", "", "oauth: authorization code returned by the provider redirect")
	identityVerifyCmd.Flags().StringVar(&verifyCodeEmail, "verification-code", "", "email: code delivered to the account's inbox")

	identityCmd.AddCommand(identityChallengeCmd, identityVerifyCmd)
}
