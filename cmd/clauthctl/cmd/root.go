package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Global flag values.
var (
	serverURL  string
	adminToken string
	jsonOutput bool
)

// SetVersionInfo is called from main to inject build-time version info.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	buildDate = d
	rootCmd.Version = v
	rootCmd.SetVersionTemplate(fmt.Sprintf("clauthctl version {{.Version}} (commit: %s, built: %s)\n", c, d))
}

var rootCmd = &cobra.Command{
	Use:   "clauthctl",
	Short: "clauthctl administers a running clauthd daemon",
	Long: `clauthctl is the operator-facing client for clauthd, the local
credential-brokering daemon. It manages the vault, scope grants,
skill tokens, sessions, identity challenges, and the audit log over
clauthd's HTTP admin surface.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "clauthd base URL or unix socket path (unix:///path)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "admin-token", envOr("CLAUTH_ADMIN_TOKEN", ""), "admin bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")

	rootCmd.SetVersionTemplate(fmt.Sprintf("clauthctl version {{.Version}} (commit: %s, built: %s)\n", commit, buildDate))

	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(skillTokenCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
