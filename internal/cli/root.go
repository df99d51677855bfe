package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var flagConfig string

// defaultConfig returns the config path, checking COALESCED_CONFIG env var first.
func defaultConfig() string {
	if s := os.Getenv("COALESCED_CONFIG"); s != "" {
		return s
	}
	return "./config.json"
}

// NewRootCmd creates the root cobra command for the coalesced CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coalesced",
		Short: "coalesced runs jobs once per burst of triggers",
		Long: "coalesced collapses bursts of triggers (file changes, cron ticks, startup) " +
			"into single debounced runs of commands or systemd unit actions.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfig(), "config file, JSON or YAML (or COALESCED_CONFIG env)")

	root.AddCommand(
		newRunCmd(),
		newWatchCmd(),
		newValidateCmd(),
		newHistoryCmd(),
	)
	return root
}
