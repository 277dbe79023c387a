package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// syncCmd triggers an out-of-band reconciliation of a target.
var syncCmd = &cobra.Command{
	Use:   "sync <target>",
	Short: "Trigger reconciliation of a target now",
	Long: `Ask the server to reconcile a target immediately instead of waiting
for its interval. If a run is already in flight, the request coalesces
into a single follow-up run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().requestSync(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sync requested for %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
