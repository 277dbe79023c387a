package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"converge/internal/engine"
)

// Flags for `target add`.
var (
	targetRepoURL   string
	targetRevision  string
	targetPath      string
	targetContext   string
	targetNamespace string
	targetInterval  time.Duration
	targetPrune     bool
)

// targetCmd groups target management subcommands.
var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Manage reconciliation targets",
}

var targetAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a new target",
	Long: `Register a target with the running server.

Example:
  converge target add web \
    --repo https://git.example.com/web.git \
    --revision main --path manifests \
    --context prod --namespace web --prune`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := engine.Target{
			Name:     args[0],
			RepoURL:  targetRepoURL,
			Revision: targetRevision,
			Path:     targetPath,
			Destination: engine.Destination{
				Context:   targetContext,
				Namespace: targetNamespace,
			},
			Interval: targetInterval,
			Policy:   engine.SyncPolicy{Prune: targetPrune},
		}

		created, err := newAPIClient().createTarget(target)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered target %s (%s@%s, every %s)\n",
			created.Name, created.RepoURL, created.Revision, created.Interval)
		return nil
	},
}

var targetRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Deregister a target",
	Long: `Deregister a target from the running server.

Objects already applied to the destination are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().deleteTarget(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed target %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(targetAddCmd)
	targetCmd.AddCommand(targetRemoveCmd)

	targetAddCmd.Flags().StringVar(&targetRepoURL, "repo", "", "Git repository URL (required)")
	targetAddCmd.Flags().StringVar(&targetRevision, "revision", "main", "Branch, tag or commit hash to track")
	targetAddCmd.Flags().StringVar(&targetPath, "path", "", "Path of the manifest directory within the repository")
	targetAddCmd.Flags().StringVar(&targetContext, "context", "", "Kubeconfig context of the destination cluster")
	targetAddCmd.Flags().StringVar(&targetNamespace, "namespace", "", "Default namespace for namespaced objects")
	targetAddCmd.Flags().DurationVar(&targetInterval, "interval", 0, "Reconciliation interval (server default if unset)")
	targetAddCmd.Flags().BoolVar(&targetPrune, "prune", false, "Delete live objects no longer declared in git")
	_ = targetAddCmd.MarkFlagRequired("repo")
}
