package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"converge/internal/engine"
	convstrings "converge/pkg/strings"
)

// statusCmd shows reconciliation status for all targets or one target.
var statusCmd = &cobra.Command{
	Use:   "status [target]",
	Short: "Show reconciliation status of targets",
	Long: `Show the reconciliation status of registered targets.

Without arguments, prints a table of every target with its phase, synced
revision and last error. With a target name, prints the details of that
target including its last sync result.

Examples:
  converge status            # All targets
  converge status web        # One target in detail`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := newAPIClient()

	if len(args) == 1 {
		state, err := client.getTarget(args[0])
		if err != nil {
			return err
		}
		printTargetDetail(cmd, state)
		return nil
	}

	states, err := client.listTargets()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No targets registered.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"TARGET", "PHASE", "REVISION", "INTERVAL", "FAILURES", "LAST ERROR"})

	for _, ts := range states {
		t.AppendRow(table.Row{
			ts.Target.Name,
			colorPhase(ts.State.Phase),
			shortRevision(ts.State.SyncedRevision),
			ts.Target.Interval,
			ts.State.ConsecutiveFailures,
			convstrings.TruncateOneLine(ts.State.LastError, convstrings.DefaultErrorMaxLen),
		})
	}
	t.Render()
	return nil
}

func printTargetDetail(cmd *cobra.Command, ts targetState) {
	out := cmd.OutOrStdout()

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Target", ts.Target.Name},
		{"Repository", ts.Target.RepoURL},
		{"Revision", ts.Target.Revision},
		{"Path", ts.Target.Path},
		{"Destination", fmt.Sprintf("%s/%s", ts.Target.Destination.Context, ts.Target.Destination.Namespace)},
		{"Interval", ts.Target.Interval},
		{"Phase", colorPhase(ts.State.Phase)},
		{"Synced revision", shortRevision(ts.State.SyncedRevision)},
		{"Failures", ts.State.ConsecutiveFailures},
	})
	if ts.State.LastError != "" {
		t.AppendRow(table.Row{"Last error", fmt.Sprintf("[%s] %s", ts.State.LastErrorKind, ts.State.LastError)})
	}
	t.Render()

	result := ts.State.LastResult
	if result == nil || len(result.Operations) == 0 {
		return
	}

	fmt.Fprintf(out, "\nLast sync (%s, %s):\n", result.Status, result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	ops := table.NewWriter()
	ops.SetOutputMirror(out)
	ops.SetStyle(table.StyleRounded)
	ops.AppendHeader(table.Row{"OPERATION", "OBJECT", "WAVE", "STATUS", "ATTEMPTS"})
	for _, op := range result.Operations {
		ops.AppendRow(table.Row{
			op.Operation.Type,
			op.Operation.Identity.String(),
			op.Operation.Wave,
			op.Status,
			op.Attempts,
		})
	}
	ops.Render()
}

func colorPhase(phase engine.Phase) string {
	switch phase {
	case engine.PhaseIdle:
		return text.FgGreen.Sprint(phase)
	case engine.PhaseError:
		return text.FgRed.Sprint(phase)
	case engine.PhaseWaiting:
		return text.FgYellow.Sprint(phase)
	default:
		return text.FgCyan.Sprint(phase)
	}
}

func shortRevision(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	if revision == "" {
		return "-"
	}
	return revision
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
