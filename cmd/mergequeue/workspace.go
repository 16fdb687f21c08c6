package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/mergequeue/pkg/output"
	"github.com/cuemby/mergequeue/pkg/queue"
	"github.com/cuemby/mergequeue/pkg/queuestate"
	"github.com/cuemby/mergequeue/pkg/workspacestate"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "List agent workspaces derived from queue entries",
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces, optionally filtered by lifecycle state",
	RunE: func(cmd *cobra.Command, args []string) error {
		filterFlag, _ := cmd.Flags().GetString("filter")
		filter := workspacestate.FilterAll()
		if filterFlag != "" {
			var err error
			filter, err = workspacestate.ParseFilter(filterFlag)
			if err != nil {
				return err
			}
		}

		store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		repo := queue.New(store)

		entries, err := repo.List("")
		if err != nil {
			return err
		}

		var matched []*queue.Entry
		for _, e := range entries {
			if filter.Matches(workspaceStateOf(e.Status)) {
				matched = append(matched, e)
			}
		}

		if outputJSON(cmd) {
			return output.WriteJSON(os.Stdout, output.NewMany("workspace-list-response", matched))
		}
		if len(matched) == 0 {
			output.Fprintln(os.Stdout, "no workspaces match filter %q", filterFlag)
			return nil
		}
		output.Fprintln(os.Stdout, "%-24s %-18s %-12s", "WORKSPACE", "QUEUE STATUS", "WORKSPACE STATE")
		for _, e := range matched {
			output.Fprintln(os.Stdout, "%-24s %-18s %-12s", e.Workspace, e.Status, workspaceStateOf(e.Status))
		}
		return nil
	},
}

// workspaceStateOf derives a workspace's lifecycle state from its queue
// entry status: the two state machines track the same underlying agent
// workspace from different angles (queue-processing vs. workspace
// lifecycle), so a queue entry's status always implies exactly one
// workspace state.
func workspaceStateOf(status queuestate.Status) workspacestate.State {
	switch status {
	case queuestate.Pending:
		return workspacestate.Created
	case queuestate.Claimed, queuestate.Rebasing, queuestate.Testing, queuestate.Merging:
		return workspacestate.Working
	case queuestate.ReadyToMerge:
		return workspacestate.Ready
	case queuestate.Merged:
		return workspacestate.Merged
	case queuestate.FailedRetryable:
		return workspacestate.Conflict
	case queuestate.FailedTerminal, queuestate.Cancelled:
		return workspacestate.Abandoned
	default:
		return workspacestate.Created
	}
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceListCmd.Flags().String("filter", "", "all, active, complete, terminal, non-terminal, or a specific state name")
}
