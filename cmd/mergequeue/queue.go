package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/mergequeue/pkg/output"
	"github.com/cuemby/mergequeue/pkg/queue"
	"github.com/cuemby/mergequeue/pkg/queuestate"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the merge queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add WORKSPACE BEAD_ID",
	Short: "Add a workspace to the queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, beadID := args[0], args[1]
		priority, _ := cmd.Flags().GetInt32("priority")
		agentID, _ := cmd.Flags().GetString("agent-id")
		dedupeKey, _ := cmd.Flags().GetString("dedupe-key")

		store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		repo := queue.New(store)

		var result *queue.AddResult
		if dedupeKey != "" {
			result, err = repo.AddWithDedupe(workspace, beadID, priority, agentID, dedupeKey)
		} else {
			result, err = repo.Add(workspace, beadID, priority, agentID)
		}
		if err != nil {
			return err
		}

		if outputJSON(cmd) {
			return output.WriteJSON(os.Stdout, output.New("queue-add-response", result))
		}
		output.Fprintln(os.Stdout, "added %s at position %d (entry id %d)", workspace, result.Position, result.Entry.ID)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")

		store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		repo := queue.New(store)

		var status queuestate.Status
		if statusFlag != "" {
			status = queuestate.Status(statusFlag)
		}
		entries, err := repo.List(status)
		if err != nil {
			return err
		}

		if outputJSON(cmd) {
			return output.WriteJSON(os.Stdout, output.NewMany("queue-list-response", entries))
		}
		if len(entries) == 0 {
			output.Fprintln(os.Stdout, "no queue entries")
			return nil
		}
		output.Fprintln(os.Stdout, "%-24s %-18s %-8s %s", "WORKSPACE", "STATUS", "PRIORITY", "AGENT")
		for _, e := range entries {
			output.Fprintln(os.Stdout, "%-24s %-18s %-8d %s", e.Workspace, e.Status, e.Priority, e.AgentID)
		}
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show WORKSPACE",
	Short: "Show one queue entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		repo := queue.New(store)

		entry, err := repo.GetByWorkspace(args[0])
		if err != nil {
			return err
		}
		if outputJSON(cmd) {
			return output.WriteJSON(os.Stdout, output.New("queue-entry-response", entry))
		}
		output.Fprintln(os.Stdout, "workspace:    %s", entry.Workspace)
		output.Fprintln(os.Stdout, "bead_id:      %s", entry.BeadID)
		output.Fprintln(os.Stdout, "status:       %s", entry.Status)
		output.Fprintln(os.Stdout, "priority:     %d", entry.Priority)
		output.Fprintln(os.Stdout, "agent_id:     %s", entry.AgentID)
		output.Fprintln(os.Stdout, "attempt:      %d/%d", entry.AttemptCount, entry.MaxAttempts)
		if entry.ErrorMessage != "" {
			output.Fprintln(os.Stdout, "error:        %s", entry.ErrorMessage)
		}
		return nil
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a queue entry by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseEntryID(args[0])
		if err != nil {
			return err
		}
		store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		repo := queue.New(store)

		entry, err := repo.CancelEntry(id)
		if err != nil {
			return err
		}
		if outputJSON(cmd) {
			return output.WriteJSON(os.Stdout, output.New("queue-cancel-response", entry))
		}
		output.Fprintln(os.Stdout, "cancelled %s", entry.Workspace)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry ID",
	Short: "Return a failed entry to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseEntryID(args[0])
		if err != nil {
			return err
		}
		store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		repo := queue.New(store)

		entry, err := repo.RetryEntry(id)
		if err != nil {
			return err
		}
		if outputJSON(cmd) {
			return output.WriteJSON(os.Stdout, output.New("queue-retry-response", entry))
		}
		output.Fprintln(os.Stdout, "%s returned to pending (attempt %d)", entry.Workspace, entry.AttemptCount)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueShowCmd, queueCancelCmd, queueRetryCmd)

	queueAddCmd.Flags().Int32("priority", 0, "Priority (lower numbers claim first)")
	queueAddCmd.Flags().String("agent-id", "", "Agent submitting this workspace")
	queueAddCmd.Flags().String("dedupe-key", "", "Dedupe key; resubmitting the same key upserts instead of duplicating")

	queueListCmd.Flags().String("status", "", "Filter by status (pending, claimed, rebasing, testing, ready_to_merge, merging, merged, failed_retryable, failed_terminal, cancelled)")
}
