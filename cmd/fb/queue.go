package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldbooks/fieldbooks/internal/queue"
	"github.com/fieldbooks/fieldbooks/internal/schema"
	"github.com/fieldbooks/fieldbooks/internal/state"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and manage the retry queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued records and what they are waiting for",
	RunE:  runQueueList,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Give failed records and queue entries a fresh attempt budget",
	Long: `Return every FAILED record and every exhausted queue entry to PENDING.

The next 'fb sync' (or the daemon's next cycle) retries them. Use after
fixing whatever caused the failures, e.g. once the referenced records have
reached the server from another device.`,
	RunE: runQueueRetry,
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}

func printQueueSummary(cmd *cobra.Command, s *session) error {
	counts, err := queue.New(s.db, s.cfg.NewLogger("[queue] ")).Counts(cmd.Context())
	if err != nil {
		return err
	}
	pending, failed := 0, 0
	for _, byStatus := range counts {
		pending += byStatus[schema.StatusPending]
		failed += byStatus[schema.StatusFailed]
	}
	if pending+failed > 0 {
		fmt.Printf("Retry queue: %d waiting, %d exhausted\n\n", pending, failed)
	}
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.close()

	items, err := queue.New(s.db, s.cfg.NewLogger("[queue] ")).All(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Retry queue is empty.")
		return nil
	}

	fmt.Println(headerStyle.Render(
		fmt.Sprintf("%-16s %-24s %-8s %8s  %s", "TABLE", "RECORD", "STATUS", "ATTEMPTS", "WAITING FOR")))
	for _, it := range items {
		waiting := "-"
		if len(it.MissingDeps) > 0 {
			waiting = fmt.Sprintf("%s/%s", it.MissingDeps[0].Table, it.MissingDeps[0].RecordID)
			if len(it.MissingDeps) > 1 {
				waiting = fmt.Sprintf("%s (+%d more)", waiting, len(it.MissingDeps)-1)
			}
		}
		line := fmt.Sprintf("%-16s %-24s %-8s %8d  %s",
			it.Table, it.RecordID, it.Status, it.Attempts, waiting)
		if it.Status == schema.StatusFailed {
			line = failedStyle.Render(line)
		}
		fmt.Println(line)
		if it.LastError != "" {
			fmt.Println(dimStyle.Render("    last error: " + it.LastError))
		}
	}
	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.close()

	records := 0
	st := state.New(s.db, s.deviceID)
	for _, tableName := range schema.TableNames() {
		n, err := st.ResetFailed(ctx, tableName)
		if err != nil {
			return err
		}
		records += n
	}

	entries, err := queue.New(s.db, s.cfg.NewLogger("[queue] ")).ResetFailed(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Reset %d failed records and %d queue entries to PENDING.\n", records, entries)
	if records+entries > 0 {
		fmt.Println("Run 'fb sync' to retry them.")
	}
	return nil
}
