package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	conflictsSince string
	conflictsLimit int
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Show this device's edits that lost to another device",
	Long: `List conflict log entries where this device's write lost the
last-write-wins comparison. The winning version is what every device now
holds; the losing values are preserved server-side for audit.`,
	RunE: runConflicts,
}

func init() {
	conflictsCmd.Flags().StringVar(&conflictsSince, "since", "", "only conflicts after this time (RFC 3339)")
	conflictsCmd.Flags().IntVar(&conflictsLimit, "limit", 50, "maximum entries to fetch")
	rootCmd.AddCommand(conflictsCmd)
}

func runConflicts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.close()

	var since time.Time
	if conflictsSince != "" {
		since, err = time.Parse(time.RFC3339, conflictsSince)
		if err != nil {
			return fmt.Errorf("invalid --since value %q: %w", conflictsSince, err)
		}
	}

	conflicts, err := s.engine.Conflicts(ctx, since, conflictsLimit)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("No lost edits recorded.")
		return nil
	}

	fmt.Println(headerStyle.Render(
		fmt.Sprintf("%-20s %-16s %-24s %s", "WHEN", "TABLE", "RECORD", "WON BY")))
	for _, c := range conflicts {
		fmt.Printf("%-20s %-16s %-24s %s\n",
			c.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			c.Table, c.RecordID, c.WinnerDeviceID)
		fmt.Println(dimStyle.Render(fmt.Sprintf(
			"    our edit at %s, theirs at %s",
			c.LoserUpdatedAt.Local().Format("15:04:05"),
			c.WinnerUpdatedAt.Local().Format("15:04:05"))))
	}
	return nil
}
