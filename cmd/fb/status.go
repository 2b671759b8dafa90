package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fieldbooks/fieldbooks/internal/schema"
	"github.com/fieldbooks/fieldbooks/internal/state"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	syncedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show per-table sync state, queue depth and recent operations",
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Printf("Device: %s\n\n", s.deviceID)

	stats, err := state.New(s.db, s.deviceID).Statistics(ctx)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", headerStyle.Render(
		fmt.Sprintf("%-16s %8s %8s %8s %8s", "TABLE", "PENDING", "SYNCED", "FAILED", "TOTAL")))
	for _, name := range schema.TableNames() {
		st := stats[name]
		if st.Total == 0 {
			fmt.Fprintf(&b, "%s\n", dimStyle.Render(
				fmt.Sprintf("%-16s %8d %8d %8d %8d", name, 0, 0, 0, 0)))
			continue
		}
		fmt.Fprintf(&b, "%-16s %s %s %s %8d\n",
			name,
			pendingStyle.Render(fmt.Sprintf("%8d", st.Pending)),
			syncedStyle.Render(fmt.Sprintf("%8d", st.Synced)),
			failedStyle.Render(fmt.Sprintf("%8d", st.Failed)),
			st.Total)
	}
	fmt.Println(b.String())

	if err := printQueueSummary(cmd, s); err != nil {
		return err
	}

	ops, err := s.db.RecentOperations(ctx, 5)
	if err != nil {
		return err
	}
	if len(ops) > 0 {
		fmt.Println(headerStyle.Render("Recent operations:"))
		for _, op := range ops {
			line := fmt.Sprintf("  %s %-8s %-16s %4d records  %s",
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Direction, op.Table, op.RecordCount, op.Status)
			if op.Status == "FAILED" {
				line = failedStyle.Render(line)
			}
			fmt.Println(line)
		}
	}
	return nil
}
