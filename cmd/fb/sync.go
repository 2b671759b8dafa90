package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	syncUploadOnly   bool
	syncDownloadOnly bool
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle against the configured server",
	Long: `Run one full sync cycle:

  1. Upload pending records, table by table in dependency order
  2. Retry queued records whose referenced rows may have arrived
  3. Download and apply records authored by other devices`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncUploadOnly, "upload-only", false, "upload pending records and stop")
	syncCmd.Flags().BoolVar(&syncDownloadOnly, "download-only", false, "download remote records and stop")
	syncCmd.MarkFlagsMutuallyExclusive("upload-only", "download-only")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.close()

	switch {
	case syncUploadOnly:
		results, err := s.engine.BatchUpload(ctx)
		if err != nil {
			return err
		}
		for _, res := range results {
			fmt.Printf("%-16s %d synced, %d skipped, %d queued, %d failed\n",
				res.Table, res.Synced, res.Skipped, res.Queued, res.Failed)
		}
		if len(results) == 0 {
			fmt.Println("Nothing to upload.")
		}

	case syncDownloadOnly:
		results, err := s.engine.BatchDownload(ctx)
		if err != nil {
			return err
		}
		for _, res := range results {
			fmt.Printf("%-16s %d received, %d applied\n", res.Table, res.Total, res.Applied)
		}
		if len(results) == 0 {
			fmt.Println("Nothing new to download.")
		}

	default:
		result, err := s.engine.SyncCycle(ctx)
		if err != nil {
			return err
		}

		uploaded, queued, failed := 0, 0, 0
		for _, res := range result.Uploads {
			uploaded += res.Synced + res.Skipped
			queued += res.Queued
			failed += res.Failed
		}
		downloaded := 0
		for _, res := range result.Downloads {
			downloaded += res.Applied
		}

		fmt.Printf("Sync complete in %s\n", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
		fmt.Printf("  Uploaded:   %d\n", uploaded)
		fmt.Printf("  Downloaded: %d\n", downloaded)
		if result.Retried > 0 {
			fmt.Printf("  Resolved from queue: %d\n", result.Retried)
		}
		if queued > 0 {
			fmt.Printf("  Queued (missing dependencies): %d\n", queued)
		}
		if failed > 0 {
			fmt.Printf("  Failed: %d (see 'fb status')\n", failed)
		}
	}
	return nil
}
