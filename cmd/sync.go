package cmd

import (
	"fmt"
	"net/http"
	"peersync/internal/model"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		var summary model.SyncSummary
		if err := call(cmd.Context(), http.MethodPost, "/sync", nil, &summary); err != nil {
			return err
		}

		printSummary(summary)
		return nil
	},
}

func printSummary(s model.SyncSummary) {
	if s.Queued > 0 {
		fmt.Printf("offline: %d operations queued\n", s.Queued)
	}

	fmt.Printf("done: %d uploaded, %d downloaded, %d deleted, %d failed, %d conflicts (%s)\n",
		s.Uploaded, s.Downloaded, s.Deleted, s.Failed, s.Conflicts, s.Duration.Round(time.Millisecond))

	for _, p := range s.FailedPaths {
		fmt.Printf("  ✗ %s\n", p)
	}
}

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Control background sync",
}

var autoStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Watch the workspace and sync on change",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd.Context(), http.MethodPost, "/auto-sync/start", nil, nil); err != nil {
			return err
		}

		fmt.Println("auto sync started")
		return nil
	},
}

var autoStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd.Context(), http.MethodPost, "/auto-sync/stop", nil, nil); err != nil {
			return err
		}

		fmt.Println("auto sync stopped")
		return nil
	},
}

func init() {
	autoCmd.AddCommand(autoStartCmd, autoStopCmd)
	rootCmd.AddCommand(syncCmd, autoCmd)
}
