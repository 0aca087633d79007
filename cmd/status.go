package cmd

import (
	"fmt"
	"net/http"
	"peersync/internal/engine"
	"peersync/internal/metrics"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st engine.Status
		if err := call(cmd.Context(), http.MethodGet, "/status", nil, &st); err != nil {
			return err
		}

		if st.Workspace == "" {
			fmt.Println("no workspace open")
			return nil
		}

		lastSync := "never"
		if !st.Timestamp.IsZero() {
			lastSync = humanize.Time(st.Timestamp)
		}

		fmt.Printf("workspace:  %s\n", st.Workspace)
		fmt.Printf("status:     %s (%s)\n", st.Status, st.State)
		fmt.Printf("auto sync:  %t\n", st.AutoSync)
		fmt.Printf("peers:      %d\n", st.Peers)
		fmt.Printf("uploaded:   %d files\n", st.FilesUploaded)
		fmt.Printf("downloaded: %d files\n", st.FilesDownloaded)
		fmt.Printf("conflicts:  %d open\n", st.OpenConflicts)
		fmt.Printf("queued:     %d offline\n", st.OfflineQueue)
		fmt.Printf("last sync:  %s\n", lastSync)

		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "View sync counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		var m metrics.DetailedMetrics
		if err := call(cmd.Context(), http.MethodGet, "/metrics", nil, &m); err != nil {
			return err
		}

		fmt.Printf("network:     %s (%s/s)\n", m.NetworkStatus, humanize.Bytes(uint64(m.NetworkBandwidth)))
		fmt.Printf("scanned:     %d files\n", m.FilesScanned)
		fmt.Printf("uploaded:    %d files, %s\n", m.FilesUploaded, humanize.Bytes(uint64(m.BytesUploaded)))
		fmt.Printf("downloaded:  %d files, %s\n", m.FilesDownloaded, humanize.Bytes(uint64(m.BytesDownloaded)))
		fmt.Printf("deleted:     %d files\n", m.FilesDeleted)
		fmt.Printf("compression: %.2f, %s saved\n", m.CompressionRatio, humanize.Bytes(uint64(m.BytesCompressed)))
		fmt.Printf("errors:      %d (%d retries, %d corrupted)\n", m.ErrorsCount, m.RetryCount, m.CorruptedFiles)
		fmt.Printf("conflicts:   %d seen, %d resolved, %d open\n", m.ConflictsCount, m.ConflictsResolved, m.OpenConflicts)
		fmt.Printf("offline:     %d queued\n", m.OfflineQueueSize)
		if m.DroppedStates > 0 {
			fmt.Printf("events:      %d state changes dropped\n", m.DroppedStates)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, metricsCmd)
}
