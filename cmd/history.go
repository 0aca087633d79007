package cmd

import (
	"fmt"
	"net/http"
	"peersync/internal/model"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyN int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync history",
	RunE: func(cmd *cobra.Command, args []string) error {
		var histories []model.History
		path := fmt.Sprintf("/history?n=%d", historyN)
		if err := call(cmd.Context(), http.MethodGet, path, nil, &histories); err != nil {
			return err
		}

		if len(histories) == 0 {
			fmt.Println("no history yet")
			return nil
		}

		for _, h := range histories {
			status := "✓"
			switch h.Status {
			case model.StatusFailed:
				status = "✗"
			case model.StatusQueued:
				status = "…"
			}

			fmt.Printf("%s [%s] %-8s %-9s %s\n",
				status,
				h.SyncedAt.Format("2006-01-02 15:04:05"),
				h.Op,
				humanize.Bytes(uint64(h.Bytes)),
				h.Path,
			)
			if h.ErrMsg != "" {
				fmt.Printf("    %s\n", h.ErrMsg)
			}
		}

		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyN, "n", 20, "number of history entries to show")
	rootCmd.AddCommand(historyCmd)
}
